package normalize

import (
	"strings"
	"testing"
)

func TestURLCanonicalForms(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host and path", "HTTPS://Example.COM/Some/Path", "https://example.com/some/path"},
		{"adds https scheme", "example.com/page", "https://example.com/page"},
		{"keeps explicit http", "http://example.com/page", "http://example.com/page"},
		{"drops fragment", "https://example.com/page#section-2", "https://example.com/page"},
		{"strips single trailing slash", "https://example.com/page/", "https://example.com/page"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"strips tracking params", "https://example.com/p?utm_source=mail&utm_campaign=x&id=7", "https://example.com/p?id=7"},
		{"drops blank values", "https://example.com/p?a=&b=1", "https://example.com/p?b=1"},
		{"sorts query keys", "https://example.com/p?z=1&a=2", "https://example.com/p?a=2&z=1"},
		{"sorts repeated values", "https://example.com/p?x=2&x=1", "https://example.com/p?x=1&x=2"},
		{"trims whitespace", "  https://example.com/page  ", "https://example.com/page"},
		{"empty input", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := URL(tc.in); got != tc.want {
				t.Fatalf("URL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestURLEquivalentFormsShareHash(t *testing.T) {
	variants := []string{
		"https://example.com/report?id=1&utm_source=tw",
		"HTTPS://EXAMPLE.COM/report?id=1",
		"example.com/report/?id=1#top",
		"  https://example.com/report?utm_campaign=x&id=1  ",
	}
	first := URLHash(URL(variants[0]))
	if first == "" {
		t.Fatal("expected non-empty hash")
	}
	for _, v := range variants[1:] {
		if got := URLHash(URL(v)); got != first {
			t.Fatalf("hash mismatch for %q: %s != %s", v, got, first)
		}
	}
	if other := URLHash(URL("https://example.com/report?id=2")); other == first {
		t.Fatal("different content must not collide")
	}
}

// A query that fails to parse falls back to the whole lowercased input, so
// distinct malformed URLs keep distinct hashes.
func TestURLMalformedQueryFallsBack(t *testing.T) {
	a := URL("https://example.com/p?a=%zz")
	if a != "https://example.com/p?a=%zz" {
		t.Fatalf("malformed query must keep the raw form, got %q", a)
	}
	if got := URL(a); got != a {
		t.Fatalf("fallback form must be stable, got %q", got)
	}
	b := URL("https://example.com/p?b=%zz")
	if URLHash(a) == URLHash(b) {
		t.Fatal("distinct malformed queries must not collide")
	}
}

func TestURLHashEmpty(t *testing.T) {
	if got := URLHash(""); got != "" {
		t.Fatalf("empty input must yield empty hash, got %q", got)
	}
}

func TestFileHash(t *testing.T) {
	valid := strings.Repeat("ab", 32)
	if got := FileHash(valid); got != valid {
		t.Fatalf("valid digest rejected: %q", got)
	}
	if got := FileHash("  " + strings.ToUpper(valid) + " "); got != valid {
		t.Fatalf("uppercase digest not normalized: %q", got)
	}
	for _, bad := range []string{"", "xyz", strings.Repeat("a", 63), strings.Repeat("g", 64)} {
		if got := FileHash(bad); got != "" {
			t.Fatalf("FileHash(%q) = %q, want empty", bad, got)
		}
	}
}

func TestProcessSubmission(t *testing.T) {
	sub := ProcessSubmission("Example.com/a?utm_source=x", "")
	if !sub.HasContent {
		t.Fatal("url submission should have content")
	}
	if sub.URLNormalized != "https://example.com/a" {
		t.Fatalf("unexpected normalized url %q", sub.URLNormalized)
	}
	if sub.URLHash == "" || sub.FileHash != "" {
		t.Fatalf("unexpected hashes %q %q", sub.URLHash, sub.FileHash)
	}

	digest := strings.Repeat("cd", 32)
	sub = ProcessSubmission("", digest)
	if !sub.HasContent || sub.FileHash != digest || sub.URLHash != "" {
		t.Fatalf("file-only submission mishandled: %+v", sub)
	}

	// An invalid digest is treated as absent, so alone it carries no content.
	sub = ProcessSubmission("", "not-a-digest")
	if sub.HasContent {
		t.Fatal("invalid digest alone must not count as content")
	}

	sub = ProcessSubmission("", "")
	if sub.HasContent {
		t.Fatal("empty submission must not have content")
	}
}
