// Package normalize canonicalizes submitted URLs and file hashes so that
// trivially-different submissions of the same content dedup to one case.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// trackingParams are query keys stripped before hashing: analytics and ad
// click ids, referrer markers, session ids and cache busters.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"gclid": {}, "gclsrc": {}, "dclid": {}, "wbraid": {}, "gbraid": {},
	"fbclid": {}, "fbadid": {},
	"msclkid": {},
	"ref": {}, "referrer": {}, "source": {},
	"sessionid": {}, "sid": {}, "_t": {}, "timestamp": {}, "ts": {},
	"v": {}, "version": {}, "cache": {}, "nocache": {},
}

var sha256Hex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// URL lowercases the input, forces an https scheme when none is present,
// drops the fragment and tracking parameters, trims a single trailing slash
// (root excepted) and re-encodes the query sorted by key. It never fails: an
// unparseable input falls back to its trimmed, lowercased form.
func URL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		lower = "https://" + lower
	}
	u, err := url.Parse(lower)
	if err != nil || u.Host == "" {
		return lower
	}
	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	cleaned, ok := cleanQuery(u.RawQuery)
	if !ok {
		// Malformed query: fall back to the whole trimmed, lowercased input
		// so distinct broken inputs keep distinct canonical forms.
		return lower
	}
	u.RawQuery = cleaned
	return u.String()
}

func cleanQuery(rawQuery string) (string, bool) {
	if rawQuery == "" {
		return "", true
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", false
	}
	kept := url.Values{}
	for key, vals := range values {
		if _, tracked := trackingParams[key]; tracked {
			continue
		}
		for _, v := range vals {
			// Blank values are noise for dedup purposes.
			if v == "" {
				continue
			}
			kept.Add(key, v)
		}
	}
	if len(kept) == 0 {
		return "", true
	}
	// url.Values.Encode already sorts by key; sort values within a key so
	// repeated parameters hash identically regardless of input order.
	for key := range kept {
		sort.Strings(kept[key])
	}
	return kept.Encode(), true
}

// URLHash returns the lowercase hex SHA-256 of a normalized URL. Empty input
// yields an empty digest, not a hash of the empty string.
func URLHash(normalized string) string {
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// FileHash validates a caller-supplied SHA-256 digest. Anything that is not
// exactly 64 hex characters after trimming and lowercasing is treated as
// absent; callers detect invalid input by the empty result.
func FileHash(raw string) string {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	if cleaned == "" {
		return ""
	}
	if !sha256Hex.MatchString(cleaned) {
		return ""
	}
	return cleaned
}

// Submission is the normalized view of a case submission.
type Submission struct {
	URL           string
	URLNormalized string
	URLHash       string
	FileHash      string
	HasContent    bool
}

// ProcessSubmission normalizes both content fields. HasContent is true iff a
// non-blank URL or a valid file hash was supplied.
func ProcessSubmission(rawURL, rawFileHash string) Submission {
	var sub Submission
	if trimmed := strings.TrimSpace(rawURL); trimmed != "" {
		sub.URL = trimmed
		sub.URLNormalized = URL(trimmed)
		sub.URLHash = URLHash(sub.URLNormalized)
		sub.HasContent = true
	}
	if strings.TrimSpace(rawFileHash) != "" {
		sub.FileHash = FileHash(rawFileHash)
		if sub.FileHash != "" {
			sub.HasContent = true
		}
	}
	return sub
}
