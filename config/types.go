package config

import "time"

type AppConfig struct {
	DBDriver   string        `yaml:"db_driver" env:"CASETRACK_DB_DRIVER" env-default:"sqlite"`
	DBURL      string        `yaml:"db_url" env:"CASETRACK_DB_URL" env-default:""`
	DBPath     string        `yaml:"db_path" env:"CASETRACK_DB_PATH" env-default:"data/casetrack.db"`
	ListenAddr string        `yaml:"listen_addr" env:"CASETRACK_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	SessionTTL time.Duration `yaml:"session_ttl" env:"CASETRACK_SESSION_TTL" env-default:"12h"`
	AppEnv     string        `yaml:"app_env" env:"CASETRACK_APP_ENV"`

	// RateLimitMax caps case submissions per submitter per window; zero or
	// negative disables the limit.
	RateLimitMax    int           `yaml:"rate_limit_max" env:"CASETRACK_RATE_LIMIT_MAX" env-default:"10"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"CASETRACK_RATE_LIMIT_WINDOW" env-default:"1m"`

	Automation AutomationConfig `yaml:"automation"`
}

type AutomationConfig struct {
	Enabled            bool          `yaml:"enabled" env:"CASETRACK_AUTOMATION_ENABLED" env-default:"true"`
	SLAInterval        time.Duration `yaml:"sla_interval" env:"CASETRACK_AUTOMATION_SLA_INTERVAL" env-default:"30m"`
	StaleInterval      time.Duration `yaml:"stale_interval" env:"CASETRACK_AUTOMATION_STALE_INTERVAL" env-default:"2h"`
	AssignmentInterval time.Duration `yaml:"assignment_interval" env:"CASETRACK_AUTOMATION_ASSIGNMENT_INTERVAL" env-default:"1h"`
	SystemEmail        string        `yaml:"system_email" env:"CASETRACK_AUTOMATION_SYSTEM_EMAIL" env-default:"system@takedown.internal"`
}

const minSessionTTL = 15 * time.Minute

func (c *AppConfig) EffectiveSessionTTL() time.Duration {
	if c == nil || c.SessionTTL <= 0 {
		return 12 * time.Hour
	}
	if c.SessionTTL < minSessionTTL {
		return minSessionTTL
	}
	return c.SessionTTL
}

func (c *AppConfig) EffectiveRateLimitWindow() time.Duration {
	if c == nil || c.RateLimitWindow <= 0 {
		return time.Minute
	}
	return c.RateLimitWindow
}
