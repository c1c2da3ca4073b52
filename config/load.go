package config

import (
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads the config file at path when it exists, then applies environment
// overrides. An empty or missing path falls back to environment-only config.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
