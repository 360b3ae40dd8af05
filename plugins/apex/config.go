package apex

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"apexbot/internal/apexapi"
	"apexbot/internal/config"
	"apexbot/internal/plugin"
	"apexbot/internal/storage"
	"apexbot/internal/tracker"
)

const EnvAPIKey = "APEX_API_KEY"

type Config struct {
	APIKey                string `json:"api_key"`
	APIBaseURL            string `json:"api_base_url"`
	Platform              string `json:"platform"`
	CheckIntervalMinutes  int    `json:"check_interval_minutes"`
	DataDirectory         string `json:"data_directory"`
	StorageDriver         string `json:"storage_driver"`
	MaxRetries            *int   `json:"max_retries"`
	TimeoutMS             int    `json:"timeout_ms"`
	MaxScoreDropThreshold *int   `json:"max_score_drop_threshold"`
	MinValidScore         *int   `json:"min_valid_score"`
	Blacklist             string `json:"blacklist"`
}

// parseConfig decodes raw, fills defaults and validates the result.
func parseConfig(raw json.RawMessage) (Config, error) {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	return c, c.validate()
}

func (c *Config) applyDefaults() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.APIKey == "" {
		c.APIKey = config.Getenv(EnvAPIKey, "")
	}
	if c.Platform == "" {
		c.Platform = apexapi.DefaultPlatform
	}
	if c.CheckIntervalMinutes == 0 {
		c.CheckIntervalMinutes = 2
	}
	if c.DataDirectory == "" {
		c.DataDirectory = "./data"
	}
	if c.StorageDriver == "" {
		c.StorageDriver = "file"
	}
	if c.MaxRetries == nil {
		n := apexapi.DefaultMaxRetries
		c.MaxRetries = &n
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = int(apexapi.DefaultTimeout / time.Millisecond)
	}
	if c.MaxScoreDropThreshold == nil {
		n := tracker.DefaultMaxScoreDropThreshold
		c.MaxScoreDropThreshold = &n
	}
	if c.MinValidScore == nil {
		n := tracker.DefaultMinValidScore
		c.MinValidScore = &n
	}
}

func (c Config) validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, fmt.Errorf("api_key is required (or set %s)", EnvAPIKey))
	}
	if c.CheckIntervalMinutes < 0 {
		errs = append(errs, errors.New("check_interval_minutes must be > 0"))
	}
	if *c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}
	if c.TimeoutMS < 0 {
		errs = append(errs, errors.New("timeout_ms must be > 0"))
	}
	if *c.MaxScoreDropThreshold < 0 {
		errs = append(errs, errors.New("max_score_drop_threshold must be >= 0"))
	}
	if *c.MinValidScore < 0 {
		errs = append(errs, errors.New("min_valid_score must be >= 0"))
	}
	switch strings.ToLower(c.StorageDriver) {
	case "file", "sqlite", "none":
	default:
		errs = append(errs, fmt.Errorf("storage_driver %q: want file, sqlite or none", c.StorageDriver))
	}
	return errors.Join(errs...)
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

func (c Config) Thresholds() tracker.Thresholds {
	return tracker.Thresholds{MinValidScore: *c.MinValidScore, MaxScoreDropThreshold: *c.MaxScoreDropThreshold}
}

func (c Config) clientOptions() apexapi.Options {
	return apexapi.Options{
		APIKey:     c.APIKey,
		BaseURL:    c.APIBaseURL,
		Platform:   c.Platform,
		MaxRetries: *c.MaxRetries,
		Timeout:    time.Duration(c.TimeoutMS) * time.Millisecond,
	}
}

func (c Config) storageConfig() storage.Config {
	path := c.DataDirectory
	if strings.EqualFold(c.StorageDriver, "sqlite") {
		path = filepath.Join(c.DataDirectory, "apexbot.db")
	}
	return storage.Config{Driver: c.StorageDriver, Path: path}
}

// needsRestart reports whether moving from c to next changes something
// only a plugin restart picks up.
func (c Config) needsRestart(next Config) bool {
	return c.APIKey != next.APIKey ||
		c.APIBaseURL != next.APIBaseURL ||
		c.Platform != next.Platform ||
		*c.MaxRetries != *next.MaxRetries ||
		c.TimeoutMS != next.TimeoutMS ||
		c.DataDirectory != next.DataDirectory ||
		c.StorageDriver != next.StorageDriver ||
		c.Blacklist != next.Blacklist
}
