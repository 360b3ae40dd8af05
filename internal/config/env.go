package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const EnvTelegramToken = "TELEGRAM_TOKEN"

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Missing files are not an error and
// variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Getenv returns the trimmed value of key, or fallback when unset.
func Getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// applyEnv fills secrets that were left out of the file.
func applyEnv(cfg *Config) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = Getenv(EnvTelegramToken, "")
	}
}
