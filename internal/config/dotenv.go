package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/subosito/gotenv"
)

// LoadDotenv loads ~/.gza/.env without overriding variables already set,
// then the project's .env which overrides everything. Missing files are
// skipped.
func LoadDotenv(projectDir, home string) error {
	if home != "" {
		if err := loadEnvFile(filepath.Join(home, StateDir, ".env"), false); err != nil {
			return err
		}
	}
	return loadEnvFile(filepath.Join(projectDir, ".env"), true)
}

func loadEnvFile(path string, override bool) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrConfiguration, path, err)
	}
	for k, v := range env {
		if _, set := os.LookupEnv(k); set && !override {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("setting %s: %w", k, err)
		}
	}
	return nil
}
