package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	SharedSecret   string `json:"shared_secret"`
	CredentialSalt string `json:"credential_salt"`
	KDFIterations  int    `json:"kdf_iterations"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(aimeeDir(), "aimee.db"),
		LogLevel: "info",
	}
}

func aimeeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aimee"
	}
	return filepath.Join(home, ".aimee")
}

func settingsPath() string {
	return filepath.Join(aimeeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AIMEE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AIMEE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AIMEE_SHARED_SECRET"); v != "" {
		cfg.SharedSecret = v
	}
	if v := os.Getenv("AIMEE_CREDENTIAL_SALT"); v != "" {
		cfg.CredentialSalt = v
	}
	if v := os.Getenv("AIMEE_KDF_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KDFIterations = n
		}
	}

	return cfg
}
