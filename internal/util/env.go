package util

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/sift-kg/sift/pkg/logger"
)

// LoadEnv reads a .env file from the working directory into the process
// environment. A missing file is fine, the system environment is used as-is.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using system environment variables")
	}
}

// GetEnv returns the value of key, or an empty string when it is unset.
func GetEnv(key string) string {
	return os.Getenv(key)
}

// GetEnvString returns the value of key, or fallback when it is unset.
// An empty but set variable is returned as-is.
func GetEnvString(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvNumeric parses key as a float. Unset or unparsable values yield
// the fallback.
func GetEnvNumeric(key string, fallback int) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return float64(fallback)
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return float64(fallback)
	}
	return parsed
}

// GetEnvBool parses key with strconv.ParseBool semantics, so "1", "t" and
// "TRUE" all count. Unset or unparsable values yield the fallback.
func GetEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
