// Package envconfig holds the small environment-variable parsing helpers
// shared by every config struct in this module.
package envconfig

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from a .env file, falling back to
// the process environment if the file is absent.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil {
		log.Printf("[Config] no .env file found, using system environment variables")
	}
}

// String returns the value of the named env var, or defaultValue if unset/empty.
func String(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Int returns the parsed integer value of the named env var, or defaultValue
// if unset or unparsable (a warning is logged in the latter case).
func Int(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] WARNING: invalid value for %s=%q, using default %d", key, v, defaultValue)
		return defaultValue
	}
	return parsed
}

// Int64 returns the parsed int64 value of the named env var, or defaultValue.
func Int64(key string, defaultValue int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("[Config] WARNING: invalid value for %s=%q, using default %d", key, v, defaultValue)
		return defaultValue
	}
	return parsed
}

// Float32Ptr returns a pointer to the parsed float value of the named env
// var, or nil if unset/unparsable, so callers can distinguish "not set"
// from a legitimate zero value.
func Float32Ptr(key string) *float32 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(v, 32)
	if err != nil {
		log.Printf("[Config] WARNING: invalid value for %s=%q, ignoring", key, v)
		return nil
	}
	f := float32(parsed)
	return &f
}

// Bool returns the parsed boolean value of the named env var, or defaultValue.
// Accepts the same loose truthy tokens as the original Python runner
// ("1", "true", "TRUE", "yes", "YES", "on", "ON").
func Bool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "no", "NO", "off", "OFF":
		return false
	default:
		log.Printf("[Config] WARNING: invalid boolean value for %s=%q, using default %v", key, v, defaultValue)
		return defaultValue
	}
}
