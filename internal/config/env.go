package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const EnvPrefix = "SESSIONHOST_"

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// ReadDotEnv parses a .env file without touching the process environment.
// A missing file yields an empty map.
func ReadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

// EnvLookup prefers base, the process environment when nil, and falls back
// to dotenv values.
func EnvLookup(base LookupFunc, dotenv map[string]string) LookupFunc {
	if base == nil {
		base = os.LookupEnv
	}
	return func(key string) (string, bool) {
		if value, ok := base(key); ok {
			return value, true
		}
		value, ok := dotenv[key]
		return value, ok
	}
}

// EnvKey maps a flag name such as "stale-timeout" to SESSIONHOST_STALE_TIMEOUT.
func EnvKey(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
