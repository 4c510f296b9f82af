package relay

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ErrNotPointer is returned when SetConfigFromEnvVars receives a non-pointer.
var ErrNotPointer = errors.New("config must be a non-nil pointer to a struct")

// GetenvOrDefault returns the trimmed value of key, or defaultValue when unset or blank.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

// GetenvBoolOrDefault parses key as a bool, falling back on absence or parse failure.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault parses key as an int64, falling back on absence or parse failure.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// SetConfigFromEnvVars fills s from `env` / `envDefault` struct tags.
func SetConfigFromEnvVars(s any) error {
	v := reflect.ValueOf(s)
	if s == nil || v.Kind() != reflect.Pointer || v.IsNil() {
		return ErrNotPointer
	}

	if err := env.Parse(s); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	return nil
}
