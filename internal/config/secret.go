package config

import (
	"fmt"
	"os"

	apperrors "trade_engine/pkg/errors"
)

// Environment variables holding the exchange credentials
const (
	EnvAPIKey    = "BQ_KEY"
	EnvAPISecret = "BQ_SECRET"
)

// Secret is a string type that redacts itself when printed
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalYAML ensures secrets are redacted when marshaled to YAML
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return "[REDACTED]", nil
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// GoString ensures secrets are redacted when using %#v format
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"[REDACTED]"`
}

// Credentials are the exchange API key pair
type Credentials struct {
	APIKey    Secret
	SecretKey Secret
}

// LoadCredentials reads the key pair from the environment. Both must be set.
func LoadCredentials() (Credentials, error) {
	var missing []string
	key := os.Getenv(EnvAPIKey)
	if key == "" {
		missing = append(missing, EnvAPIKey)
	}
	secret := os.Getenv(EnvAPISecret)
	if secret == "" {
		missing = append(missing, EnvAPISecret)
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("%w: %v not set", apperrors.ErrMissingCredentials, missing)
	}
	return Credentials{APIKey: Secret(key), SecretKey: Secret(secret)}, nil
}
