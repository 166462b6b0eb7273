package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const redacted = "***"

// Credentials authenticate against a package index.
//
// All display forms redact the password.
type Credentials struct {
	Username string
	Password string
}

// LoadCredentials reads credentials from a YAML file.
// An empty path means no credentials and returns nil, nil.
func LoadCredentials(path string) (*Credentials, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from the validated configuration
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load credentials from '%s'", path)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// The parser error may quote file content, so it is dropped.
		return nil, errors.Mark(
			errors.Newf("unable to load credentials from '%s', it appears to be a non-yaml file", path),
			ErrMalformedDocument)
	}

	// Credentials are loaded after the config document, so they get their
	// own validation pass.
	doc, err = validate(credentialsSchema, doc)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid credentials in '%s'", path)
	}

	blob := doc.(map[string]any)
	return &Credentials{
		Username: blob["username"].(string),
		Password: blob["password"].(string),
	}, nil
}

// Equal reports whether c and o hold the same username and password.
// Two nil credentials are equal.
func (c *Credentials) Equal(o *Credentials) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Username == o.Username && c.Password == o.Password
}

// String implements fmt.Stringer.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials(username='%s', password='%s')", c.Username, redacted)
}

// GoString implements fmt.GoStringer so %#v does not leak the password.
func (c Credentials) GoString() string {
	return c.String()
}

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", redacted),
	)
}

// MarshalYAML implements yaml.Marshaler.
func (c Credentials) MarshalYAML() (any, error) {
	return map[string]string{"username": c.Username, "password": redacted}, nil
}

// MarshalJSON implements json.Marshaler.
func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"username": c.Username, "password": redacted})
}
