package config

import "github.com/cockroachdb/errors"

// Error identities. Use errors.Is to test for them; the returned errors
// carry more context than these messages.
var (
	ErrMalformedDocument  = errors.New("malformed document")
	ErrSchemaViolation    = errors.New("schema violation")
	ErrInvalidRequirement = errors.New("invalid requirement")

	ErrNotConfigured     = errors.New("settings are not configured")
	ErrMisconfigured     = errors.New("settings are misconfigured")
	ErrAlreadyConfigured = errors.New("settings are already configured")
	ErrMissingConfigPath = errors.New("missing path to bigrig configuration")
	ErrUnknownSetting    = errors.New("unknown setting")
	ErrUnknownTarget     = errors.New("unknown target")

	ErrTypeMismatch = errors.New("type mismatch")
)
