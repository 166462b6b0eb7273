/*
Package bigrig is a tool for mirroring Python packages between package indexes.

bigrig keeps an internal staging index of source distributions fetched from a
public origin index, for the build targets described in its configuration:
  - YAML or TOML configuration validated against a JSON Schema
  - PEP 508 package lists with PEP 440 version matching
  - PEP 503 simple repositories and local directory repositories
  - Digest and PGP signature verification of downloads
  - Concurrent, rate limited transfers with file locking

The main packages are:

	github.com/bigrig/bigrig/internal/config  - Configuration model, loading and process-wide settings
	github.com/bigrig/bigrig/internal/dist    - Distribution file names, digests and core metadata
	github.com/bigrig/bigrig/internal/repo    - Package index access: simple repositories and local directories
	github.com/bigrig/bigrig/internal/mirror  - Syncing origin to source and target status reports
	github.com/bigrig/bigrig/cmd/bigrig       - Command-line interface
*/
package bigrig
