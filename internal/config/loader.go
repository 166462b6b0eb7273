package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// File names looked up inside a configuration directory.
const (
	PackagesFile = "packages.txt"
)

var configFileCandidates = []string{"config.yaml", "config.yml", "config.toml"}

// FindConfigFile returns the config document inside dir, preferring YAML.
// If none exists the first candidate is returned so that the caller reports
// a meaningful path.
func FindConfigFile(dir string) string {
	for _, name := range configFileCandidates {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, configFileCandidates[0])
}

// LoadRootConfig loads the config document and packages.txt from dir.
func LoadRootConfig(dir string) (*RootConfig, error) {
	return LoadRootConfigFiles(FindConfigFile(dir), filepath.Join(dir, PackagesFile))
}

// LoadRootConfigFiles loads a RootConfig from explicit paths.
func LoadRootConfigFiles(configPath, packagesPath string) (*RootConfig, error) {
	entry, err := LoadConfigEntry(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(packagesPath) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load packages from '%s'", packagesPath)
	}
	defer f.Close()

	packages, err := ParseRequirements(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load packages from '%s'", packagesPath)
	}

	return &RootConfig{Config: *entry, Packages: packages}, nil
}

// LoadConfigEntry decodes and validates a config document. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfigEntry(configPath string) (*ConfigEntry, error) {
	doc, err := decodeDocument(configPath)
	if err != nil {
		return nil, err
	}
	entry, err := NewConfigEntry(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load config from '%s'", configPath)
	}
	return entry, nil
}

func decodeDocument(configPath string) (any, error) {
	data, err := os.ReadFile(configPath) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load config from '%s'", configPath)
	}

	var doc any
	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, errors.Mark(
				errors.Wrapf(err, "unable to load config from '%s', it appears to be a non-toml file", configPath),
				ErrMalformedDocument)
		}
		doc = m
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "unable to load config from '%s', it appears to be a non-yaml file", configPath),
			ErrMalformedDocument)
	}
	return doc, nil
}
