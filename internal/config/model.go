package config

import (
	"net/url"
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
)

// IsURL reports whether location names an HTTP(S) index rather than a
// filesystem path.
func IsURL(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Origin is the upstream public index initial sources are fetched from.
type Origin struct {
	Location    string       `yaml:"location" json:"location"`
	Credentials *Credentials `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// IsURL reports whether the origin is a remote index.
func (o Origin) IsURL() bool { return IsURL(o.Location) }

// Equal compares two origins structurally.
func (o Origin) Equal(other Origin) bool {
	return o.Location == other.Location && o.Credentials.Equal(other.Credentials)
}

// Source is the internal staging index.
type Source struct {
	Location    string       `yaml:"location" json:"location"`
	Credentials *Credentials `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// IsURL reports whether the source is a remote index.
func (s Source) IsURL() bool { return IsURL(s.Location) }

// Equal compares two sources structurally.
func (s Source) Equal(other Source) bool {
	return s.Location == other.Location && s.Credentials.Equal(other.Credentials)
}

// Target is a build flavour destination together with the variables
// forwarded to its build template.
type Target struct {
	Location    string         `yaml:"location" json:"location"`
	Vars        map[string]any `yaml:"vars" json:"vars"`
	Credentials *Credentials   `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// IsURL reports whether the target is a remote index.
func (t Target) IsURL() bool { return IsURL(t.Location) }

// Equal compares two targets structurally.
func (t Target) Equal(other Target) bool {
	return t.Location == other.Location &&
		reflect.DeepEqual(t.Vars, other.Vars) &&
		t.Credentials.Equal(other.Credentials)
}

// ConfigEntry is one origin, one source and the named targets.
type ConfigEntry struct {
	Origin  Origin            `yaml:"origin" json:"origin"`
	Source  Source            `yaml:"source" json:"source"`
	Targets map[string]Target `yaml:"targets" json:"targets"`
}

// NewConfigEntry validates a decoded document against the config schema
// and builds a ConfigEntry from it. Referenced credential files are loaded.
func NewConfigEntry(doc any) (*ConfigEntry, error) {
	doc, err := validate(configSchema, doc)
	if err != nil {
		return nil, err
	}
	blob := doc.(map[string]any)

	location, creds, err := endpointFromMap(blob["origin"].(map[string]any))
	if err != nil {
		return nil, errors.Wrap(err, "origin")
	}
	entry := &ConfigEntry{
		Origin:  Origin{Location: location, Credentials: creds},
		Targets: make(map[string]Target),
	}

	location, creds, err = endpointFromMap(blob["source"].(map[string]any))
	if err != nil {
		return nil, errors.Wrap(err, "source")
	}
	entry.Source = Source{Location: location, Credentials: creds}

	for name, raw := range blob["targets"].(map[string]any) {
		target, err := targetFromMap(raw.(map[string]any))
		if err != nil {
			return nil, errors.Wrapf(err, "target %q", name)
		}
		entry.Targets[name] = target
	}
	return entry, nil
}

func endpointFromMap(blob map[string]any) (string, *Credentials, error) {
	credentialsPath, _ := blob["credentialsPath"].(string)
	creds, err := LoadCredentials(credentialsPath)
	if err != nil {
		return "", nil, err
	}
	return blob["location"].(string), creds, nil
}

func targetFromMap(blob map[string]any) (Target, error) {
	location, creds, err := endpointFromMap(blob)
	if err != nil {
		return Target{}, err
	}
	vars, _ := blob["vars"].(map[string]any)
	if vars == nil {
		vars = map[string]any{}
	}
	return Target{Location: location, Vars: vars, Credentials: creds}, nil
}

// TargetNames returns the target names in sorted order.
func (c *ConfigEntry) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal compares two entries structurally.
func (c *ConfigEntry) Equal(other *ConfigEntry) bool {
	if c == nil || other == nil {
		return c == other
	}
	if !c.Origin.Equal(other.Origin) || !c.Source.Equal(other.Source) {
		return false
	}
	return cmp.Equal(c.Targets, other.Targets)
}

// RootConfig is a config entry plus the required packages.
type RootConfig struct {
	Config   ConfigEntry
	Packages []Requirement
}

// Equal compares r with other structurally. Packages compare by their
// canonical string form. other must be a RootConfig; anything else yields
// ErrTypeMismatch rather than false.
func (r *RootConfig) Equal(other any) (bool, error) {
	var o *RootConfig
	switch v := other.(type) {
	case *RootConfig:
		o = v
	case RootConfig:
		o = &v
	default:
		return false, errors.Mark(
			errors.Newf("'==' not supported between instances of %T and %T", r, other),
			ErrTypeMismatch)
	}
	if r == nil || o == nil {
		return r == o, nil
	}

	n := len(r.Packages)
	if len(o.Packages) > n {
		n = len(o.Packages)
	}
	for i := 0; i < n; i++ {
		if i >= len(r.Packages) || i >= len(o.Packages) {
			return false, nil
		}
		if r.Packages[i].String() != o.Packages[i].String() {
			return false, nil
		}
	}
	return r.Config.Equal(&o.Config), nil
}

// AllSettings flattens the configuration into the names Settings.Get
// understands.
func (r *RootConfig) AllSettings() map[string]any {
	return map[string]any{
		"origin":   r.Config.Origin,
		"source":   r.Config.Source,
		"targets":  r.Config.Targets,
		"packages": r.Packages,
	}
}
