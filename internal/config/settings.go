package config

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// Environment variables consulted by Settings.Configure.
const (
	EnvConfigPath   = "BIGRIG_CONFIG_PATH"
	EnvConfigFile   = "BIGRIG_CONFIG_FILE"
	EnvPackagesFile = "BIGRIG_PACKAGES_FILE"
)

// Global is the process-wide settings holder.
var Global = &Settings{}

// Settings holds the RootConfig of the running process. It starts out
// unconfigured and accepts exactly one Configure call.
type Settings struct {
	mu        sync.RWMutex
	attempted bool
	root      *RootConfig
	configErr error
	configDir string
}

// Configure loads the configuration from dir. With an empty dir it falls
// back to BIGRIG_CONFIG_PATH, then to the BIGRIG_CONFIG_FILE and
// BIGRIG_PACKAGES_FILE pair.
//
// Only the first call does any work; later calls fail with
// ErrAlreadyConfigured even if the first one failed.
func (s *Settings) Configure(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempted {
		return errors.Mark(errors.Newf("%s was already configured", s.describe()), ErrAlreadyConfigured)
	}
	s.attempted = true

	root, source, err := loadFromEnvironment(dir)
	if err != nil {
		s.configErr = err
		return err
	}
	s.root = root
	s.configDir = source
	return nil
}

// ConfigureRoot installs an already loaded RootConfig, for callers that
// load configuration themselves.
func (s *Settings) ConfigureRoot(root *RootConfig, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempted {
		return errors.Mark(errors.Newf("%s was already configured", s.describe()), ErrAlreadyConfigured)
	}
	s.attempted = true
	s.root = root
	s.configDir = source
	return nil
}

func loadFromEnvironment(dir string) (*RootConfig, string, error) {
	if dir == "" {
		dir = os.Getenv(EnvConfigPath)
	}
	if dir != "" {
		root, err := LoadRootConfig(dir)
		return root, dir, err
	}

	configFile, packagesFile := os.Getenv(EnvConfigFile), os.Getenv(EnvPackagesFile)
	if configFile != "" && packagesFile != "" {
		root, err := LoadRootConfigFiles(configFile, packagesFile)
		return root, configFile, err
	}

	return nil, "", errors.Mark(
		errors.Newf("point %s to the bigrig configuration directory, or set both %s and %s",
			EnvConfigPath, EnvConfigFile, EnvPackagesFile),
		ErrMissingConfigPath)
}

// Configured reports whether a configuration was loaded successfully.
func (s *Settings) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root != nil
}

func (s *Settings) rootConfig() (*RootConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.root != nil:
		return s.root, nil
	case s.configErr != nil:
		return nil, errors.Mark(errors.Wrap(s.configErr, "configuration failed to load"), ErrMisconfigured)
	default:
		return nil, errors.Mark(
			errors.New("application is not configured, call Configure before accessing settings"),
			ErrNotConfigured)
	}
}

// Root returns the loaded RootConfig.
func (s *Settings) Root() (*RootConfig, error) {
	return s.rootConfig()
}

// Origin returns the configured origin.
func (s *Settings) Origin() (Origin, error) {
	root, err := s.rootConfig()
	if err != nil {
		return Origin{}, err
	}
	return root.Config.Origin, nil
}

// Source returns the configured source.
func (s *Settings) Source() (Source, error) {
	root, err := s.rootConfig()
	if err != nil {
		return Source{}, err
	}
	return root.Config.Source, nil
}

// Targets returns all configured targets by name.
func (s *Settings) Targets() (map[string]Target, error) {
	root, err := s.rootConfig()
	if err != nil {
		return nil, err
	}
	return root.Config.Targets, nil
}

// Target returns the named target.
func (s *Settings) Target(name string) (Target, error) {
	targets, err := s.Targets()
	if err != nil {
		return Target{}, err
	}
	t, ok := targets[name]
	if !ok {
		return Target{}, errors.Mark(errors.Newf("no target named %q", name), ErrUnknownTarget)
	}
	return t, nil
}

// Packages returns the required packages in file order.
func (s *Settings) Packages() ([]Requirement, error) {
	root, err := s.rootConfig()
	if err != nil {
		return nil, err
	}
	return root.Packages, nil
}

// Get returns a setting by name: origin, source, targets or packages.
func (s *Settings) Get(name string) (any, error) {
	root, err := s.rootConfig()
	if err != nil {
		return nil, err
	}
	v, ok := root.AllSettings()[name]
	if !ok {
		return nil, errors.Mark(errors.Newf("no setting named %q", name), ErrUnknownSetting)
	}
	return v, nil
}

func (s *Settings) describe() string {
	switch {
	case s.configDir != "":
		return "Settings(" + s.configDir + ")"
	case s.root != nil:
		return "Settings"
	default:
		return "Settings(<Unconfigured>)"
	}
}

func (s *Settings) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.describe()
}
