package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	envPrefix = "BIGRIG_"

	defaultMaxConns = 4
	defaultTimeout  = 5 * time.Minute
)

// Runtime holds the knobs of the tool itself, as opposed to the mirrored
// locations described by RootConfig.
type Runtime struct {
	Log LogConfig `env:"LOG"`

	// MaxConns bounds how many requirements are processed concurrently.
	MaxConns int `env:"MAX_CONNS"`
	// RequestsPerSecond throttles index requests; zero disables throttling.
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND"`
	Timeout           time.Duration `env:"TIMEOUT"`
	WorkDir           string        `env:"WORK_DIR"`
	PGPKeyPath        string        `env:"PGP_KEY_PATH"`
	NoProgress        bool          `env:"NO_PROGRESS"`
	// Targets limits status reports to these target names; empty means all.
	Targets []string `env:"TARGETS"`
}

// NewRuntime creates Runtime with default values.
func NewRuntime() *Runtime {
	return &Runtime{
		MaxConns: defaultMaxConns,
		Timeout:  defaultTimeout,
		WorkDir:  os.TempDir(),
	}
}

// Check validates the runtime configuration.
func (r *Runtime) Check() error {
	if r.MaxConns < 1 {
		return errors.Newf("max_conns must be positive, got %d", r.MaxConns)
	}
	if r.RequestsPerSecond < 0 {
		return errors.Newf("requests_per_second must not be negative, got %g", r.RequestsPerSecond)
	}
	if r.WorkDir == "" {
		return errors.New("work_dir is not set")
	}
	if r.PGPKeyPath != "" {
		if _, err := os.Stat(r.PGPKeyPath); err != nil {
			return errors.Wrap(err, "cannot access pgp_key_path")
		}
	}
	_, err := r.Log.Handler(os.Stderr)
	return err
}

// ApplyEnvironmentVariables overrides fields from BIGRIG_* variables.
// Nested structs extend the prefix, so Log.Level reads BIGRIG_LOG_LEVEL.
// Unset or empty variables leave the field untouched.
func (r *Runtime) ApplyEnvironmentVariables() error {
	return applyEnv(reflect.ValueOf(r).Elem(), envPrefix)
}

func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("env")
		if tag == "" || !sf.IsExported() {
			continue
		}
		field := v.Field(i)
		name := prefix + tag

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, name+"_"); err != nil {
				return err
			}
			continue
		}
		if err := setFieldFromEnv(field, name); err != nil {
			return err
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envVar string) error {
	value := os.Getenv(envVar)
	if value == "" {
		return nil
	}

	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid duration in %s", envVar)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid integer in %s", envVar)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid number in %s", envVar)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "invalid boolean in %s", envVar)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Newf("unsupported slice type for %s", envVar)
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return errors.Newf("unsupported field type %s for %s", field.Type(), envVar)
	}
	return nil
}
