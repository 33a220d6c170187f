// Package config loads the YAML configuration, applies BUSTRACKER_*
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
	"github.com/eric1221bday/PGHBusTracker/internal/engine"
	"github.com/eric1221bday/PGHBusTracker/internal/viewport"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	_ "time/tzdata"
)

// DefaultPaths are tried in order when no path is given.
var DefaultPaths = []string{"bustracker.yml", "config.yml"}

// Error is a fatal configuration problem found at startup.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Default() AppConfig {
	return AppConfig{
		Provider: ProviderConfig{
			BaseURL:  bustime.DefaultBaseURL,
			Timeout:  1500 * time.Millisecond,
			Timezone: "America/New_York",
		},
		Refresh: RefreshConfig{
			Period:          engine.DefaultPeriod,
			BatchSize:       10,
			StaleAfterTicks: engine.DefaultStaleTicks,
			EvictAfter:      engine.DefaultEvictAfter,
			ReseedInterval:  engine.DefaultReseedInterval,
		},
		Server: ServerConfig{Listen: ":8080"},
		Redis:  RedisConfig{Channel: "bustracker:vehicles"},
	}
}

// Load reads path over the defaults, applies the environment and validates.
// An empty path tries DefaultPaths and tolerates none of them existing.
func Load(path string) (AppConfig, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// Read is Load without validation, for callers that layer more settings on
// top before validating.
func Read(path string) (AppConfig, error) {
	cfg := Default()

	data, err := readConfig(path)
	if err != nil {
		return cfg, &Error{Field: "file", Err: err}
	}
	if data != nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &Error{Field: "file", Err: err}
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readConfig(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	for _, p := range DefaultPaths {
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, nil
}

// ApplyEnv overrides the credential, endpoint and Redis settings from the
// environment.
func ApplyEnv(cfg *AppConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup("BUSTRACKER_API_KEY"); ok && v != "" {
		cfg.Provider.APIKey = v
	}
	if v, ok := lookup("BUSTRACKER_API_URL"); ok && v != "" {
		cfg.Provider.BaseURL = v
	}
	if v, ok := lookup("BUSTRACKER_REDIS_ADDRESS"); ok && v != "" {
		cfg.Redis.Address = v
	}
	if v, ok := lookup("BUSTRACKER_REDIS_PASSWORD"); ok && v != "" {
		cfg.Redis.Password = v
	}
	if v, ok := lookup("BUSTRACKER_REDIS_DATABASE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Field: "redis.database", Err: err}
		}
		cfg.Redis.Database = n
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints, then the ones spanning fields.
func Validate(cfg AppConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			_, field, _ := strings.Cut(fe.Namespace(), ".")
			return &Error{Field: field, Err: fmt.Errorf("failed %q validation", fe.Tag())}
		}
		return &Error{Field: "config", Err: err}
	}

	if cfg.Provider.Timeout >= cfg.Refresh.Period {
		return &Error{
			Field: "provider.timeout",
			Err:   fmt.Errorf("%s must be shorter than refresh.period %s", cfg.Provider.Timeout, cfg.Refresh.Period),
		}
	}
	if _, err := time.LoadLocation(cfg.Provider.Timezone); err != nil {
		return &Error{Field: "provider.timezone", Err: err}
	}
	if cfg.Viewport.Region != "" {
		if _, err := viewport.ParseRegion(cfg.Viewport.Region); err != nil {
			return &Error{Field: "viewport.region", Err: err}
		}
	}
	return nil
}

// Region parses the configured startup region; nil when none is set.
func (c AppConfig) Region() (viewport.RegionPredicate, error) {
	if c.Viewport.Region == "" {
		return nil, nil
	}
	pred, err := viewport.ParseRegion(c.Viewport.Region)
	if err != nil {
		return nil, &Error{Field: "viewport.region", Err: err}
	}
	return pred, nil
}

func (c AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Provider.Timezone)
	if err != nil {
		return nil, &Error{Field: "provider.timezone", Err: err}
	}
	return loc, nil
}
