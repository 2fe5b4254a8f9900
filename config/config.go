// Package config holds the client credentials and connection options,
// their YAML representation, and the machinery for live reloads.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/zteradb/zteradb-go/zterr"
)

// Env selects which server-side environment a query is routed to.
type Env string

const (
	EnvDev     Env = "dev"
	EnvStaging Env = "staging"
	EnvQA      Env = "qa"
	EnvProd    Env = "prod"
)

// Valid reports whether e is one of the recognized environments.
func (e Env) Valid() bool {
	switch e {
	case EnvDev, EnvStaging, EnvQA, EnvProd:
		return true
	}
	return false
}

// ResponseDataTypeJSON is the only payload codec the server speaks.
const ResponseDataTypeJSON = "json"

// PoolOptions bounds the connection pool. Min and Max are pointers so
// an explicit 0 (Max: unbounded) is distinguishable from "unset".
type PoolOptions struct {
	Min            *int          `yaml:"min,omitempty"`
	Max            *int          `yaml:"max,omitempty"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    time.Duration `yaml:"dial_timeout,omitempty"`
}

// EffectiveMin returns the configured minimum, defaulting to 1.
func (p PoolOptions) EffectiveMin() int {
	if p.Min != nil {
		return *p.Min
	}
	return 1
}

// EffectiveMax returns the configured maximum, defaulting to 1. Zero
// means unbounded.
func (p PoolOptions) EffectiveMax() int {
	if p.Max != nil {
		return *p.Max
	}
	return 1
}

// Options groups the optional client settings.
type Options struct {
	ConnectionPool PoolOptions `yaml:"connection_pool"`
}

// HealthCheckConfig drives the periodic PING prober. Disabled unless
// Enabled is set.
type HealthCheckConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Config is the full client configuration. Treat values as immutable
// after construction; reloads swap whole Config instances through a
// Store.
type Config struct {
	ClientKey        string            `yaml:"client_key"`
	AccessKey        string            `yaml:"access_key"`
	SecretKey        string            `yaml:"secret_key"`
	DatabaseID       string            `yaml:"database_id"`
	Env              Env               `yaml:"env"`
	ResponseDataType string            `yaml:"response_data_type"`
	UseTLS           bool              `yaml:"use_tls"`
	VerifyTLSHost    bool              `yaml:"verify_tls_host"`
	Options          Options           `yaml:"options"`
	HealthCheck      HealthCheckConfig `yaml:"health_check"`
}

// expandEnv resolves ${NAME} references against the process
// environment. A reference to an unset variable is kept as written
// instead of turning into an empty string; Validate does not flag such
// leftover references.
func expandEnv(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for {
		open := bytes.Index(data, []byte("${"))
		if open < 0 {
			return append(out, data...)
		}
		rest := data[open:]
		closing := bytes.IndexByte(rest, '}')
		if closing < 0 {
			return append(out, data...)
		}

		out = append(out, data[:open]...)
		name := string(rest[2:closing])
		if val, ok := os.LookupEnv(name); ok {
			out = append(out, val...)
		} else {
			out = append(out, rest[:closing+1]...)
		}
		data = rest[closing+1:]
	}
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = expandEnv(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ResponseDataType == "" {
		cfg.ResponseDataType = ResponseDataTypeJSON
	}
	if cfg.Options.ConnectionPool.AcquireTimeout == 0 {
		cfg.Options.ConnectionPool.AcquireTimeout = 10 * time.Second
	}
	if cfg.Options.ConnectionPool.DialTimeout == 0 {
		cfg.Options.ConnectionPool.DialTimeout = 5 * time.Second
	}
	if cfg.HealthCheck.Enabled {
		if cfg.HealthCheck.Interval == 0 {
			cfg.HealthCheck.Interval = 30 * time.Second
		}
		if cfg.HealthCheck.FailureThreshold == 0 {
			cfg.HealthCheck.FailureThreshold = 3
		}
		if cfg.HealthCheck.Timeout == 0 {
			cfg.HealthCheck.Timeout = 5 * time.Second
		}
	}
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.ClientKey == "" {
		result = multierror.Append(result, fmt.Errorf("client_key is required"))
	}
	if c.AccessKey == "" {
		result = multierror.Append(result, fmt.Errorf("access_key is required"))
	}
	if c.SecretKey == "" {
		result = multierror.Append(result, fmt.Errorf("secret_key is required"))
	}
	if c.DatabaseID == "" {
		result = multierror.Append(result, fmt.Errorf("database_id is required"))
	}
	if !c.Env.Valid() {
		result = multierror.Append(result, fmt.Errorf("env %q is not one of dev, staging, qa, prod", c.Env))
	}
	if c.ResponseDataType != ResponseDataTypeJSON {
		result = multierror.Append(result, fmt.Errorf("response_data_type %q is not supported (only %q)", c.ResponseDataType, ResponseDataTypeJSON))
	}

	pool := c.Options.ConnectionPool
	if pool.Min != nil && *pool.Min < 0 {
		result = multierror.Append(result, fmt.Errorf("connection_pool.min must not be negative"))
	}
	if pool.Max != nil && *pool.Max < 0 {
		result = multierror.Append(result, fmt.Errorf("connection_pool.max must not be negative"))
	}
	if min, max := pool.EffectiveMin(), pool.EffectiveMax(); max != 0 && min > max {
		result = multierror.Append(result, fmt.Errorf("connection_pool.min (%d) exceeds max (%d)", min, max))
	}

	if err := result.ErrorOrNil(); err != nil {
		return zterr.Wrap(zterr.Value, "invalid configuration", err)
	}
	return nil
}

// Redacted returns a copy with the secret key masked, for logs and the
// diagnostics endpoint.
func (c *Config) Redacted() Config {
	out := *c
	if out.SecretKey != "" {
		out.SecretKey = "***REDACTED***"
	}
	return out
}

// Int is a convenience for building PoolOptions literals.
func Int(n int) *int { return &n }
