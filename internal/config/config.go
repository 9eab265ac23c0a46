// Package config loads the meshlog configuration.
//
// Sources, lowest precedence first:
//   - built-in defaults
//   - a YAML file, validated against the embedded CUE schema
//   - MESHLOG_* environment variables
//
// Command-line flags are applied by the CLI on top of the loaded value.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the installation configuration.
type Config struct {
	// CenterID is the global ID of this installation, used by init.
	CenterID  int             `yaml:"center_id" env:"MESHLOG_CENTER_ID"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"MESHLOG_DB_"`
	Log       LogConfig       `yaml:"log" envPrefix:"MESHLOG_LOG_"`
	Sync      SyncConfig      `yaml:"sync" envPrefix:"MESHLOG_SYNC_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"MESHLOG_OTEL_"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
	// Driver is "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `yaml:"driver" env:"DRIVER"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type SyncConfig struct {
	// MaxTries is the export retry budget per change and peer.
	MaxTries       int           `yaml:"max_tries" env:"MAX_TRIES"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout" env:"RECEIPT_TIMEOUT"`
	// Parallelism bounds concurrent sessions; 0 means one per peer.
	Parallelism int `yaml:"parallelism" env:"PARALLELISM"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "meshlog.db", Driver: "sqlite3"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Sync: SyncConfig{
			MaxTries:       10,
			ReceiptTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "meshlog"},
	}
}

// Load reads path, if not empty, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates YAML data against the schema and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if err := checkSchema(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func checkSchema(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if doc == nil {
		doc = map[string]any{}
	}
	v := def.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate checks the values no source may set.
func (c *Config) Validate() error {
	var errs []error
	if c.CenterID < 0 {
		errs = append(errs, fmt.Errorf("center_id %d is negative", c.CenterID))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database driver %q is not sqlite3 or sqlite", c.Database.Driver))
	}
	if c.Sync.MaxTries <= 0 {
		errs = append(errs, fmt.Errorf("sync max_tries must be positive"))
	}
	if c.Sync.ReceiptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync receipt_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
