// Package config loads flowbase.yaml, the CLI and server configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	httpplugin "github.com/BDNK1/flowbase/plugins/http"
	"github.com/BDNK1/flowbase/plugins/sqldb"
	"github.com/BDNK1/flowbase/runtime"
	"github.com/BDNK1/flowbase/store"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up when --config is not given.
const FileName = "flowbase.yaml"

// Environment overrides applied on top of the file.
const (
	EnvDBPath = "FLOWBASE_DB_PATH"
	EnvAddr   = "FLOWBASE_ADDR"
)

// Config represents the flowbase.yaml structure
type Config struct {
	Database store.Config      `yaml:"database"`
	Engine   runtime.Config    `yaml:"engine"`
	Server   ServerConfig      `yaml:"server"`
	HTTP     httpplugin.Config `yaml:"http"`
	// SQL configures the sql.* functions; they are registered only when
	// a dsn is set.
	SQL sqldb.Config `yaml:"sql"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" default:":8080" validate:"required,listen_addr"`
}

// Load reads path, expands ${VAR} references, applies the FLOWBASE_*
// overrides, then defaults and validation. A missing file is not an error:
// the result is the defaults plus overrides.
func Load(path string, lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	raw := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}

	raw, err = ExpandEnv(raw, lookup)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if dsn, ok := lookup(EnvDBPath); ok && dsn != "" {
		section(raw, "database")["dsn"] = dsn
	}
	if addr, ok := lookup(EnvAddr); ok && addr != "" {
		section(raw, "server")["addr"] = addr
	}

	var cfg Config
	if err := runtime.InitializeConfig(&cfg, raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, nil
}

// section returns raw[name] as a map, creating it when absent.
func section(raw map[string]any, name string) map[string]any {
	if m, ok := raw[name].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	raw[name] = m
	return m
}
