package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "feedflow.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the service configuration. Precedence is flag > environment >
// file > default; the environment overlay happens in LoadConfig, flags
// are applied by the CLI on top of the result.
type Config struct {
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	CORSOrigin   string  `yaml:"cors_origin"`
	MaxBody      int64   `yaml:"max_body"`
	GraphsDir    string  `yaml:"graphs_dir"`
	DB           string  `yaml:"db"`
	ReloadCron   string  `yaml:"reload_cron"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// DefaultConfig returns the configuration used when no file, environment
// variable or flag says otherwise. An empty DB means the in-memory store.
func DefaultConfig() Config {
	return Config{
		Host:        "0.0.0.0",
		Port:        8080,
		CORSOrigin:  "*",
		MaxBody:     1 << 20,
		SampleRatio: 1,
	}
}

// DiscoverConfigPath resolves the config file location with first-match
// semantics: the explicit path, then ./feedflow.yaml, then
// ~/.feedflow/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 3)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".feedflow", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads path (when non-empty) over the defaults and applies
// FEEDFLOW_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if clean := strings.TrimSpace(path); clean != "" {
		// #nosec G304 -- path resolved from explicit local config discovery.
		data, err := os.ReadFile(clean)
		if err != nil {
			return cfg, fmt.Errorf("reading config %q: %w", clean, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %q: %w", clean, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ResolveConfig discovers the config file and loads the effective
// configuration. A missing file (without an explicit path) is not an
// error; defaults plus environment apply.
func ResolveConfig(explicitPath string) (Config, error) {
	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return DefaultConfig(), err
	}
	if !found {
		path = ""
	}
	return LoadConfig(path)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FEEDFLOW_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("FEEDFLOW_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEEDFLOW_PORT %q is not an integer", v)
		}
		c.Port = port
	}
	if v := os.Getenv("FEEDFLOW_CORS_ORIGIN"); v != "" {
		c.CORSOrigin = v
	}
	if v := os.Getenv("FEEDFLOW_GRAPHS_DIR"); v != "" {
		c.GraphsDir = v
	}
	if v := os.Getenv("FEEDFLOW_DB"); v != "" {
		c.DB = v
	}
	if v := os.Getenv("FEEDFLOW_RELOAD_CRON"); v != "" {
		c.ReloadCron = v
	}
	if v := os.Getenv("FEEDFLOW_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	return nil
}
