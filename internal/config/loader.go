package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.autopilot/config.json
// Project: .autopilot/config.json (relative to cwd)
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".autopilot", "config.json"), filepath.Join(".autopilot", "config.json"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile decodes a JSON config file on top of base. Only keys present
// in the file overwrite base; policy maps are merged by ID.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if base.Safety.Policies == nil {
		base.Safety.Policies = map[string]PolicyConfig{}
	}
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency must be >= 1, got %d", c.Scheduler.Concurrency))
	}
	if c.Decomposition.Threshold <= 0 || c.Decomposition.Threshold > 1 {
		errs = append(errs, fmt.Errorf("decomposition.threshold must be in (0,1], got %v", c.Decomposition.Threshold))
	}
	if c.Decomposition.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("decomposition.max_depth must be >= 0, got %d", c.Decomposition.MaxDepth))
	}
	switch c.Decomposition.Linking {
	case "", "chain", "graph":
	default:
		errs = append(errs, fmt.Errorf("decomposition.linking must be chain or graph, got %q", c.Decomposition.Linking))
	}
	switch c.Adaptation.Mode {
	case "", "focused", "exploration", "conservative":
	default:
		errs = append(errs, fmt.Errorf("adaptation.mode %q is not a known mode", c.Adaptation.Mode))
	}
	if c.Resources.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("resources.history_size must be >= 1, got %d", c.Resources.HistorySize))
	}
	if c.Resources.Interval <= 0 {
		errs = append(errs, errors.New("resources.interval must be positive"))
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, errors.New("breaker thresholds must be >= 1"))
	}
	for id, p := range c.Safety.Policies {
		switch p.Kind {
		case "path", "command", "content":
		default:
			errs = append(errs, fmt.Errorf("safety.policies[%s]: unsupported kind %q", id, p.Kind))
		}
		if len(p.Patterns) == 0 {
			errs = append(errs, fmt.Errorf("safety.policies[%s]: no patterns", id))
		}
	}

	return errors.Join(errs...)
}
