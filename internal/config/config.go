// Package config loads operational overrides from an optional YAML file.
// Everything here has a safe default; the file exists so operators can tune
// rate budgets without a rebuild.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TechVaseegrahHub/instaxbot/internal/dispatch"
)

type File struct {
	RateLimits map[string]RateLimit `yaml:"rate_limits"`
}

type RateLimit struct {
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

// Load reads the override file. A missing path is not an error: the calling
// binary falls back to the built-in category table.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &File{}, nil
		}
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for name, rl := range f.RateLimits {
		if rl.Window <= 0 || rl.Limit < 0 {
			return nil, fmt.Errorf("rate_limits.%s: window must be positive and limit non-negative", name)
		}
	}
	return &f, nil
}

// LimitOverrides converts the file's rate limit entries into the limiter's
// override table.
func (f *File) LimitOverrides() map[dispatch.RateCategory]dispatch.CategoryLimit {
	if len(f.RateLimits) == 0 {
		return nil
	}
	out := make(map[dispatch.RateCategory]dispatch.CategoryLimit, len(f.RateLimits))
	for name, rl := range f.RateLimits {
		out[dispatch.RateCategory(name)] = dispatch.CategoryLimit{Window: rl.Window, Limit: rl.Limit}
	}
	return out
}
