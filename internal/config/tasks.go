package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskFile is the YAML document consumed by `pagekit watch`.
type TaskFile struct {
	MaxConcurrent int          `yaml:"max_concurrent"`
	Tasks         []TaskConfig `yaml:"tasks"`
}

// TaskConfig declares one polled endpoint.
type TaskConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Method   string `yaml:"method"`
	Interval string `yaml:"interval"`
	Debounce string `yaml:"debounce"`
	Enabled  *bool  `yaml:"enabled"`
}

// LoadTaskFile reads and validates a task file.
func LoadTaskFile(path string) (TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TaskFile{}, fmt.Errorf("read task file %q: %w", path, err)
	}
	return ParseTaskFile(data)
}

// ParseTaskFile decodes a task file body.
func ParseTaskFile(data []byte) (TaskFile, error) {
	var tf TaskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return TaskFile{}, fmt.Errorf("parse task file: %w", err)
	}
	seen := make(map[string]bool, len(tf.Tasks))
	for i, t := range tf.Tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return TaskFile{}, fmt.Errorf("task %d: id is required", i)
		}
		if seen[id] {
			return TaskFile{}, fmt.Errorf("task %q: duplicate id", id)
		}
		seen[id] = true
		if strings.TrimSpace(t.URL) == "" {
			return TaskFile{}, fmt.Errorf("task %q: url is required", id)
		}
		if _, err := t.IntervalDuration(); err != nil {
			return TaskFile{}, fmt.Errorf("task %q: %w", id, err)
		}
		if _, err := t.DebounceDuration(); err != nil {
			return TaskFile{}, fmt.Errorf("task %q: %w", id, err)
		}
		tf.Tasks[i].ID = id
	}
	return tf, nil
}

// HTTPMethod returns the configured method, GET when unset.
func (t TaskConfig) HTTPMethod() string {
	m := strings.ToUpper(strings.TrimSpace(t.Method))
	if m == "" {
		return http.MethodGet
	}
	return m
}

// IsEnabled reports whether the task starts polling immediately.
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// IntervalDuration parses Interval; zero means the orchestrator default.
func (t TaskConfig) IntervalDuration() (time.Duration, error) {
	return parseOptionalDuration("interval", t.Interval)
}

// DebounceDuration parses Debounce; zero means the orchestrator default.
func (t TaskConfig) DebounceDuration() (time.Duration, error) {
	return parseOptionalDuration("debounce", t.Debounce)
}

func parseOptionalDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, raw)
	}
	return d, nil
}
