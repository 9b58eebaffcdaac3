package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"

	"alertboard/internal/backend"
	"alertboard/internal/domain"
)

type Config struct {
	Listen     string            `yaml:"listen"`
	DB         string            `yaml:"db"`
	LogLevel   string            `yaml:"log_level"`
	Backend    string            `yaml:"backend"`
	Debug      bool              `yaml:"debug"`
	Prometheus BackendConfig     `yaml:"prometheus"`
	Loki       BackendConfig     `yaml:"loki"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Refresh    RefreshConfig     `yaml:"refresh"`
	History    HistoryConfig     `yaml:"history"`
	Rules      []domain.RuleSpec `yaml:"rules"`
}

type BackendConfig struct {
	URL            string            `yaml:"url"`
	MaxRetries     int               `yaml:"max_retries"`
	RetryBaseDelay string            `yaml:"retry_base_delay"`
	MaxRetryDelay  string            `yaml:"max_retry_delay"`
	RateLimit      float64           `yaml:"rate_limit"`
	Timeout        string            `yaml:"timeout"`
	Headers        map[string]string `yaml:"headers"`
}

type SchedulerConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	ExecTimeout    string `yaml:"exec_timeout"`
	// MinInterval floors every rule's period; "0s" intervals run this often.
	MinInterval string `yaml:"min_interval"`
}

type RefreshConfig struct {
	// Schedule is a cron spec for re-reading the alert list; empty disables it.
	Schedule string `yaml:"schedule"`
}

type HistoryConfig struct {
	Retention string `yaml:"retention"`
}

func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DB:       "alertboard.db",
		LogLevel: "info",
		Backend:  "prometheus",
		Prometheus: BackendConfig{
			MaxRetries:     3,
			RetryBaseDelay: "1s",
			MaxRetryDelay:  "30s",
			Timeout:        "30s",
		},
		Loki: BackendConfig{
			MaxRetries:     3,
			RetryBaseDelay: "1s",
			MaxRetryDelay:  "30s",
			Timeout:        "30s",
		},
		Scheduler: SchedulerConfig{MaxConcurrency: 8, ExecTimeout: "60s", MinInterval: "1s"},
		Refresh:   RefreshConfig{Schedule: "@every 30s"},
		History:   HistoryConfig{Retention: "24h"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case "prometheus", "loki":
	default:
		errs = append(errs, fmt.Errorf("backend: unknown backend %q", c.Backend))
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrency: must be > 0"))
	}
	if _, err := ParseDurationField("scheduler.exec_timeout", c.Scheduler.ExecTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.min_interval", c.Scheduler.MinInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("history.retention", c.History.Retention); err != nil {
		errs = append(errs, err)
	}
	if s := strings.TrimSpace(c.Refresh.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			errs = append(errs, fmt.Errorf("refresh.schedule: invalid cron expression %q: %w", s, err))
		}
	}
	for _, b := range []struct {
		name string
		cfg  BackendConfig
	}{{"prometheus", c.Prometheus}, {"loki", c.Loki}} {
		for field, raw := range map[string]string{
			"retry_base_delay": b.cfg.RetryBaseDelay,
			"max_retry_delay":  b.cfg.MaxRetryDelay,
			"timeout":          b.cfg.Timeout,
		} {
			if _, err := ParseDurationField(b.name+"."+field, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	seen := map[string]bool{}
	for i, r := range c.Rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
		if strings.TrimSpace(r.Query) == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: query is required", i))
		}
	}
	return errors.Join(errs...)
}

// Options converts the backend section into client options. The section is
// assumed to have passed Validate.
func (b BackendConfig) Options() backend.Options {
	o := backend.DefaultOptions()
	if b.MaxRetries > 0 {
		o.MaxRetries = b.MaxRetries
	}
	o.RetryBaseDelay, _ = ParseDurationOrDefault("retry_base_delay", b.RetryBaseDelay, o.RetryBaseDelay)
	o.MaxRetryDelay, _ = ParseDurationOrDefault("max_retry_delay", b.MaxRetryDelay, o.MaxRetryDelay)
	o.Timeout, _ = ParseDurationOrDefault("timeout", b.Timeout, o.Timeout)
	o.RateLimit = b.RateLimit
	o.Headers = b.Headers
	return o
}

func (s SchedulerConfig) Timeout() time.Duration {
	d, _ := ParseDurationField("exec_timeout", s.ExecTimeout)
	return d
}

func (s SchedulerConfig) MinPeriod() time.Duration {
	d, _ := ParseDurationField("min_interval", s.MinInterval)
	return d
}

func (h HistoryConfig) RetentionDuration() time.Duration {
	d, _ := ParseDurationField("retention", h.Retention)
	return d
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
