package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigDir overrides the configuration directory.
	EnvConfigDir = "DISKWATCHER_CONFIG_DIR"
	fileName     = "config.yaml"
)

// ConfigError reports a configuration file or value problem.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LogLevelValues are the accepted log.level settings.
var LogLevelValues = []string{"debug", "info", "warning", "error", "critical"}

// Option describes one user-settable key: its default, how a CLI string
// parses into a value, and how stored values are validated.
type Option struct {
	Key         string
	Default     any
	Description string
	Type        string // string, boolean, integer, duration, list
	Choices     []string
	parse       func(string) (any, error)
}

// Options is the registry of supported keys.
var Options = map[string]Option{
	"log.level": {
		Key:         "log.level",
		Default:     "info",
		Description: "Default log level when --log-level is not provided.",
		Type:        "string",
		Choices:     LogLevelValues,
		parse:       parseLogLevel,
	},
	"run.auto_scan": {
		Key:         "run.auto_scan",
		Default:     true,
		Description: "Whether the run command performs the initial archival scan.",
		Type:        "boolean",
		parse:       parseBool,
	},
	"run.polling_interval": {
		Key:         "run.polling_interval",
		Default:     "30s",
		Description: "Cycle period of the polling fallback backend.",
		Type:        "duration",
		parse:       parseDuration,
	},
	"run.exclude_patterns": {
		Key:         "run.exclude_patterns",
		Default:     []string{},
		Description: "Glob patterns excluded from scans and live events (comma separated).",
		Type:        "list",
		parse:       parseList,
	},
	"run.auto_discover_roots": {
		Key:         "run.auto_discover_roots",
		Default:     []string{},
		Description: "Roots polled for appearing and vanishing mounts (comma separated).",
		Type:        "list",
		parse:       parseList,
	},
	"run.max_scan_workers": {
		Key:         "run.max_scan_workers",
		Default:     0,
		Description: "Cap on parallel initial scans; 0 uses the CPU count.",
		Type:        "integer",
		parse:       parseInt,
	},
}

// Dir returns the configuration directory, honoring the env override.
func Dir() string {
	if override := os.Getenv(EnvConfigDir); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".diskwatcher"
	}
	return filepath.Join(home, ".diskwatcher")
}

// Path returns the configuration file path.
func Path() string {
	return filepath.Join(Dir(), fileName)
}

// DefaultCatalogPath is where run and the dashboard open the catalog when
// no --db flag is given.
func DefaultCatalogPath() string {
	return filepath.Join(Dir(), "diskwatcher.db")
}

func loadRaw() (map[string]any, error) {
	data, err := os.ReadFile(Path())
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, &ConfigError{Msg: "failed to read config file", Err: err}
	}

	payload := map[string]any{}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("config file %s is not valid YAML", Path()), Err: err}
	}
	return payload, nil
}

func writeRaw(payload map[string]any) error {
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return &ConfigError{Msg: "failed to create config directory", Err: err}
	}
	data, err := yaml.Marshal(payload)
	if err != nil {
		return &ConfigError{Msg: "failed to encode config", Err: err}
	}
	if err := os.WriteFile(Path(), data, 0o644); err != nil {
		return &ConfigError{Msg: "failed to write config file", Err: err}
	}
	return nil
}

// validated returns stored values that pass their option's validation.
// Unknown keys and invalid values are ignored rather than fatal, so a
// hand-edited file cannot brick the CLI.
func validated() map[string]any {
	raw, err := loadRaw()
	if err != nil {
		return map[string]any{}
	}

	values := make(map[string]any)
	for key, value := range raw {
		opt, ok := Options[key]
		if !ok {
			continue
		}
		if v, err := opt.validate(value); err == nil {
			values[key] = v
		}
	}
	return values
}

func (o Option) validate(value any) (any, error) {
	switch o.Type {
	case "boolean":
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case "integer":
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		}
	case "string", "duration":
		if s, ok := value.(string); ok {
			return o.parse(s)
		}
	case "list":
		switch v := value.(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, &ConfigError{Msg: fmt.Sprintf("config key %q expects a list of strings", o.Key)}
				}
				out = append(out, s)
			}
			return out, nil
		case []string:
			return v, nil
		case string:
			return o.parse(v)
		}
	}
	return nil, &ConfigError{Msg: fmt.Sprintf("config key %q has the wrong type", o.Key)}
}

// Setting is one resolved key for config listing.
type Setting struct {
	Key         string
	Value       any
	Default     any
	Description string
	Type        string
	Choices     []string
	Source      string // "user" or "default"
}

// List resolves every option against the stored file, sorted by key.
func List() []Setting {
	values := validated()
	keys := make([]string, 0, len(Options))
	for key := range Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	settings := make([]Setting, 0, len(keys))
	for _, key := range keys {
		opt := Options[key]
		s := Setting{
			Key:         key,
			Value:       opt.Default,
			Default:     opt.Default,
			Description: opt.Description,
			Type:        opt.Type,
			Choices:     opt.Choices,
			Source:      "default",
		}
		if v, ok := values[key]; ok {
			s.Value = v
			s.Source = "user"
		}
		settings = append(settings, s)
	}
	return settings
}

// Get resolves one key.
func Get(key string) (any, error) {
	opt, ok := Options[key]
	if !ok {
		return nil, &ConfigError{Msg: fmt.Sprintf("unknown config key %q", key)}
	}
	if v, ok := validated()[key]; ok {
		return v, nil
	}
	return opt.Default, nil
}

// Set parses and persists one key.
func Set(key, raw string) (any, error) {
	opt, ok := Options[key]
	if !ok {
		return nil, &ConfigError{Msg: fmt.Sprintf("unknown config key %q", key)}
	}
	parsed, err := opt.parse(raw)
	if err != nil {
		return nil, err
	}

	payload, err := loadRaw()
	if err != nil {
		return nil, err
	}
	payload[key] = parsed
	if err := writeRaw(payload); err != nil {
		return nil, err
	}
	return parsed, nil
}

// Unset removes one key from the stored file.
func Unset(key string) error {
	if _, ok := Options[key]; !ok {
		return &ConfigError{Msg: fmt.Sprintf("unknown config key %q", key)}
	}
	payload, err := loadRaw()
	if err != nil {
		return err
	}
	if _, present := payload[key]; !present {
		return nil
	}
	delete(payload, key)
	return writeRaw(payload)
}

// Settings is the typed view the run command consumes.
type Settings struct {
	LogLevel          string
	AutoScan          bool
	PollingInterval   time.Duration
	ExcludePatterns   []string
	AutoDiscoverRoots []string
	MaxScanWorkers    int
}

// Effective resolves every option into the typed view.
func Effective() Settings {
	values := validated()

	s := Settings{
		LogLevel:        Options["log.level"].Default.(string),
		AutoScan:        Options["run.auto_scan"].Default.(bool),
		PollingInterval: 30 * time.Second,
		MaxScanWorkers:  Options["run.max_scan_workers"].Default.(int),
	}
	if v, ok := values["log.level"].(string); ok {
		s.LogLevel = v
	}
	if v, ok := values["run.auto_scan"].(bool); ok {
		s.AutoScan = v
	}
	if v, ok := values["run.polling_interval"].(time.Duration); ok {
		s.PollingInterval = v
	} else if raw, ok := values["run.polling_interval"].(string); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			s.PollingInterval = d
		}
	}
	if v, ok := values["run.exclude_patterns"].([]string); ok {
		s.ExcludePatterns = v
	}
	if v, ok := values["run.auto_discover_roots"].([]string); ok {
		s.AutoDiscoverRoots = v
	}
	if v, ok := values["run.max_scan_workers"].(int); ok {
		s.MaxScanWorkers = v
	}
	return s
}

func parseBool(raw string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return nil, &ConfigError{Msg: "expected a boolean (true/false)"}
}

func parseInt(raw string) (any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return nil, &ConfigError{Msg: "expected a non-negative integer"}
	}
	return n, nil
}

func parseDuration(raw string) (any, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return nil, &ConfigError{Msg: "expected a positive duration such as 30s or 2m"}
	}
	return raw, nil
}

func parseList(raw string) (any, error) {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}

func parseLogLevel(raw string) (any, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "warn" {
		normalized = "warning"
	}
	for _, level := range LogLevelValues {
		if normalized == level {
			return normalized, nil
		}
	}
	return nil, &ConfigError{
		Msg: fmt.Sprintf("unsupported log level %q, choose from %s", raw, strings.Join(LogLevelValues, ", ")),
	}
}
