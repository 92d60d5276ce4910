package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// DefaultsConfig carries request defaults applied when a caller omits a field.
type DefaultsConfig struct {
	Voice         string `yaml:"voice"`
	Engine        string `yaml:"engine"`
	AllowFallback bool   `yaml:"allow_fallback"`
	MaxTextLength int    `yaml:"max_text_length"`
}

type HealthConfig struct {
	IntervalMS     int `yaml:"interval_ms"`
	ProbeTimeoutMS int `yaml:"probe_timeout_ms"`
}

// VoiceConfig declares one voice an engine offers.
type VoiceConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Language    string `yaml:"language"`
	Gender      string `yaml:"gender"`
}

// EngineConfig declares one synthesis engine instance. Mode selects the
// implementation (mock, exec, remote); Kind is reported as local/online and
// derived from Mode when left empty.
type EngineConfig struct {
	Name           string        `yaml:"name"`
	DisplayName    string        `yaml:"display_name"`
	Mode           string        `yaml:"mode"`
	Kind           string        `yaml:"kind"`
	Priority       int           `yaml:"priority"`
	TimeoutMS      int           `yaml:"timeout_ms"`
	ConcurrentSafe bool          `yaml:"concurrent_safe"`
	Command        string        `yaml:"command"`
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	SampleRate     int           `yaml:"sample_rate"`
	DefaultVoice   string        `yaml:"default_voice"`
	Voices         []VoiceConfig `yaml:"voices"`
}

type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MemoryEntries int    `yaml:"memory_entries"`
	Path          string `yaml:"path"`
	MaxEntries    int    `yaml:"max_entries"`
}

type EventsConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	BridgeName  string          `yaml:"bridge_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Defaults    DefaultsConfig  `yaml:"defaults"`
	Health      HealthConfig    `yaml:"health"`
	Engines     []EngineConfig  `yaml:"engines"`
	Cache       CacheConfig     `yaml:"cache"`
	Events      EventsConfig    `yaml:"events"`
}

func Default() Config {
	return Config{
		BridgeName:  "kotts-bridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 9999,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Defaults: DefaultsConfig{
			Voice:         "KR",
			Engine:        "",
			AllowFallback: true,
			MaxTextLength: 5000,
		},
		Health: HealthConfig{
			IntervalMS:     30000,
			ProbeTimeoutMS: 2000,
		},
		Engines: []EngineConfig{
			{
				Name:           "mock",
				DisplayName:    "Mock TTS",
				Mode:           "mock",
				Priority:       0,
				TimeoutMS:      5000,
				ConcurrentSafe: true,
				SampleRate:     22050,
				DefaultVoice:   "KR",
			},
		},
		Cache: CacheConfig{
			Enabled:       false,
			MemoryEntries: 128,
			Path:          "./data/kotts-cache.db",
			MaxEntries:    10000,
		},
		Events: EventsConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.BridgeName, "KOTTS_BRIDGE_NAME")
	overrideString(&cfg.Environment, "KOTTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KOTTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KOTTS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KOTTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KOTTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KOTTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "KOTTS_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Defaults.Voice, "KOTTS_DEFAULT_VOICE")
	overrideString(&cfg.Defaults.Engine, "KOTTS_DEFAULT_ENGINE")
	overrideBool(&cfg.Defaults.AllowFallback, "KOTTS_DEFAULT_ALLOW_FALLBACK")
	overrideInt(&cfg.Defaults.MaxTextLength, "KOTTS_DEFAULT_MAX_TEXT_LENGTH")
	overrideInt(&cfg.Health.IntervalMS, "KOTTS_HEALTH_INTERVAL_MS")
	overrideInt(&cfg.Health.ProbeTimeoutMS, "KOTTS_HEALTH_PROBE_TIMEOUT_MS")
	overrideBool(&cfg.Cache.Enabled, "KOTTS_CACHE_ENABLED")
	overrideInt(&cfg.Cache.MemoryEntries, "KOTTS_CACHE_MEMORY_ENTRIES")
	overrideString(&cfg.Cache.Path, "KOTTS_CACHE_PATH")
	overrideInt(&cfg.Cache.MaxEntries, "KOTTS_CACHE_MAX_ENTRIES")
	overrideBool(&cfg.Events.Enabled, "KOTTS_EVENTS_ENABLED")
	overrideBool(&cfg.Events.Embedded, "KOTTS_EVENTS_EMBEDDED")
	overrideInt(&cfg.Events.Port, "KOTTS_EVENTS_PORT")
	overrideStringSlice(&cfg.Events.Servers, "KOTTS_EVENTS_SERVERS")
	overrideString(&cfg.Events.Username, "KOTTS_EVENTS_USERNAME")
	overrideString(&cfg.Events.Password, "KOTTS_EVENTS_PASSWORD")
	overrideString(&cfg.Events.Token, "KOTTS_EVENTS_TOKEN")
	overrideBool(&cfg.Events.TLSInsecure, "KOTTS_EVENTS_TLS_INSECURE")
	overrideInt(&cfg.Events.ConnectTimeout, "KOTTS_EVENTS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.BridgeName == "" {
		return errors.New("bridge_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Defaults.MaxTextLength <= 0 {
		return errors.New("defaults.max_text_length must be positive")
	}
	if cfg.Health.IntervalMS <= 0 {
		return errors.New("health.interval_ms must be positive")
	}
	if cfg.Health.ProbeTimeoutMS <= 0 {
		return errors.New("health.probe_timeout_ms must be positive")
	}
	if len(cfg.Engines) == 0 {
		return errors.New("engines must declare at least one engine")
	}
	seen := make(map[string]bool, len(cfg.Engines))
	for i, eng := range cfg.Engines {
		if eng.Name == "" {
			return fmt.Errorf("engines[%d].name must not be empty", i)
		}
		if seen[eng.Name] {
			return fmt.Errorf("engines[%d].name %q declared more than once", i, eng.Name)
		}
		seen[eng.Name] = true
		switch eng.Mode {
		case "mock", "exec", "remote":
		default:
			return fmt.Errorf("engines[%d].mode must be one of mock|exec|remote", i)
		}
		switch eng.Kind {
		case "", "local", "online":
		default:
			return fmt.Errorf("engines[%d].kind must be one of local|online", i)
		}
		if eng.Mode == "exec" && eng.Command == "" {
			return fmt.Errorf("engines[%d].command must be set when mode=exec", i)
		}
		if eng.Mode == "remote" && eng.Endpoint == "" {
			return fmt.Errorf("engines[%d].endpoint must be set when mode=remote", i)
		}
		if eng.TimeoutMS < 0 {
			return fmt.Errorf("engines[%d].timeout_ms must be >= 0", i)
		}
	}
	if cfg.Defaults.Engine != "" && !seen[cfg.Defaults.Engine] {
		return fmt.Errorf("defaults.engine %q is not a declared engine", cfg.Defaults.Engine)
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.MemoryEntries <= 0 {
			return errors.New("cache.memory_entries must be positive when cache is enabled")
		}
		if cfg.Cache.MaxEntries < 0 {
			return errors.New("cache.max_entries must be >= 0")
		}
	}
	if cfg.Events.Enabled {
		if cfg.Events.Embedded {
			if cfg.Events.Port <= 0 || cfg.Events.Port > 65535 {
				return errors.New("events.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Events.Servers) == 0 {
			return errors.New("events.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
