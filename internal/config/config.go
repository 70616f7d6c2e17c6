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
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	TTS         TTSConfig        `yaml:"tts"`
	Languages   LanguagesConfig  `yaml:"languages"`
	Features    FeaturesConfig   `yaml:"features"`
	Router      RouterConfig     `yaml:"router"`
	Shell       ShellConfig      `yaml:"shell"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SpeechConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // mock, exec, bus
	Command string `yaml:"command"`
	Interim bool   `yaml:"interim"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec, bus
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Target     string `yaml:"target"`
}

type LanguagesConfig struct {
	Default      string `yaml:"default"`
	ProfilesPath string `yaml:"profiles_path"`
}

type FeaturesConfig struct {
	Source   string   `yaml:"source"` // manifest, html
	Path     string   `yaml:"path"`
	Stoplist []string `yaml:"stoplist"`
}

type RouterConfig struct {
	NavigationDelayMS int `yaml:"navigation_delay_ms"`
}

type ShellConfig struct {
	Page              string `yaml:"page"`
	CommandFeedbackMS int    `yaml:"command_feedback_ms"`
	ListenFeedbackMS  int    `yaml:"listen_feedback_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicenav",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicenav-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Enabled: true,
			Mode:    "bus",
			Interim: true,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "bus",
			SampleRate: 22050,
			Channels:   1,
			Target:     "default",
		},
		Languages: LanguagesConfig{
			Default: "en-IN",
		},
		Features: FeaturesConfig{
			Source: "manifest",
			Path:   "./features.yaml",
		},
		Router: RouterConfig{
			NavigationDelayMS: 500,
		},
		Shell: ShellConfig{
			Page:              "home",
			CommandFeedbackMS: 3000,
			ListenFeedbackMS:  1500,
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
	overrideString(&cfg.RuntimeName, "VOICENAV_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICENAV_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICENAV_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICENAV_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICENAV_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICENAV_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICENAV_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "VOICENAV_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICENAV_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICENAV_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICENAV_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICENAV_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICENAV_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICENAV_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICENAV_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICENAV_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICENAV_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICENAV_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICENAV_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICENAV_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICENAV_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICENAV_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICENAV_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Speech.Enabled, "VOICENAV_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "VOICENAV_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "VOICENAV_SPEECH_COMMAND")
	overrideBool(&cfg.Speech.Interim, "VOICENAV_SPEECH_INTERIM")
	overrideBool(&cfg.TTS.Enabled, "VOICENAV_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "VOICENAV_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICENAV_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "VOICENAV_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "VOICENAV_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "VOICENAV_TTS_CHANNELS")
	overrideString(&cfg.TTS.Target, "VOICENAV_TTS_TARGET")
	overrideString(&cfg.Languages.Default, "VOICENAV_LANGUAGES_DEFAULT")
	overrideString(&cfg.Languages.ProfilesPath, "VOICENAV_LANGUAGES_PROFILES_PATH")
	overrideString(&cfg.Features.Source, "VOICENAV_FEATURES_SOURCE")
	overrideString(&cfg.Features.Path, "VOICENAV_FEATURES_PATH")
	overrideStringSlice(&cfg.Features.Stoplist, "VOICENAV_FEATURES_STOPLIST")
	overrideInt(&cfg.Router.NavigationDelayMS, "VOICENAV_ROUTER_NAVIGATION_DELAY_MS")
	overrideString(&cfg.Shell.Page, "VOICENAV_SHELL_PAGE")
	overrideInt(&cfg.Shell.CommandFeedbackMS, "VOICENAV_SHELL_COMMAND_FEEDBACK_MS")
	overrideInt(&cfg.Shell.ListenFeedbackMS, "VOICENAV_SHELL_LISTEN_FEEDBACK_MS")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.Mode {
		case "mock", "exec", "bus":
		default:
			return errors.New("speech.mode must be one of mock|exec|bus")
		}
		if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "bus":
		default:
			return errors.New("tts.mode must be one of mock|exec|bus")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Languages.Default == "" {
		return errors.New("languages.default must not be empty")
	}
	switch cfg.Features.Source {
	case "manifest", "html":
	default:
		return errors.New("features.source must be one of manifest|html")
	}
	if cfg.Features.Path == "" {
		return errors.New("features.path must not be empty")
	}
	if cfg.Router.NavigationDelayMS < 0 {
		return errors.New("router.navigation_delay_ms must be >= 0")
	}
	if cfg.Shell.CommandFeedbackMS <= 0 || cfg.Shell.ListenFeedbackMS <= 0 {
		return errors.New("shell feedback durations must be positive")
	}
	return nil
}
