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
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusPath string `yaml:"prometheus_path"`
}

type HTTPConfig struct {
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Database      DatabaseConfig      `yaml:"database"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	PruneEveryMin int    `yaml:"prune_every_minutes"`
}

type UploadsConfig struct {
	Directory string `yaml:"directory"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// TranscriptionConfig selects and configures the speech-to-text backend.
// An empty APIKey is valid: the backend reports itself unconfigured on first use.
type TranscriptionConfig struct {
	Mode           string `yaml:"mode"` // elevenlabs, openai, exec, mock
	APIKey         string `yaml:"api_key"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	Command        string `yaml:"command"`
	TagAudioEvents bool   `yaml:"tag_audio_events"`
	Diarize        bool   `yaml:"diarize"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ExtractionConfig selects and configures the transcript summarization backend.
type ExtractionConfig struct {
	Mode             string  `yaml:"mode"` // openai, ollama, exec, mock
	APIKey           string  `yaml:"api_key"`
	BaseURL          string  `yaml:"base_url"`
	Model            string  `yaml:"model"`
	Command          string  `yaml:"command"`
	ResponseLanguage string  `yaml:"response_language"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
}

// Speech-to-text defaults for the elevenlabs backend.
const (
	DefaultTranscriptionEndpoint = "https://api.elevenlabs.io/v1/speech-to-text"
	DefaultTranscriptionModel    = "scribe_v1"
)

// Chat completion defaults for the openai extraction backend.
const (
	DefaultExtractionBaseURL = "https://api.gapgpt.app/v1"
	DefaultExtractionModel   = "gpt-4o-mini"
)

func Default() Config {
	return Config{
		RuntimeName: "kani-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:          "0.0.0.0",
			Port:          3000,
			PublicBaseURL: "http://localhost:3000",
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusPath: "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Database: DatabaseConfig{
			Path:          "./data/kani.db",
			BusyTimeoutMS: 5000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/kani-events.db",
			RetentionMode: "session",
			RetentionDays: 90,
			MaxSessions:   50000,
			PruneEveryMin: 60,
		},
		Uploads: UploadsConfig{
			Directory: "./uploads/sessions",
			MaxSizeMB: 100,
		},
		Transcription: TranscriptionConfig{
			Mode:           "elevenlabs",
			Endpoint:       DefaultTranscriptionEndpoint,
			Model:          DefaultTranscriptionModel,
			Language:       "fa",
			TimeoutSeconds: 600,
		},
		Extraction: ExtractionConfig{
			Mode:             "openai",
			BaseURL:          DefaultExtractionBaseURL,
			Model:            DefaultExtractionModel,
			ResponseLanguage: "Persian",
			MaxTokens:        2000,
			Temperature:      0.7,
			TimeoutSeconds:   120,
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
	// Variable names used by earlier deployments; the KANI_* names below win.
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideString(&cfg.HTTP.PublicBaseURL, "API_BASE_URL")
	overrideString(&cfg.Transcription.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.Extraction.APIKey, "GAPGPT_API_KEY")
	overrideString(&cfg.Extraction.BaseURL, "GAPGPT_BASE_URL")

	overrideString(&cfg.RuntimeName, "KANI_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KANI_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KANI_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KANI_HTTP_PORT")
	overrideString(&cfg.HTTP.PublicBaseURL, "KANI_HTTP_PUBLIC_BASE_URL")
	overrideString(&cfg.Telemetry.LogLevel, "KANI_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KANI_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KANI_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "KANI_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusPath, "KANI_TELEMETRY_PROMETHEUS_PATH")
	overrideBool(&cfg.Bus.Enabled, "KANI_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "KANI_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KANI_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KANI_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KANI_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KANI_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KANI_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KANI_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KANI_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KANI_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Database.Path, "KANI_DATABASE_PATH")
	overrideInt(&cfg.Database.BusyTimeoutMS, "KANI_DATABASE_BUSY_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "KANI_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "KANI_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "KANI_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "KANI_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "KANI_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.PruneEveryMin, "KANI_EVENT_STORE_PRUNE_EVERY_MINUTES")
	overrideString(&cfg.Uploads.Directory, "KANI_UPLOADS_DIRECTORY")
	overrideInt(&cfg.Uploads.MaxSizeMB, "KANI_UPLOADS_MAX_SIZE_MB")
	overrideString(&cfg.Transcription.Mode, "KANI_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.APIKey, "KANI_TRANSCRIPTION_API_KEY")
	overrideString(&cfg.Transcription.Endpoint, "KANI_TRANSCRIPTION_ENDPOINT")
	overrideString(&cfg.Transcription.Model, "KANI_TRANSCRIPTION_MODEL")
	overrideString(&cfg.Transcription.Language, "KANI_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.Command, "KANI_TRANSCRIPTION_COMMAND")
	overrideBool(&cfg.Transcription.TagAudioEvents, "KANI_TRANSCRIPTION_TAG_AUDIO_EVENTS")
	overrideBool(&cfg.Transcription.Diarize, "KANI_TRANSCRIPTION_DIARIZE")
	overrideInt(&cfg.Transcription.TimeoutSeconds, "KANI_TRANSCRIPTION_TIMEOUT_SECONDS")
	overrideString(&cfg.Extraction.Mode, "KANI_EXTRACTION_MODE")
	overrideString(&cfg.Extraction.APIKey, "KANI_EXTRACTION_API_KEY")
	overrideString(&cfg.Extraction.BaseURL, "KANI_EXTRACTION_BASE_URL")
	overrideString(&cfg.Extraction.Model, "KANI_EXTRACTION_MODEL")
	overrideString(&cfg.Extraction.Command, "KANI_EXTRACTION_COMMAND")
	overrideString(&cfg.Extraction.ResponseLanguage, "KANI_EXTRACTION_RESPONSE_LANGUAGE")
	overrideInt(&cfg.Extraction.MaxTokens, "KANI_EXTRACTION_MAX_TOKENS")
	overrideFloat(&cfg.Extraction.Temperature, "KANI_EXTRACTION_TEMPERATURE")
	overrideInt(&cfg.Extraction.TimeoutSeconds, "KANI_EXTRACTION_TIMEOUT_SECONDS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first structural problem in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Uploads.Directory == "" {
		return errors.New("uploads.directory must not be empty")
	}
	if cfg.Uploads.MaxSizeMB <= 0 {
		return errors.New("uploads.max_size_mb must be positive")
	}
	switch cfg.Transcription.Mode {
	case "elevenlabs", "openai", "mock":
	case "exec":
		if cfg.Transcription.Command == "" {
			return errors.New("transcription.command must be set when mode=exec")
		}
	default:
		return errors.New("transcription.mode must be one of elevenlabs|openai|exec|mock")
	}
	if cfg.Transcription.TimeoutSeconds < 0 {
		return errors.New("transcription.timeout_seconds must be >= 0")
	}
	switch cfg.Extraction.Mode {
	case "openai", "mock":
	case "ollama":
		if cfg.Extraction.BaseURL == "" {
			return errors.New("extraction.base_url must be set when mode=ollama")
		}
	case "exec":
		if cfg.Extraction.Command == "" {
			return errors.New("extraction.command must be set when mode=exec")
		}
	default:
		return errors.New("extraction.mode must be one of openai|ollama|exec|mock")
	}
	if cfg.Extraction.MaxTokens < 0 {
		return errors.New("extraction.max_tokens must be >= 0")
	}
	if cfg.Extraction.TimeoutSeconds < 0 {
		return errors.New("extraction.timeout_seconds must be >= 0")
	}
	return nil
}
