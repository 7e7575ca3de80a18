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

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engine      EngineConfig     `yaml:"engine"`
	Rendering   RenderingConfig  `yaml:"rendering"`
	Service     ServiceConfig    `yaml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
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

// EngineConfig selects the singing synthesis backend.
type EngineConfig struct {
	Mode       string  `yaml:"mode"` // mock, http, exec, wasm
	EngineID   string  `yaml:"engine_id"`
	Endpoint   string  `yaml:"endpoint"`
	Command    string  `yaml:"command"`
	ModulePath string  `yaml:"module_path"`
	TimeoutMS  int     `yaml:"timeout_ms"`
	FrameRate  float64 `yaml:"frame_rate"`
}

type RenderingConfig struct {
	SingingTeacherStyleID       int     `yaml:"singing_teacher_style_id"`
	FirstRestMinDurationSeconds float64 `yaml:"first_rest_min_duration_seconds"`
	LastRestDurationSeconds     float64 `yaml:"last_rest_duration_seconds"`
	FadeOutDurationSeconds      float64 `yaml:"fade_out_duration_seconds"`
	EditorFrameRate             float64 `yaml:"editor_frame_rate"`
}

type ServiceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	OutputDir       string `yaml:"output_dir"`
	ExportTracks    bool   `yaml:"export_tracks"`
	PublishProgress bool   `yaml:"publish_progress"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sing",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-sing-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Engine: EngineConfig{
			Mode:      "mock",
			EngineID:  "local",
			Endpoint:  "http://localhost:50021",
			TimeoutMS: 30000,
			FrameRate: 93.75,
		},
		Rendering: RenderingConfig{
			SingingTeacherStyleID:       6000,
			FirstRestMinDurationSeconds: 0.12,
			LastRestDurationSeconds:     0.5,
			FadeOutDurationSeconds:      0.15,
			EditorFrameRate:             93.75,
		},
		Service: ServiceConfig{
			Enabled:         true,
			OutputDir:       "./data/renders",
			ExportTracks:    true,
			PublishProgress: true,
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
	overrideString(&cfg.RuntimeName, "LOQA_SING_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_SING_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_SING_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_SING_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SING_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SING_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SING_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_SING_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_SING_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_SING_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_SING_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_SING_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_SING_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_SING_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_SING_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_SING_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_SING_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_SING_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_SING_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_SING_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_SING_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "LOQA_SING_ENGINE_MODE")
	overrideString(&cfg.Engine.EngineID, "LOQA_SING_ENGINE_ID")
	overrideString(&cfg.Engine.Endpoint, "LOQA_SING_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.Command, "LOQA_SING_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModulePath, "LOQA_SING_ENGINE_MODULE_PATH")
	overrideInt(&cfg.Engine.TimeoutMS, "LOQA_SING_ENGINE_TIMEOUT_MS")
	overrideFloat(&cfg.Engine.FrameRate, "LOQA_SING_ENGINE_FRAME_RATE")
	overrideInt(&cfg.Rendering.SingingTeacherStyleID, "LOQA_SING_RENDERING_SINGING_TEACHER_STYLE_ID")
	overrideFloat(&cfg.Rendering.FirstRestMinDurationSeconds, "LOQA_SING_RENDERING_FIRST_REST_MIN_DURATION_SECONDS")
	overrideFloat(&cfg.Rendering.LastRestDurationSeconds, "LOQA_SING_RENDERING_LAST_REST_DURATION_SECONDS")
	overrideFloat(&cfg.Rendering.FadeOutDurationSeconds, "LOQA_SING_RENDERING_FADE_OUT_DURATION_SECONDS")
	overrideFloat(&cfg.Rendering.EditorFrameRate, "LOQA_SING_RENDERING_EDITOR_FRAME_RATE")
	overrideBool(&cfg.Service.Enabled, "LOQA_SING_SERVICE_ENABLED")
	overrideString(&cfg.Service.OutputDir, "LOQA_SING_SERVICE_OUTPUT_DIR")
	overrideBool(&cfg.Service.ExportTracks, "LOQA_SING_SERVICE_EXPORT_TRACKS")
	overrideBool(&cfg.Service.PublishProgress, "LOQA_SING_SERVICE_PUBLISH_PROGRESS")
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
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
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
	switch cfg.Engine.Mode {
	case "mock", "http", "exec", "wasm":
	default:
		return errors.New("engine.mode must be one of mock|http|exec|wasm")
	}
	if cfg.Engine.EngineID == "" {
		return errors.New("engine.engine_id must not be empty")
	}
	if cfg.Engine.Mode == "http" && cfg.Engine.Endpoint == "" {
		return errors.New("engine.endpoint must be set when mode=http")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Mode == "wasm" && cfg.Engine.ModulePath == "" {
		return errors.New("engine.module_path must be set when mode=wasm")
	}
	if cfg.Engine.TimeoutMS < 0 {
		return errors.New("engine.timeout_ms must be >= 0")
	}
	if cfg.Engine.FrameRate <= 0 {
		return errors.New("engine.frame_rate must be positive")
	}
	if cfg.Rendering.FirstRestMinDurationSeconds < 0 ||
		cfg.Rendering.LastRestDurationSeconds < 0 ||
		cfg.Rendering.FadeOutDurationSeconds < 0 {
		return errors.New("rendering durations must be >= 0")
	}
	if cfg.Rendering.EditorFrameRate <= 0 {
		return errors.New("rendering.editor_frame_rate must be positive")
	}
	if cfg.Service.Enabled && cfg.Service.ExportTracks && cfg.Service.OutputDir == "" {
		return errors.New("service.output_dir must be set when export_tracks is enabled")
	}
	return nil
}
