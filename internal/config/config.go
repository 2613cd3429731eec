package config

import (
	"errors"
	"fmt"
	"log/slog"
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

// Level maps the configured log level onto slog. Unknown values fall
// back to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	AppName     string          `yaml:"app_name"`
	Environment string          `yaml:"environment"`
	OutputDir   string          `yaml:"output_dir"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	RunStore    RunStoreConfig  `yaml:"run_store"`
	TTS         TTSConfig       `yaml:"tts"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
}

type BusConfig struct {
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

type RunStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TTSConfig struct {
	Engine   string       `yaml:"engine"` // azure, kokoro, mock
	Lang     string       `yaml:"lang"`
	Voice    string       `yaml:"voice"`
	Speed    float64      `yaml:"speed"`
	ChunkLen int          `yaml:"chunk_len"` // 0 = auto by script
	Azure    AzureConfig  `yaml:"azure"`
	Kokoro   KokoroConfig `yaml:"kokoro"`
}

type AzureConfig struct {
	Key    string `yaml:"key"`
	Region string `yaml:"region"`
}

type KokoroConfig struct {
	Command  string `yaml:"command"`
	ModelDir string `yaml:"model_dir"`
	ModelURL string `yaml:"model_url"`
}

type PipelineConfig struct {
	NewlineMode    string  `yaml:"newline_mode"` // none, single, multi
	MaxWorkers     int     `yaml:"max_workers"`
	AlignThreshold float64 `yaml:"align_threshold"`
	RetryAttempts  int     `yaml:"retry_attempts"`
	Force          bool    `yaml:"force"`
	Cleanup        bool    `yaml:"cleanup"`
}

func Default() Config {
	return Config{
		AppName:     "overtone",
		Environment: "development",
		OutputDir:   "./output",
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
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		RunStore: RunStoreConfig{
			Path:          "./data/overtone-runs.db",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		TTS: TTSConfig{
			Engine:   "azure",
			Lang:     "en-US",
			Voice:    "en-US-AvaMultilingualNeural",
			Speed:    1.0,
			ChunkLen: 0,
			Kokoro: KokoroConfig{
				ModelDir: "./data/models",
			},
		},
		Pipeline: PipelineConfig{
			NewlineMode:    "multi",
			MaxWorkers:     3,
			AlignThreshold: 95.0,
			RetryAttempts:  3,
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
	overrideString(&cfg.AppName, "OVERTONE_APP_NAME")
	overrideString(&cfg.Environment, "OVERTONE_ENVIRONMENT")
	overrideString(&cfg.OutputDir, "OVERTONE_OUTPUT_DIR")
	overrideString(&cfg.HTTP.Bind, "OVERTONE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "OVERTONE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "OVERTONE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "OVERTONE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "OVERTONE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "OVERTONE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "OVERTONE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "OVERTONE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "OVERTONE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "OVERTONE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "OVERTONE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "OVERTONE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "OVERTONE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "OVERTONE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "OVERTONE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.RunStore.Path, "OVERTONE_RUN_STORE_PATH")
	overrideInt(&cfg.RunStore.RetentionDays, "OVERTONE_RUN_STORE_RETENTION_DAYS")
	overrideInt(&cfg.RunStore.MaxRuns, "OVERTONE_RUN_STORE_MAX_RUNS")
	overrideBool(&cfg.RunStore.VacuumOnStart, "OVERTONE_RUN_STORE_VACUUM_ON_START")
	overrideString(&cfg.TTS.Engine, "OVERTONE_TTS_ENGINE")
	overrideString(&cfg.TTS.Lang, "OVERTONE_TTS_LANG")
	overrideString(&cfg.TTS.Voice, "OVERTONE_TTS_VOICE")
	overrideFloat(&cfg.TTS.Speed, "OVERTONE_TTS_SPEED")
	overrideInt(&cfg.TTS.ChunkLen, "OVERTONE_TTS_CHUNK_LEN")
	overrideString(&cfg.TTS.Kokoro.Command, "OVERTONE_TTS_KOKORO_COMMAND")
	overrideString(&cfg.TTS.Kokoro.ModelDir, "OVERTONE_TTS_KOKORO_MODEL_DIR")
	overrideString(&cfg.TTS.Kokoro.ModelURL, "OVERTONE_TTS_KOKORO_MODEL_URL")
	overrideString(&cfg.Pipeline.NewlineMode, "OVERTONE_PIPELINE_NEWLINE_MODE")
	overrideInt(&cfg.Pipeline.MaxWorkers, "OVERTONE_PIPELINE_MAX_WORKERS")
	overrideFloat(&cfg.Pipeline.AlignThreshold, "OVERTONE_PIPELINE_ALIGN_THRESHOLD")
	overrideInt(&cfg.Pipeline.RetryAttempts, "OVERTONE_PIPELINE_RETRY_ATTEMPTS")
	overrideBool(&cfg.Pipeline.Force, "OVERTONE_PIPELINE_FORCE")
	overrideBool(&cfg.Pipeline.Cleanup, "OVERTONE_PIPELINE_CLEANUP")

	// Azure credentials keep the unprefixed names used by the wider tooling
	// around this project, so a shared .env works for both.
	overrideString(&cfg.TTS.Azure.Key, "AZURE_TTS_KEY")
	overrideString(&cfg.TTS.Azure.Region, "AZURE_TTS_REGION")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.AppName == "" {
		return errors.New("app_name must not be empty")
	}
	if cfg.OutputDir == "" {
		return errors.New("output_dir must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	if cfg.RunStore.RetentionDays < 0 {
		return errors.New("run_store.retention_days must be >= 0")
	}
	switch cfg.TTS.Engine {
	case "azure", "kokoro", "mock":
	default:
		return errors.New("tts.engine must be one of azure|kokoro|mock")
	}
	if cfg.TTS.Lang == "" {
		return errors.New("tts.lang must not be empty")
	}
	if cfg.TTS.Voice == "" {
		return errors.New("tts.voice must not be empty")
	}
	if cfg.TTS.Speed <= 0 {
		return errors.New("tts.speed must be positive")
	}
	if cfg.TTS.ChunkLen < 0 {
		return errors.New("tts.chunk_len must be >= 0")
	}
	if cfg.TTS.Engine == "kokoro" && cfg.TTS.Kokoro.Command == "" {
		return errors.New("tts.kokoro.command must be set when engine=kokoro")
	}
	switch cfg.Pipeline.NewlineMode {
	case "none", "single", "multi":
	default:
		return errors.New("pipeline.newline_mode must be one of none|single|multi")
	}
	if cfg.Pipeline.MaxWorkers <= 0 {
		return errors.New("pipeline.max_workers must be >= 1")
	}
	if cfg.Pipeline.AlignThreshold < 0 || cfg.Pipeline.AlignThreshold > 100 {
		return errors.New("pipeline.align_threshold must be between 0 and 100")
	}
	if cfg.Pipeline.RetryAttempts <= 0 {
		return errors.New("pipeline.retry_attempts must be >= 1")
	}
	return nil
}
