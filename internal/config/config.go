package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when -config is not given. A
// missing file at this path is not an error.
const DefaultPath = "edge-tts.yaml"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogOutput    string `yaml:"log_output"` // stderr, discard or a file path
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceFile    string `yaml:"trace_file"`
	MetricsBind  string `yaml:"metrics_bind"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	TTS         TTSConfig       `yaml:"tts"`
	Edge        EdgeConfig      `yaml:"edge"`
	Bus         BusConfig       `yaml:"bus"`
}

type TTSConfig struct {
	Mode             string `yaml:"mode"` // edge, exec, mock
	Command          string `yaml:"command"`
	Voice            string `yaml:"voice"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	ChunkBytes       int    `yaml:"chunk_bytes"`
	MockChunkDelayMS int    `yaml:"mock_chunk_delay_ms"`
	ProbeOnStart     bool   `yaml:"probe_on_start"`
}

type EdgeConfig struct {
	WSSURL             string `yaml:"wss_url"`
	VoiceListURL       string `yaml:"voice_list_url"`
	TrustedClientToken string `yaml:"trusted_client_token"`
	ChromiumVersion    string `yaml:"chromium_version"`
	OutputFormat       string `yaml:"output_format"`
	ConnectTimeoutMS   int    `yaml:"connect_timeout_ms"`
	MaxTextBytes       int    `yaml:"max_text_bytes"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Subject        string   `yaml:"subject"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
}

var pcmFormatPattern = regexp.MustCompile(`^raw-(8khz|16khz|22050hz|24khz|44100hz|48khz)-16bit-mono-pcm$`)

func Default() Config {
	return Config{
		ServiceName: "edge-tts-service",
		Environment: "development",
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogOutput:    "stderr",
			OTLPInsecure: true,
		},
		TTS: TTSConfig{
			Mode:             "edge",
			Voice:            "en-US-AriaNeural",
			SampleRate:       24000,
			Channels:         1,
			ChunkBytes:       4800,
			MockChunkDelayMS: 20,
		},
		Edge: EdgeConfig{
			WSSURL:             "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1",
			VoiceListURL:       "https://speech.platform.bing.com/consumer/speech/synthesize/readaloud/voices/list",
			TrustedClientToken: "6A5AA1D4EAFF4E9FB37E23D68491D6F4",
			ChromiumVersion:    "130.0.2849.68",
			OutputFormat:       "raw-24khz-16bit-mono-pcm",
			ConnectTimeoutMS:   10000,
			MaxTextBytes:       4096,
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			Subject:        "tts.edge.status",
			ConnectTimeout: 2000,
			Port:           4222,
		},
	}
}

// Load reads path over Default, applies EDGETTS_* overrides and validates the
// result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err) && path == DefaultPath:
			// running without a config file is the common case
		case os.IsNotExist(err):
			return cfg, fmt.Errorf("config file not found: %w", err)
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "EDGETTS_SERVICE_NAME")
	overrideString(&cfg.Environment, "EDGETTS_ENVIRONMENT")
	overrideString(&cfg.Telemetry.LogLevel, "EDGETTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogOutput, "EDGETTS_TELEMETRY_LOG_OUTPUT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "EDGETTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "EDGETTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceFile, "EDGETTS_TELEMETRY_TRACE_FILE")
	overrideString(&cfg.Telemetry.MetricsBind, "EDGETTS_TELEMETRY_METRICS_BIND")
	overrideString(&cfg.TTS.Mode, "EDGETTS_TTS_MODE")
	overrideString(&cfg.TTS.Command, "EDGETTS_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "EDGETTS_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "EDGETTS_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "EDGETTS_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkBytes, "EDGETTS_TTS_CHUNK_BYTES")
	overrideInt(&cfg.TTS.MockChunkDelayMS, "EDGETTS_TTS_MOCK_CHUNK_DELAY_MS")
	overrideBool(&cfg.TTS.ProbeOnStart, "EDGETTS_TTS_PROBE_ON_START")
	overrideString(&cfg.Edge.WSSURL, "EDGETTS_EDGE_WSS_URL")
	overrideString(&cfg.Edge.VoiceListURL, "EDGETTS_EDGE_VOICE_LIST_URL")
	overrideString(&cfg.Edge.TrustedClientToken, "EDGETTS_EDGE_TRUSTED_CLIENT_TOKEN")
	overrideString(&cfg.Edge.ChromiumVersion, "EDGETTS_EDGE_CHROMIUM_VERSION")
	overrideString(&cfg.Edge.OutputFormat, "EDGETTS_EDGE_OUTPUT_FORMAT")
	overrideInt(&cfg.Edge.ConnectTimeoutMS, "EDGETTS_EDGE_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Edge.MaxTextBytes, "EDGETTS_EDGE_MAX_TEXT_BYTES")
	overrideBool(&cfg.Bus.Enabled, "EDGETTS_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "EDGETTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Subject, "EDGETTS_BUS_SUBJECT")
	overrideString(&cfg.Bus.Username, "EDGETTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "EDGETTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "EDGETTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "EDGETTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "EDGETTS_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Embedded, "EDGETTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "EDGETTS_BUS_PORT")
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.LogOutput == "" {
		return errors.New("telemetry.log_output must not be empty")
	}
	if cfg.Telemetry.LogOutput == "stdout" || cfg.Telemetry.TraceFile == "stdout" || cfg.Telemetry.TraceFile == "-" {
		return errors.New("stdout carries audio and cannot be used for logs or traces")
	}
	if cfg.TTS.Voice == "" {
		return errors.New("tts.voice must not be empty")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels != 1 {
		return errors.New("tts.channels must be 1")
	}
	switch cfg.TTS.Mode {
	case "edge":
		if cfg.Edge.WSSURL == "" || cfg.Edge.VoiceListURL == "" {
			return errors.New("edge.wss_url and edge.voice_list_url must be set when mode=edge")
		}
		if cfg.Edge.TrustedClientToken == "" {
			return errors.New("edge.trusted_client_token must not be empty")
		}
		if !pcmFormatPattern.MatchString(cfg.Edge.OutputFormat) {
			return fmt.Errorf("edge.output_format %q is not a raw 16-bit mono pcm format", cfg.Edge.OutputFormat)
		}
		if cfg.Edge.MaxTextBytes < 64 {
			return errors.New("edge.max_text_bytes must be >= 64")
		}
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.ChunkBytes <= 0 {
			return errors.New("tts.chunk_bytes must be positive")
		}
	case "mock":
		if cfg.TTS.MockChunkDelayMS < 0 {
			return errors.New("tts.mock_chunk_delay_ms must be >= 0")
		}
	default:
		return errors.New("tts.mode must be one of edge|exec|mock")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded && (cfg.Bus.Port < -1 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be a valid TCP port")
		}
		if !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when the bus is enabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty when the bus is enabled")
		}
	}
	return nil
}
