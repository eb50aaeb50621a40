package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, text
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
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
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Turn        TurnConfig       `yaml:"turn"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Router      RouterConfig     `yaml:"router"`
	Node        NodeConfig       `yaml:"node"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // ollama, exec, mock
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Engine         string         `yaml:"engine"` // piper, espeak, mock
	SampleRate     int            `yaml:"sample_rate"`
	Channels       int            `yaml:"channels"`
	SynthTimeoutMS int            `yaml:"synth_timeout_ms"`
	Piper          PiperConfig    `yaml:"piper"`
	Fallback       FallbackConfig `yaml:"fallback"`
	Playback       PlaybackConfig `yaml:"playback"`
}

type PiperConfig struct {
	Binary          string  `yaml:"binary"`
	ModelDir        string  `yaml:"model_dir"`
	Voice           string  `yaml:"voice"`
	EspeakData      string  `yaml:"espeak_data"`
	LibraryPath     string  `yaml:"library_path"`
	LengthScale     float64 `yaml:"length_scale"`
	SentenceSilence float64 `yaml:"sentence_silence"`
	NoiseScale      float64 `yaml:"noise_scale"`
	NoiseW          float64 `yaml:"noise_w"`
	ExtraArgs       string  `yaml:"extra_args"`
	FileMode        string  `yaml:"file_mode"` // native, stream
}

// ModelPath returns the voice model file inside ModelDir.
func (p PiperConfig) ModelPath() string {
	return filepath.Join(p.ModelDir, p.Voice+".onnx")
}

// ModelConfigPath returns the voice config file that accompanies the model.
func (p PiperConfig) ModelConfigPath() string {
	return p.ModelPath() + ".json"
}

type FallbackConfig struct {
	Command string `yaml:"command"`
	Rate    int    `yaml:"rate"`
}

type PlaybackConfig struct {
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TurnConfig struct {
	QueueDepth int `yaml:"queue_depth"`
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
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RouterConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Target           string `yaml:"target"`
	PublishSentences bool   `yaml:"publish_sentences"`
	Backlog          int    `yaml:"backlog"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPInsecure: true,
		},
		LLM: LLMConfig{
			Mode:        "ollama",
			Endpoint:    "http://127.0.0.1:8000",
			Model:       "qwen2:1.5b",
			Temperature: 0,
			TimeoutMS:   120000,
		},
		TTS: TTSConfig{
			Engine:         "espeak",
			SampleRate:     22050,
			Channels:       1,
			SynthTimeoutMS: 60000,
			Piper: PiperConfig{
				Binary:          filepath.Join(home, "piper", "piper"),
				ModelDir:        filepath.Join(home, "piper_models"),
				Voice:           "en_US-amy-medium",
				EspeakData:      filepath.Join(home, "piper", "espeak-ng-data"),
				LibraryPath:     filepath.Join(home, "piper"),
				LengthScale:     0.9,
				SentenceSilence: 0.1,
				NoiseScale:      0.7,
				NoiseW:          0.85,
				FileMode:        "native",
			},
			Fallback: FallbackConfig{
				Command: "espeak-ng",
				Rate:    150,
			},
			Playback: PlaybackConfig{
				Command:   "paplay --raw --format=s16le --rate={rate} --channels={channels}",
				TimeoutMS: 60000,
			},
		},
		Turn: TurnConfig{
			QueueDepth: 8,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "rolling",
			RetentionDays: 30,
			MaxTurns:      10000,
		},
		Router: RouterConfig{
			Enabled:          true,
			Target:           "default",
			PublishSentences: true,
			Backlog:          16,
		},
		Node: NodeConfig{
			ID:                hostname(),
			Role:              "speaker",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "loqa-voice"
	}
	return name
}

// Load reads path on top of Default. A missing file is tolerated only when
// optional is true, so the CLI can point at a conventional location.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err) && optional:
		case os.IsNotExist(err):
			return cfg, fmt.Errorf("config file not found: %w", err)
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Engine, "LOQA_TTS_ENGINE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.SynthTimeoutMS, "LOQA_TTS_SYNTH_TIMEOUT_MS")
	overrideString(&cfg.TTS.Piper.Binary, "LOQA_TTS_PIPER_BINARY")
	overrideString(&cfg.TTS.Piper.ModelDir, "LOQA_TTS_PIPER_MODEL_DIR")
	overrideString(&cfg.TTS.Piper.Voice, "LOQA_TTS_PIPER_VOICE")
	overrideString(&cfg.TTS.Piper.EspeakData, "LOQA_TTS_PIPER_ESPEAK_DATA")
	overrideString(&cfg.TTS.Piper.LibraryPath, "LOQA_TTS_PIPER_LIBRARY_PATH")
	overrideFloat(&cfg.TTS.Piper.LengthScale, "LOQA_TTS_PIPER_LENGTH_SCALE")
	overrideFloat(&cfg.TTS.Piper.SentenceSilence, "LOQA_TTS_PIPER_SENTENCE_SILENCE")
	overrideFloat(&cfg.TTS.Piper.NoiseScale, "LOQA_TTS_PIPER_NOISE_SCALE")
	overrideFloat(&cfg.TTS.Piper.NoiseW, "LOQA_TTS_PIPER_NOISE_W")
	overrideString(&cfg.TTS.Piper.ExtraArgs, "LOQA_TTS_PIPER_EXTRA_ARGS")
	overrideString(&cfg.TTS.Piper.FileMode, "LOQA_TTS_PIPER_FILE_MODE")
	overrideString(&cfg.TTS.Fallback.Command, "LOQA_TTS_FALLBACK_COMMAND")
	overrideInt(&cfg.TTS.Fallback.Rate, "LOQA_TTS_FALLBACK_RATE")
	overrideString(&cfg.TTS.Playback.Command, "LOQA_TTS_PLAYBACK_COMMAND")
	overrideInt(&cfg.TTS.Playback.TimeoutMS, "LOQA_TTS_PLAYBACK_TIMEOUT_MS")
	overrideInt(&cfg.Turn.QueueDepth, "LOQA_TURN_QUEUE_DEPTH")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxTurns, "LOQA_EVENT_STORE_MAX_TURNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideString(&cfg.Router.Target, "LOQA_ROUTER_TARGET")
	overrideBool(&cfg.Router.PublishSentences, "LOQA_ROUTER_PUBLISH_SENTENCES")
	overrideInt(&cfg.Router.Backlog, "LOQA_ROUTER_BACKLOG")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
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

// Validate checks a fully assembled config. It is exported so callers can
// re-check after applying command line overrides.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return errors.New("llm.timeout_ms must be positive")
	}
	switch cfg.TTS.Engine {
	case "piper", "espeak", "mock":
	default:
		return errors.New("tts.engine must be one of piper|espeak|mock")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.SynthTimeoutMS <= 0 {
		return errors.New("tts.synth_timeout_ms must be positive")
	}
	if cfg.TTS.Engine == "piper" {
		if cfg.TTS.Piper.Binary == "" {
			return errors.New("tts.piper.binary must be set when engine=piper")
		}
		if cfg.TTS.Piper.Voice == "" {
			return errors.New("tts.piper.voice must be set when engine=piper")
		}
		if cfg.TTS.Playback.Command == "" {
			return errors.New("tts.playback.command must be set when engine=piper")
		}
		switch cfg.TTS.Piper.FileMode {
		case "native", "stream":
		default:
			return errors.New("tts.piper.file_mode must be one of native|stream")
		}
	}
	if cfg.TTS.Engine != "mock" && cfg.TTS.Fallback.Command == "" {
		return errors.New("tts.fallback.command must not be empty")
	}
	if cfg.TTS.Playback.TimeoutMS <= 0 {
		return errors.New("tts.playback.timeout_ms must be positive")
	}
	if cfg.Turn.QueueDepth <= 0 {
		return errors.New("turn.queue_depth must be >= 1")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "rolling", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|rolling|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxTurns < 0 {
		return errors.New("event_store.max_turns must be >= 0")
	}
	if cfg.Router.Backlog <= 0 {
		return errors.New("router.backlog must be >= 1")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout < cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be >= heartbeat_interval_ms")
	}
	return nil
}
