// Package config provides the configuration structure for the speech daemons.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Backend names accepted in [engine].backend.
const (
	BackendResident = "resident"
	BackendCommand  = "command"
	BackendOpenAI   = "openai"
)

// Environment variables that override file values.
const (
	EnvHTTPPort     = "KOKORO_HTTP_PORT"
	EnvIdleTimeout  = "IDLE_TIMEOUT"
	EnvWhisperModel = "WHISPER_MODEL"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvNATSURL      = "NATS_URL"
)

// Service names a daemon; some environment overrides only apply to one of them.
const (
	ServiceTTS = "tts"
	ServiceSTT = "stt"
)

const maxPort = 65535

var (
	// ErrSocketPathEmpty indicates that no Unix socket path is configured.
	ErrSocketPathEmpty = errors.New("socket path cannot be empty")
	// ErrInvalidPort indicates that the HTTP port is outside 0..65535. Zero disables HTTP.
	ErrInvalidPort = errors.New("http port must be between 0 and 65535")
	// ErrUnknownBackend indicates an unsupported engine backend.
	ErrUnknownBackend = errors.New("unknown engine backend")
	// ErrInvalidEnv indicates an environment override that could not be parsed.
	ErrInvalidEnv = errors.New("invalid environment value")
	// ErrWorkerCommandEmpty indicates a resident backend without a model host command.
	ErrWorkerCommandEmpty = errors.New("engine.worker_command cannot be empty for the resident backend")
	// ErrBinaryEmpty indicates a command backend without a binary.
	ErrBinaryEmpty = errors.New("engine.binary cannot be empty for the command backend")
)

// ServerConfig holds the listener and lifecycle settings.
type ServerConfig struct {
	SocketPath         string `toml:"socket_path"`
	HTTPHost           string `toml:"http_host"`
	HTTPPort           int    `toml:"http_port"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
	IdleCheckSeconds   int    `toml:"idle_check_seconds"`
	ReadTimeoutSeconds int    `toml:"read_timeout_seconds"`
	MaxRequestBytes    int64  `toml:"max_request_bytes"`
}

// EngineConfig selects and parameterizes the model backend.
type EngineConfig struct {
	Backend        string   `toml:"backend"`
	Model          string   `toml:"model"`
	WorkerCommand  []string `toml:"worker_command"`
	Binary         string   `toml:"binary"`
	Args           []string `toml:"args"`
	Language       string   `toml:"language"`
	OpenAIBaseURL  string   `toml:"openai_base_url"`
	OpenAIAPIKey   string   `toml:"openai_api_key"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	WarmupSeconds  int      `toml:"warmup_seconds"`
}

// AudioConfig holds the transcoding settings.
type AudioConfig struct {
	FFmpegPath              string `toml:"ffmpeg_path"`
	Bitrate                 string `toml:"bitrate"`
	TranscodeTimeoutSeconds int    `toml:"transcode_timeout_seconds"`
}

// CacheConfig holds the Redis audio cache settings.
type CacheConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	TTLSeconds    int    `toml:"ttl_seconds"`
}

// TextConfig holds the normalization applied to pipeline text before synthesis.
type TextConfig struct {
	SpellNumbers bool `toml:"spell_numbers"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	TextProcessedSubject   string `toml:"text_processed_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	TempDir     string `toml:"temp_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Service string            `toml:"-"`
	Server  ServerConfig      `toml:"server"`
	Engine  EngineConfig      `toml:"engine"`
	Audio   AudioConfig       `toml:"audio"`
	Voices  map[string]string `toml:"voices"`
	Cache   CacheConfig       `toml:"cache"`
	Text    TextConfig        `toml:"text"`
	NATS    NATSConfig        `toml:"nats"`
	Paths   PathsConfig       `toml:"paths"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			SocketPath:         "",
			HTTPHost:           "0.0.0.0",
			HTTPPort:           0,
			IdleTimeoutSeconds: 300,
			IdleCheckSeconds:   30,
			ReadTimeoutSeconds: 30,
			MaxRequestBytes:    1 << 20,
		},
		Engine: EngineConfig{
			Backend:        BackendResident,
			TimeoutSeconds: 120,
			WarmupSeconds:  60,
		},
		Audio: AudioConfig{
			FFmpegPath:              "ffmpeg",
			Bitrate:                 "64k",
			TranscodeTimeoutSeconds: 30,
		},
		Cache: CacheConfig{TTLSeconds: 3600},
		NATS: NATSConfig{
			TextProcessedSubject:   "text.processed",
			AudioObjectStoreBucket: "AUDIO_FILES",
		},
		Paths: PathsConfig{
			BaseLogsDir: os.TempDir(),
			TempDir:     os.TempDir(),
		},
	}
}

// DefaultTTS returns the defaults of the text-to-speech daemon.
func DefaultTTS() *Config {
	cfg := defaults()
	cfg.Service = ServiceTTS
	cfg.Server.SocketPath = "/tmp/kokoro-server.sock"
	cfg.Server.HTTPPort = 8880
	cfg.Engine.Model = "kokoro-82m"
	cfg.Engine.Language = "a"

	return &cfg
}

// DefaultSTT returns the defaults of the speech-to-text daemon.
func DefaultSTT() *Config {
	cfg := defaults()
	cfg.Service = ServiceSTT
	cfg.Server.SocketPath = "/tmp/whisper-server.sock"
	// the speech-to-text daemon stays up unless IDLE_TIMEOUT asks otherwise
	cfg.Server.IdleTimeoutSeconds = 0
	cfg.Engine.Model = "base"

	return &cfg
}

// Load decodes the TOML file at path on top of base and applies environment overrides.
// An empty path skips the file.
func Load(path string, base *Config) (*Config, error) {
	cfg := base.clone()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	err := ApplyEnv(&cfg)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadCentral loads the shared project configuration through the central configurator.
func LoadCentral(log *logger.Logger, base *Config) (*Config, error) {
	cfg := base.clone()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	err = ApplyEnv(&cfg)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) clone() Config {
	cfg := *c
	cfg.Voices = make(map[string]string, len(c.Voices))

	for name, internal := range c.Voices {
		cfg.Voices[name] = internal
	}

	return cfg
}

// ApplyEnv overrides cfg with the recognized environment variables.
func ApplyEnv(cfg *Config) error {
	port, err := envInt(EnvHTTPPort)
	if err != nil {
		return err
	}

	if port != nil && cfg.Service == ServiceTTS {
		cfg.Server.HTTPPort = *port
	}

	idle, err := envInt(EnvIdleTimeout)
	if err != nil {
		return err
	}

	if idle != nil {
		cfg.Server.IdleTimeoutSeconds = *idle
	}

	if model := os.Getenv(EnvWhisperModel); model != "" && cfg.Service == ServiceSTT {
		cfg.Engine.Model = model
	}

	if key := os.Getenv(EnvOpenAIAPIKey); key != "" {
		cfg.Engine.OpenAIAPIKey = key
	}

	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		cfg.Cache.RedisAddr = addr
	}

	if url := os.Getenv(EnvNATSURL); url != "" {
		cfg.NATS.URL = url
	}

	return nil
}

func envInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, name, raw)
	}

	return &value, nil
}

// Validate checks the fields every daemon relies on.
func (c *Config) Validate() error {
	if c.Server.SocketPath == "" {
		return ErrSocketPathEmpty
	}

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > maxPort {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Server.HTTPPort)
	}

	switch c.Engine.Backend {
	case BackendResident, BackendCommand, BackendOpenAI:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Engine.Backend)
	}

	return nil
}

// ValidateEngine checks that the selected backend has something to run. Only the
// daemons need this; clients talking to a running daemon do not.
func (c *Config) ValidateEngine() error {
	switch c.Engine.Backend {
	case BackendResident:
		if len(c.Engine.WorkerCommand) == 0 {
			return ErrWorkerCommandEmpty
		}
	case BackendCommand:
		if c.Engine.Binary == "" {
			return ErrBinaryEmpty
		}
	}

	return nil
}

// HTTPAddr returns the host:port the HTTP API listens on.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.HTTPHost, c.Server.HTTPPort)
}

// IdleTimeout returns the idle shutdown timeout; zero disables the watchdog.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeoutSeconds) * time.Second
}

// IdleCheckInterval returns how often the idle watchdog looks at activity.
func (c *Config) IdleCheckInterval() time.Duration {
	return time.Duration(c.Server.IdleCheckSeconds) * time.Second
}

// ReadTimeout returns the per-connection deadline of the socket server.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
}

// EngineTimeout returns the upper bound of a single model call.
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// TranscodeTimeout returns the ffmpeg subprocess timeout.
func (c *Config) TranscodeTimeout() time.Duration {
	return time.Duration(c.Audio.TranscodeTimeoutSeconds) * time.Second
}

// CacheTTL returns how long rendered audio stays in the cache.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
