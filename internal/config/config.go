// Package config provides the configuration structure for the csm-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Model loaders.
const (
	LoaderHTTP = "http"
	LoaderExec = "exec"
	LoaderNone = "none"
)

// Fallback strategies.
const (
	FallbackTone = "tone"
	FallbackNone = "none"
)

// Device preferences.
const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceMPS  = "mps"
	DeviceCPU  = "cpu"
)

// Defaults applied to zero-valued settings.
const (
	DefaultURL                      = "nats://127.0.0.1:4222"
	DefaultRequestSubject           = "csm.synthesize"
	DefaultQueueGroup               = "csm-workers"
	DefaultAudioChunkCreatedSubject = "audio.chunk.created"
	DefaultServiceURL               = "http://127.0.0.1:8000"
	DefaultBinaryPath               = "csm-generate"
	DefaultModelPath                = "sesame/csm-1b"
	DefaultMaxAudioLengthMS         = 10000
	DefaultMaxTextLength            = 1000
	DefaultTemperature              = 0.9
	DefaultTimeoutSeconds           = 120
	DefaultFallbackSampleRate       = 24000
	DefaultText                     = "Hello from Sesame."
	DefaultEmotion                  = "empathetic"
	DefaultLogsDir                  = "logs"
)

var (
	// ErrUnknownLoader indicates an unsupported csm.loader value.
	ErrUnknownLoader = errors.New("unknown model loader")
	// ErrUnknownFallback indicates an unsupported csm.fallback value.
	ErrUnknownFallback = errors.New("unknown fallback strategy")
	// ErrUnknownDevice indicates an unsupported csm.device value.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNegativeLimit indicates a negative length, timeout or sample rate.
	ErrNegativeLimit = errors.New("limits must be non-negative")
	// ErrRequestSubjectEmpty indicates that no request subject is configured.
	ErrRequestSubjectEmpty = errors.New("request subject cannot be empty")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	RequestSubject           string `toml:"request_subject"`
	QueueGroup               string `toml:"queue_group"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
}

// HealthSubject returns the subject answering health checks.
func (n NATSConfig) HealthSubject() string {
	return n.RequestSubject + ".health"
}

// CSMConfig holds the model and handler settings.
type CSMConfig struct {
	Loader             string  `toml:"loader"`
	ServiceURL         string  `toml:"service_url"`
	BinaryPath         string  `toml:"binary_path"`
	ModelPath          string  `toml:"model_path"`
	Device             string  `toml:"device"`
	Speaker            int     `toml:"speaker"`
	MaxAudioLengthMS   int     `toml:"max_audio_length_ms"`
	MaxTextLength      int     `toml:"max_text_length"`
	Temperature        float64 `toml:"temperature"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	DisableCompile     *bool   `toml:"disable_compile"`
	Fallback           string  `toml:"fallback"`
	FallbackSampleRate int     `toml:"fallback_sample_rate"`
	DefaultText        string  `toml:"default_text"`
	DefaultEmotion     string  `toml:"default_emotion"`
}

// Timeout returns the per-job deadline.
func (c CSMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CompileDisabled reports whether the inference backend runs without JIT
// compilation. It defaults to true.
func (c CSMConfig) CompileDisabled() bool {
	return c.DisableCompile == nil || *c.DisableCompile
}

// FallbackEnabled reports whether failed loads or generations degrade to the tone.
func (c CSMConfig) FallbackEnabled() bool {
	return c.Fallback == FallbackTone
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS  NATSConfig  `toml:"nats"`
	CSM   CSMConfig   `toml:"csm"`
	Paths PathsConfig `toml:"paths"`
}

// Load loads the configuration for the csm-service, fills defaults and validates it.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// LoadFile reads the configuration from a TOML file instead of the configurator,
// then fills defaults and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	setDefault(&c.NATS.URL, DefaultURL)
	setDefault(&c.NATS.RequestSubject, DefaultRequestSubject)
	setDefault(&c.NATS.QueueGroup, DefaultQueueGroup)
	setDefault(&c.NATS.AudioChunkCreatedSubject, DefaultAudioChunkCreatedSubject)

	setDefault(&c.CSM.Loader, LoaderHTTP)
	setDefault(&c.CSM.ServiceURL, DefaultServiceURL)
	setDefault(&c.CSM.BinaryPath, DefaultBinaryPath)
	setDefault(&c.CSM.ModelPath, DefaultModelPath)
	setDefault(&c.CSM.Device, DeviceAuto)
	setDefault(&c.CSM.Fallback, FallbackTone)
	setDefault(&c.CSM.DefaultText, DefaultText)
	setDefault(&c.CSM.DefaultEmotion, DefaultEmotion)

	if c.CSM.MaxAudioLengthMS == 0 {
		c.CSM.MaxAudioLengthMS = DefaultMaxAudioLengthMS
	}

	if c.CSM.MaxTextLength == 0 {
		c.CSM.MaxTextLength = DefaultMaxTextLength
	}

	if c.CSM.Temperature == 0 {
		c.CSM.Temperature = DefaultTemperature
	}

	if c.CSM.TimeoutSeconds == 0 {
		c.CSM.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if c.CSM.FallbackSampleRate == 0 {
		c.CSM.FallbackSampleRate = DefaultFallbackSampleRate
	}

	setDefault(&c.Paths.BaseLogsDir, DefaultLogsDir)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.NATS.RequestSubject == "" {
		return ErrRequestSubjectEmpty
	}

	switch c.CSM.Loader {
	case LoaderHTTP, LoaderExec, LoaderNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLoader, c.CSM.Loader)
	}

	switch c.CSM.Fallback {
	case FallbackTone, FallbackNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFallback, c.CSM.Fallback)
	}

	switch c.CSM.Device {
	case DeviceAuto, DeviceCUDA, DeviceMPS, DeviceCPU:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDevice, c.CSM.Device)
	}

	if c.CSM.MaxAudioLengthMS < 0 || c.CSM.MaxTextLength < 0 ||
		c.CSM.TimeoutSeconds < 0 || c.CSM.FallbackSampleRate < 0 {
		return ErrNegativeLimit
	}

	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
