package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psen-processing/psen/processing/internal/edge"
	"github.com/psen-processing/psen/processing/internal/roi"
)

// Default values, matching the deployed service.
const (
	DefaultAPIInterface     = "0.0.0.0"
	DefaultAPIPort          = 11000
	DefaultDataPort         = 8888
	DefaultImagePort        = 8889
	DefaultStartTimeout     = time.Second
	DefaultReceiveTimeout   = time.Second
	DefaultInputQueueSize   = 100
	DefaultOutputQueueSize  = 100
	DefaultCadence          = 4
	DefaultBackgroundWindow = 4
	DefaultSendRetry        = 10 * time.Millisecond
	DefaultImageDType       = "uint16"
	DefaultLogLevel         = "info"
)

// Config is the whole service configuration.
type Config struct {
	Processing ProcessingConfig `yaml:"processing"`
	Output     OutputConfig     `yaml:"output"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
}

// ProcessingConfig controls the input stream and the per-frame algorithm.
type ProcessingConfig struct {
	// InputStream is the websocket URL publishing camera frames.
	InputStream string `yaml:"input_stream"`

	// ReceiveTimeout bounds each wait for an input frame. The worker checks
	// for Stop at least this often.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// InputQueueSize is the number of decoded frames buffered ahead of the worker.
	InputQueueSize int `yaml:"input_queue_size"`

	// StartTimeout bounds how long Start waits for the worker to be ready.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// ROISignal and ROIBackground are the initial ROIs. Empty disables.
	ROISignal     []int `yaml:"roi_signal"`
	ROIBackground []int `yaml:"roi_background"`

	// MeasurementCadence selects measurement pulses: pulse_id % cadence == 0.
	MeasurementCadence int `yaml:"measurement_cadence"`

	// BackgroundWindow is the number of accumulation profiles averaged.
	BackgroundWindow int `yaml:"background_window"`

	// Edge configures the step template.
	Edge edge.Params `yaml:"edge"`
}

// OutputConfig controls the data and image output streams.
type OutputConfig struct {
	DataPort  int `yaml:"data_port"`
	ImagePort int `yaml:"image_port"`

	// QueueSize is the depth of each output queue before sends report
	// backpressure.
	QueueSize int `yaml:"queue_size"`

	// SendRetryInterval is the pause between data send attempts under backpressure.
	SendRetryInterval time.Duration `yaml:"send_retry_interval"`

	// ImageMaxRate caps passthrough images per second. Zero means uncapped.
	ImageMaxRate float64 `yaml:"image_max_rate"`

	// ImageDType is the pixel encoding of passthrough images: uint8|uint16|float64.
	ImageDType string `yaml:"image_dtype"`
}

// APIConfig controls the REST control surface.
type APIConfig struct {
	Interface string     `yaml:"interface"`
	Port      int        `yaml:"port"`
	Prefix    string     `yaml:"prefix"`
	Auth      AuthConfig `yaml:"auth"`
}

// AuthConfig controls API key checks on mutating REST calls.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "X-API-Key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "X-API-Key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "X-API-Key"
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// File, when set, also writes logs to a size-rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SlogLevel maps Level onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Settings returns the initial ROIs. Load has already validated them.
func (p ProcessingConfig) Settings() (roi.Settings, error) {
	signal, err := roi.FromSlice(p.ROISignal)
	if err != nil {
		return roi.Settings{}, fmt.Errorf("processing.roi_signal: %w", err)
	}
	bg, err := roi.FromSlice(p.ROIBackground)
	if err != nil {
		return roi.Settings{}, fmt.Errorf("processing.roi_background: %w", err)
	}
	return roi.Settings{Signal: signal, Background: bg}, nil
}

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML data on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with default values. It is the
// configuration used when no file is given.
func Default() *Config {
	return &Config{
		Processing: ProcessingConfig{
			ReceiveTimeout:     DefaultReceiveTimeout,
			InputQueueSize:     DefaultInputQueueSize,
			StartTimeout:       DefaultStartTimeout,
			MeasurementCadence: DefaultCadence,
			BackgroundWindow:   DefaultBackgroundWindow,
			Edge:               edge.DefaultParams(),
		},
		Output: OutputConfig{
			DataPort:          DefaultDataPort,
			ImagePort:         DefaultImagePort,
			QueueSize:         DefaultOutputQueueSize,
			SendRetryInterval: DefaultSendRetry,
			ImageDType:        DefaultImageDType,
		},
		API: APIConfig{
			Interface: DefaultAPIInterface,
			Port:      DefaultAPIPort,
		},
		Log: LogConfig{
			Level:      DefaultLogLevel,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Validate checks structural constraints on cfg.
func Validate(cfg *Config) error {
	p := cfg.Processing
	if p.ReceiveTimeout <= 0 {
		return fmt.Errorf("processing.receive_timeout must be positive")
	}
	if p.StartTimeout <= 0 {
		return fmt.Errorf("processing.start_timeout must be positive")
	}
	if p.InputQueueSize < 1 {
		return fmt.Errorf("processing.input_queue_size must be at least 1, got %d", p.InputQueueSize)
	}
	if p.MeasurementCadence < 1 {
		return fmt.Errorf("processing.measurement_cadence must be at least 1, got %d", p.MeasurementCadence)
	}
	if p.BackgroundWindow < 1 {
		return fmt.Errorf("processing.background_window must be at least 1, got %d", p.BackgroundWindow)
	}
	if err := p.Edge.Validate(); err != nil {
		return fmt.Errorf("processing.edge: %w", err)
	}
	if _, err := p.Settings(); err != nil {
		return err
	}

	for name, port := range map[string]int{
		"output.data_port":  cfg.Output.DataPort,
		"output.image_port": cfg.Output.ImagePort,
		"api.port":          cfg.API.Port,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s %d is out of range [1, 65535]", name, port)
		}
	}
	if cfg.Output.DataPort == cfg.Output.ImagePort {
		return fmt.Errorf("output.data_port and output.image_port must differ")
	}
	if cfg.Output.QueueSize < 1 {
		return fmt.Errorf("output.queue_size must be at least 1, got %d", cfg.Output.QueueSize)
	}
	if cfg.Output.SendRetryInterval <= 0 {
		return fmt.Errorf("output.send_retry_interval must be positive")
	}
	if cfg.Output.ImageMaxRate < 0 {
		return fmt.Errorf("output.image_max_rate must not be negative")
	}
	switch cfg.Output.ImageDType {
	case "uint8", "uint16", "float64":
	default:
		return fmt.Errorf("output.image_dtype %q unknown: want uint8|uint16|float64", cfg.Output.ImageDType)
	}

	if cfg.API.Prefix != "" && !strings.HasPrefix(cfg.API.Prefix, "/") {
		return fmt.Errorf("api.prefix %q must start with /", cfg.API.Prefix)
	}
	switch cfg.API.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("api.auth.mode %q unknown: want apikey|none", cfg.API.Auth.Mode)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "critical":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	return nil
}
