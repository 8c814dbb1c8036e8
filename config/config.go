// Package config loads the Pani configuration from JSON or YAML files,
// layered over built-in defaults and environment overrides.
package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ilya-Muromets/Pani/errors"
)

// Source types
const (
	SourceSimulated = "simulated"
	SourceNATS      = "nats"
)

// Sink types
const (
	SinkFile        = "file"
	SinkObjectStore = "objectstore"
	SinkDiscard     = "discard"
)

// Camera names accepted in capture.camera
var Cameras = []string{"MAIN", "UW", "TELE", "2X", "5X"}

// Config represents the complete application configuration
type Config struct {
	Capture  CaptureConfig  `json:"capture" yaml:"capture"`
	Source   SourceConfig   `json:"source" yaml:"source"`
	Sink     SinkConfig     `json:"sink" yaml:"sink"`
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Progress ProgressConfig `json:"progress" yaml:"progress"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// CaptureConfig configures one burst. SinkWorkers above 1 lets sink writes
// overlap and gives up the guarantee that frames are persisted in request
// order.
type CaptureConfig struct {
	Camera       string         `json:"camera" yaml:"camera"`
	TargetFPS    float64        `json:"target_fps" yaml:"target_fps"`
	PoolCapacity int            `json:"pool_capacity" yaml:"pool_capacity"`
	Reserve      int            `json:"reserve" yaml:"reserve"`
	MaxFrames    int            `json:"max_frames" yaml:"max_frames"`
	DrainTimeout Duration       `json:"drain_timeout" yaml:"drain_timeout"`
	SinkWorkers  int            `json:"sink_workers" yaml:"sink_workers"`
	Settings     SettingsConfig `json:"settings" yaml:"settings"`
}

// SettingsConfig holds the per-request sensor controls
type SettingsConfig struct {
	ISO            int      `json:"iso" yaml:"iso"`
	ExposureTime   Duration `json:"exposure_time" yaml:"exposure_time"`
	FocusDistance  float64  `json:"focus_distance" yaml:"focus_distance"`
	ManualExposure bool     `json:"manual_exposure" yaml:"manual_exposure"`
	ManualFocus    bool     `json:"manual_focus" yaml:"manual_focus"`
	LockAE         bool     `json:"lock_ae" yaml:"lock_ae"`
	LockAF         bool     `json:"lock_af" yaml:"lock_af"`
	LockOIS        bool     `json:"lock_ois" yaml:"lock_ois"`
}

// SourceConfig selects and configures the frame source
type SourceConfig struct {
	Type      string          `json:"type" yaml:"type"`
	Simulated SimulatedConfig `json:"simulated" yaml:"simulated"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge"`
}

// SimulatedConfig configures the synthetic camera
type SimulatedConfig struct {
	Width            int      `json:"width" yaml:"width"`
	Height           int      `json:"height" yaml:"height"`
	FrameInterval    Duration `json:"frame_interval" yaml:"frame_interval"`
	CompletionJitter Duration `json:"completion_jitter" yaml:"completion_jitter"`
	ImageJitter      Duration `json:"image_jitter" yaml:"image_jitter"`
	DropRate         float64  `json:"drop_rate" yaml:"drop_rate"`
	Seed             int64    `json:"seed" yaml:"seed"`
}

// BridgeConfig configures the NATS camera bridge
type BridgeConfig struct {
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	ImageBuffer   int    `json:"image_buffer" yaml:"image_buffer"`
}

// SinkConfig selects and configures where matched frames go.
// Descriptor is appended to the dated burst folder name of the file sink and
// defaults to the camera name.
type SinkConfig struct {
	Type       string `json:"type" yaml:"type"`
	Dir        string `json:"dir" yaml:"dir"`
	Bucket     string `json:"bucket" yaml:"bucket"`
	Overwrite  bool   `json:"overwrite" yaml:"overwrite"`
	Descriptor string `json:"descriptor,omitempty" yaml:"descriptor,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string   `json:"url" yaml:"url"`
	Name          string   `json:"name" yaml:"name"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	PingInterval  Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	DrainTimeout  Duration `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// ProgressConfig configures the websocket progress push
type ProgressConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the built-in configuration every file is layered over.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Camera:       "MAIN",
			TargetFPS:    22,
			PoolCapacity: 42,
			Reserve:      4,
			MaxFrames:    999,
			SinkWorkers:  1,
			Settings: SettingsConfig{
				ISO:          100,
				ExposureTime: Duration(10 * time.Millisecond),
			},
		},
		Source: SourceConfig{
			Type: SourceSimulated,
			Simulated: SimulatedConfig{
				Width:            64,
				Height:           48,
				CompletionJitter: Duration(5 * time.Millisecond),
				ImageJitter:      Duration(5 * time.Millisecond),
				Seed:             1,
			},
			Bridge: BridgeConfig{
				SubjectPrefix: "pani.camera",
				ImageBuffer:   64,
			},
		},
		Sink: SinkConfig{
			Type:   SinkFile,
			Dir:    "captures",
			Bucket: "pani-frames",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "pani",
			Timeout:       Duration(5 * time.Second),
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			DrainTimeout:  Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Progress: ProgressConfig{
			Port: 8090,
			Path: "/progress",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// MaxInFlight is the submission limit implied by the pool size and reserve.
func (c CaptureConfig) MaxInFlight() int {
	return c.PoolCapacity - c.Reserve
}

// Validate checks the configuration and returns every problem found,
// classified as invalid.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	cp := c.Capture
	if !isCamera(cp.Camera) {
		add("capture.camera %q must be one of %s", cp.Camera, strings.Join(Cameras, ", "))
	}
	if cp.TargetFPS <= 0 {
		add("capture.target_fps must be > 0")
	}
	if cp.PoolCapacity <= 0 {
		add("capture.pool_capacity must be > 0")
	}
	if cp.Reserve < 0 {
		add("capture.reserve must be >= 0")
	}
	if cp.PoolCapacity > 0 && cp.MaxInFlight() < 1 {
		add("capture.pool_capacity (%d) must exceed capture.reserve (%d)", cp.PoolCapacity, cp.Reserve)
	}
	if cp.MaxFrames < 0 {
		add("capture.max_frames must be >= 0")
	}
	if cp.DrainTimeout < 0 {
		add("capture.drain_timeout must be >= 0")
	}
	if cp.SinkWorkers < 1 {
		add("capture.sink_workers must be >= 1")
	}
	if cp.Settings.ISO < 0 || cp.Settings.ExposureTime < 0 || cp.Settings.FocusDistance < 0 {
		add("capture.settings values must be >= 0")
	}

	switch c.Source.Type {
	case SourceSimulated:
		sim := c.Source.Simulated
		if sim.Width <= 0 || sim.Height <= 0 {
			add("source.simulated width and height must be > 0")
		}
		if sim.DropRate < 0 || sim.DropRate >= 1 {
			add("source.simulated.drop_rate must be in [0, 1)")
		}
		if sim.FrameInterval < 0 || sim.CompletionJitter < 0 || sim.ImageJitter < 0 {
			add("source.simulated durations must be >= 0")
		}
	case SourceNATS:
		if c.Source.Bridge.SubjectPrefix == "" {
			add("source.bridge.subject_prefix is required")
		}
	default:
		add("source.type %q must be %q or %q", c.Source.Type, SourceSimulated, SourceNATS)
	}

	switch c.Sink.Type {
	case SinkFile:
		if c.Sink.Dir == "" {
			add("sink.dir is required for the file sink")
		}
	case SinkObjectStore:
		if c.Sink.Bucket == "" {
			add("sink.bucket is required for the objectstore sink")
		}
	case SinkDiscard:
	default:
		add("sink.type %q must be %q, %q or %q", c.Sink.Type, SinkFile, SinkObjectStore, SinkDiscard)
	}

	if c.NeedsNATS() && c.NATS.URL == "" {
		add("nats.url is required")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		add("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Progress.Enabled && (c.Progress.Port <= 0 || c.Progress.Port > 65535) {
		add("progress.port %d out of range", c.Progress.Port)
	}
	if c.Metrics.Enabled && c.Progress.Enabled && c.Metrics.Port == c.Progress.Port {
		add("metrics.port and progress.port must differ")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"Config", "Validate", "validate configuration")
}

// NeedsNATS reports whether the selected source or sink uses NATS.
func (c *Config) NeedsNATS() bool {
	return c.Source.Type == SourceNATS || c.Sink.Type == SinkObjectStore
}

func isCamera(name string) bool {
	for _, cam := range Cameras {
		if cam == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	copied := *c
	return &copied
}

// String returns the configuration as YAML with credentials masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, err := yaml.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}

// Duration is a time.Duration written as a Go duration string ("250ms")
// in config files. Bare numbers are read as nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	case nil:
		return nil
	default:
		return stderrors.New("duration must be a string or number")
	}
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
