package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tail tracker configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Ring             RingConfig      `yaml:"ring"`
	Channel          ChannelConfig   `yaml:"channel"`
	Tracking         TrackingConfig  `yaml:"tracking"`
	Outbound         OutboundConfig  `yaml:"outbound"`
	Estimator        EstimatorConfig `yaml:"estimator"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Health           HealthConfig    `yaml:"health"`
}

// HealthConfig contains monitoring settings. Port 0 disables the HTTP
// endpoints; the MQTT health publication follows the MQTT plane instead.
type HealthConfig struct {
	Port             int `yaml:"port"`               // liveness/readiness/metrics HTTP port (0 disables)
	PublishIntervalS int `yaml:"publish_interval_s"` // MQTT health cadence (default: 5)
}

// CameraConfig contains camera device settings
type CameraConfig struct {
	Type       string  `yaml:"type"`        // synthetic (built-in) or an external device name
	Width      int     `yaml:"width"`       // frame width in pixels
	Height     int     `yaml:"height"`      // frame height in pixels
	FPS        int     `yaml:"fps"`         // target acquisition rate
	ExposureUS float64 `yaml:"exposure_us"` // initial exposure, forwarded to the device
	// MaxConsecutiveErrors is the transient capture failure budget before the
	// acquisition loop declares the device fatal (default: 10)
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
}

// RingConfig contains shared frame ring settings
type RingConfig struct {
	Slots int    `yaml:"slots"`   // number of frame slots (>= 2, default: 3)
	Dir   string `yaml:"shm_dir"` // backing directory (default: /dev/shm)
}

// ChannelConfig contains timestamp channel settings
type ChannelConfig struct {
	Capacity         int `yaml:"capacity"`           // bounded queue depth (default: 64)
	ReceiveTimeoutMS int `yaml:"receive_timeout_ms"` // consumer wait bound, controls stop latency (default: 100)
}

// TrackingConfig contains preprocessing and tail fitting parameters.
// Base/tip coordinates are in the post-rescaling frame, as in stytra.
type TrackingConfig struct {
	ImageScale    float64 `yaml:"image_scale"`    // downscale factor (0 < s <= 1)
	FilterSize    int     `yaml:"filter_size"`    // box filter kernel, <= 1 disables
	ColorInvert   bool    `yaml:"color_invert"`   // invert for dark-on-bright fish
	ClipThreshold int     `yaml:"clip_threshold"` // saturating background subtraction, 0 disables
	BaseX         float64 `yaml:"base_x"`         // resting tail base
	BaseY         float64 `yaml:"base_y"`
	TipX          float64 `yaml:"tip_x"` // resting tail tip
	TipY          float64 `yaml:"tip_y"`
	NSegments     int     `yaml:"n_segments"`    // fitted segments (result carries n+1 points)
	SearchRadius  int     `yaml:"search_radius"` // center-of-mass search radius in pixels
}

// OutboundConfig contains the result publication endpoint settings
type OutboundConfig struct {
	ListenAddr    string `yaml:"listen_addr"`     // TCP address listeners connect to
	QueueSize     int    `yaml:"queue_size"`      // per-listener send queue depth (default: 256)
	SendTimeoutMS int    `yaml:"send_timeout_ms"` // per-record write deadline (default: 200)
}

// EstimatorConfig contains swim property estimation parameters (windows in seconds)
type EstimatorConfig struct {
	BufferSize          int     `yaml:"buffer_size"`            // angle history depth (default: 300)
	VigorWindowS        float64 `yaml:"vigor_window_s"`         // std window for vigor (default: 0.05)
	BiasWindowS         float64 `yaml:"bias_window_s"`          // bout-initial window for bias (default: 0.07)
	BiasBaselineWindowS float64 `yaml:"bias_baseline_window_s"` // pre-bout baseline window (default: 0.05)
	VigorThreshold      float64 `yaml:"vigor_threshold"`        // bout onset threshold in radians (default: 0.05)
}

// MQTTConfig contains the optional MQTT control/health plane settings.
// An empty broker disables the plane entirely.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Health  string `yaml:"health"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
