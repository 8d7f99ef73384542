package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and applies defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Validate camera config
	if cfg.Camera.Type == "" {
		cfg.Camera.Type = "synthetic"
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return fmt.Errorf("camera.width and camera.height must be > 0")
	}
	if cfg.Camera.FPS <= 0 {
		return fmt.Errorf("camera.fps must be > 0")
	}
	if cfg.Camera.MaxConsecutiveErrors <= 0 {
		cfg.Camera.MaxConsecutiveErrors = 10
	}

	// Validate frame ring config
	if cfg.Ring.Slots == 0 {
		cfg.Ring.Slots = 3
	}
	if cfg.Ring.Slots < 2 {
		return fmt.Errorf("ring.slots must be >= 2 (double buffering minimum)")
	}
	if cfg.Ring.Dir == "" {
		cfg.Ring.Dir = "/dev/shm"
	}

	// Validate timestamp channel config
	if cfg.Channel.Capacity <= 0 {
		cfg.Channel.Capacity = 64
	}
	if cfg.Channel.ReceiveTimeoutMS <= 0 {
		cfg.Channel.ReceiveTimeoutMS = 100
	}

	// Validate tracking config
	if err := ValidateTracking(&cfg.Tracking); err != nil {
		return fmt.Errorf("tracking validation failed: %w", err)
	}

	// Validate outbound config
	if cfg.Outbound.ListenAddr == "" {
		cfg.Outbound.ListenAddr = "127.0.0.1:6000"
	}
	if cfg.Outbound.QueueSize <= 0 {
		cfg.Outbound.QueueSize = 256
	}
	if cfg.Outbound.SendTimeoutMS <= 0 {
		cfg.Outbound.SendTimeoutMS = 200
	}

	// Validate estimator config
	if cfg.Estimator.BufferSize <= 0 {
		cfg.Estimator.BufferSize = 300
	}
	if cfg.Estimator.VigorWindowS <= 0 {
		cfg.Estimator.VigorWindowS = 0.05
	}
	if cfg.Estimator.BiasWindowS <= 0 {
		cfg.Estimator.BiasWindowS = 0.07
	}
	if cfg.Estimator.BiasBaselineWindowS <= 0 {
		cfg.Estimator.BiasBaselineWindowS = 0.05
	}
	if cfg.Estimator.VigorThreshold <= 0 {
		cfg.Estimator.VigorThreshold = 0.05
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return fmt.Errorf("health.port must be in [0, 65535], got %d", cfg.Health.Port)
	}
	if cfg.Health.PublishIntervalS <= 0 {
		cfg.Health.PublishIntervalS = 5
	}

	// MQTT plane is optional; defaults only apply when a broker is configured
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("minizfvr/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("minizfvr/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control": 1,
				"health":  0,
			}
		}
	}

	return nil
}

// ValidateTracking validates tail fitting parameters for correctness.
// Called on initial load and again on every hot reload.
func ValidateTracking(t *TrackingConfig) error {
	if t.ImageScale == 0 {
		t.ImageScale = 1.0
	}
	if t.ImageScale <= 0 || t.ImageScale > 1 {
		return fmt.Errorf("image_scale must be in (0, 1], got %v", t.ImageScale)
	}
	if t.NSegments == 0 {
		t.NSegments = 7
	}
	if t.NSegments < 1 {
		return fmt.Errorf("n_segments must be >= 1, got %d", t.NSegments)
	}
	if t.SearchRadius == 0 {
		t.SearchRadius = 15
	}
	if t.SearchRadius < 1 {
		return fmt.Errorf("search_radius must be >= 1, got %d", t.SearchRadius)
	}
	if t.BaseX == t.TipX && t.BaseY == t.TipY {
		return fmt.Errorf("tail base and tip must differ (base=%v,%v tip=%v,%v)",
			t.BaseX, t.BaseY, t.TipX, t.TipY)
	}
	if t.ClipThreshold < 0 || t.ClipThreshold > 255 {
		return fmt.Errorf("clip_threshold must be in [0, 255], got %d", t.ClipThreshold)
	}
	return nil
}
