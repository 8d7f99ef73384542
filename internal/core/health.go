package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus represents the health state of the tracker service
type HealthStatus struct {
	Status            string  `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID        string  `json:"instance_id"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	AcquisitionPhase  string  `json:"acquisition_phase"`
	TrackingPhase     string  `json:"tracking_phase"`
	FramesCaptured    uint64  `json:"frames_captured"`
	FramesProcessed   uint64  `json:"frames_processed"`
	FramesLost        uint64  `json:"frames_lost"`
	FramesStale       uint64  `json:"frames_stale"`
	FramesDropped     uint64  `json:"frames_dropped"`
	DropRate          float64 `json:"drop_rate"`
	FPSReal           float64 `json:"fps_real"`
	Listeners         int     `json:"listeners"`
	ResultsPublished  uint64  `json:"results_published"`
	MQTTConnected     bool    `json:"mqtt_connected"`
	Vigor             float64 `json:"vigor"`
	Bias              float64 `json:"bias"`
	Bouts             uint64  `json:"bouts"`
}

// HealthCheck returns the current health status of the service
func (s *Supervisor) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	uptime := int64(time.Since(s.started).Seconds())
	s.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		InstanceID:    s.cfg.InstanceID,
		UptimeSeconds: uptime,
	}

	if s.acq != nil {
		acqStats := s.acq.Stats()
		status.AcquisitionPhase = acqStats.Phase
		status.FramesCaptured = acqStats.FramesCaptured
		status.FPSReal = acqStats.FPSReal
	}
	if s.trk != nil {
		trkStats := s.trk.Stats()
		status.TrackingPhase = trkStats.Phase
		status.FramesProcessed = trkStats.Processed
		status.FramesLost = trkStats.Lost
		status.FramesStale = trkStats.Stale
	}
	if s.ch != nil {
		chStats := s.ch.Stats()
		status.FramesDropped = chStats.Dropped
		if chStats.Sent > 0 {
			status.DropRate = float64(chStats.Dropped) / float64(chStats.Sent)
		}
	}
	if s.out != nil {
		outStats := s.out.Stats()
		status.Listeners = outStats.Listeners
		status.ResultsPublished = outStats.Published
	}
	if s.emitter != nil && s.emitter.Client != nil && s.emitter.Client.IsConnected() {
		status.MQTTConnected = true
	}

	swim := s.est.Snapshot()
	status.Vigor = swim.Vigor
	status.Bias = swim.LastBias
	status.Bouts = swim.Bouts

	// Overall status: unhealthy when not running or a loop died; degraded
	// when the MQTT plane is configured but down
	if !running || status.AcquisitionPhase == "stopped" || status.TrackingPhase == "stopped" {
		status.Status = "unhealthy"
	} else if s.emitter != nil && !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (simple liveness check)
func (s *Supervisor) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness (detailed readiness check).
// Returns 503 only when the pipeline is down; degraded is still ready.
func (s *Supervisor) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics in Prometheus text exposition format
func (s *Supervisor) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")

	health := s.HealthCheck()
	instance := s.cfg.InstanceID

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "minizfvr_uptime_seconds{instance=%q} %d\n", instance, health.UptimeSeconds)
	fmt.Fprintf(w, "minizfvr_frames_captured_total{instance=%q} %d\n", instance, health.FramesCaptured)
	fmt.Fprintf(w, "minizfvr_frames_processed_total{instance=%q} %d\n", instance, health.FramesProcessed)
	fmt.Fprintf(w, "minizfvr_frames_lost_total{instance=%q} %d\n", instance, health.FramesLost)
	fmt.Fprintf(w, "minizfvr_frames_stale_total{instance=%q} %d\n", instance, health.FramesStale)
	fmt.Fprintf(w, "minizfvr_frames_dropped_total{instance=%q} %d\n", instance, health.FramesDropped)
	fmt.Fprintf(w, "minizfvr_fps_real{instance=%q} %g\n", instance, health.FPSReal)
	fmt.Fprintf(w, "minizfvr_listeners{instance=%q} %d\n", instance, health.Listeners)
	fmt.Fprintf(w, "minizfvr_results_published_total{instance=%q} %d\n", instance, health.ResultsPublished)
	fmt.Fprintf(w, "minizfvr_swim_vigor{instance=%q} %g\n", instance, health.Vigor)
	fmt.Fprintf(w, "minizfvr_swim_bouts_total{instance=%q} %d\n", instance, health.Bouts)
}

// StartHealthServer starts the HTTP health check server on the given port.
// Runs in a separate goroutine and does not block.
func (s *Supervisor) StartHealthServer(port int) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}

// publishHealth pushes the health payload onto the MQTT health topic at the
// configured cadence
func (s *Supervisor) publishHealth(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.Health.PublishIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health payload", "error", err)
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				slog.Warn("health publish failed", "error", err)
			}
		}
	}
}
