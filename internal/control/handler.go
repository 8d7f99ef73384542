package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ryosukecooltanaka/minizfvr/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus    func() map[string]interface{}
	OnPause        func() error
	OnResume       func() error
	OnSetParameter func(name string, value float64) error
	OnReload       func() error
	OnShutdown     func() error
}

// Handler handles control plane commands received over MQTT
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command

	mu        sync.Mutex
	stopped   bool
	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command and publishes the ack
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = h.callbacks.OnGetStatus()
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "pause":
		resp = h.simpleCommand(cmd, h.callbacks.OnPause, map[string]interface{}{"publishing": false})

	case "resume":
		resp = h.simpleCommand(cmd, h.callbacks.OnResume, map[string]interface{}{"publishing": true})

	case "set_parameter":
		if h.callbacks.OnSetParameter == nil {
			resp.Status = "error"
			resp.Error = "set_parameter not implemented"
			break
		}
		name, nameOK := cmd.Params["name"].(string)
		value, valueOK := cmd.Params["value"].(float64)
		if !nameOK || !valueOK {
			resp.Status = "error"
			resp.Error = "set_parameter requires 'name' (string) and 'value' (number) params"
			break
		}
		if err := h.callbacks.OnSetParameter(name, value); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{"name": name, "value": value}
		}

	case "reload":
		resp = h.simpleCommand(cmd, h.callbacks.OnReload, map[string]interface{}{"reloaded": true})

	case "shutdown":
		resp = h.simpleCommand(cmd, h.callbacks.OnShutdown, map[string]interface{}{"stopping": true})

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// simpleCommand runs a parameterless callback and builds its response
func (h *Handler) simpleCommand(cmd Command, fn func() error, okData map[string]interface{}) Response {
	resp := Response{CommandAck: cmd.Command}
	if fn == nil {
		resp.Status = "error"
		resp.Error = cmd.Command + " not implemented"
		return resp
	}
	if err := fn(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	resp.Status = "success"
	resp.Data = okData
	return resp
}

// sendResponse publishes a command ack on the control ack topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Control + "/ack"
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("control response publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control response publish failed", "topic", topic, "error", err)
	}
}
