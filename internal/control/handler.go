package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tbazina/dimension-visual-inspection/internal/config"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
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

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	callbacks CommandCallbacks
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnStartSession func() error
	OnStopSession  func() error
	OnGetStatus    func() map[string]interface{}
	OnGetResults   func(limit int) []types.MeasurementResult
	OnShutdown     func() error
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		done:      make(chan struct{}),
		callbacks: callbacks,
	}
}

// ResponseTopic returns the topic command responses are published on
func (h *Handler) ResponseTopic() string {
	return h.cfg.MQTT.Topics.Control + "/response"
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

	slog.Info("control plane handler started", "response_topic", h.ResponseTopic())

	h.wg.Add(1)
	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes and ends command processing. Idempotent.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		close(h.done)
		h.wg.Wait()
		slog.Info("control plane handler stopped")
	})
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
	case <-h.done:
		slog.Warn("control plane stopped, dropping command", "command", cmd.Command)
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "start_session":
		if h.callbacks.OnStartSession != nil {
			if err := h.callbacks.OnStartSession(); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"session_active": true,
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "start_session not implemented"
		}

	case "stop_session":
		if h.callbacks.OnStopSession != nil {
			if err := h.callbacks.OnStopSession(); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"session_active": false,
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "stop_session not implemented"
		}

	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = h.callbacks.OnGetStatus()
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "get_results":
		if h.callbacks.OnGetResults != nil {
			limit := 0
			if raw, ok := cmd.Params["limit"]; ok {
				// JSON numbers decode as float64
				f, ok := raw.(float64)
				if !ok || f < 0 {
					resp.Status = "error"
					resp.Error = "invalid 'limit' parameter (expected non-negative number)"
					break
				}
				limit = int(f)
			}
			results := h.callbacks.OnGetResults(limit)
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"count":   len(results),
				"results": results,
			}
		} else {
			resp.Status = "error"
			resp.Error = "get_results not implemented"
		}

	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			slog.Warn("shutdown command received via MQTT control plane")
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"shutdown_initiated": true,
				"message":            "graceful shutdown in progress",
			}
			// Respond before the process starts tearing down
			h.sendResponse(resp)

			go func() {
				if err := h.callbacks.OnShutdown(); err != nil {
					slog.Error("shutdown callback failed", "error", err)
				}
			}()
			return
		}
		resp.Status = "error"
		resp.Error = "shutdown not implemented"

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// sendResponse publishes a response on the response topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.ResponseTopic()
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
