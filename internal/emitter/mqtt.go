package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tbazina/dimension-visual-inspection/internal/config"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// ClientFactory builds the paho client from options
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// MQTTEmitter publishes measurement results and health to the MQTT broker
type MQTTEmitter struct {
	cfg       *config.Config
	newClient ClientFactory
	Client    mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter. A nil factory uses mqtt.NewClient.
func NewMQTTEmitter(cfg *config.Config, factory ClientFactory) *MQTTEmitter {
	if factory == nil {
		factory = mqtt.NewClient
	}
	return &MQTTEmitter{
		cfg:       cfg,
		newClient: factory,
		published: make(map[string]uint64),
	}
}

// BrokerURL adds the tcp scheme to a bare host:port broker address
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := BrokerURL(e.cfg.MQTT.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", broker,
			"client_id", e.cfg.InstanceID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
			"max_retry_interval", "30s")
	}

	e.Client = e.newClient(opts)

	slog.Info("connecting to mqtt broker", "broker", broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// Publish publishes a measurement result to <results>/measurement
func (e *MQTTEmitter) Publish(result types.MeasurementResult) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Results, result.Type())
	qos := e.getQoS(result.Type())

	payload, err := result.ToJSON()
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal measurement: %w", err)
	}

	if err := e.publish(topic, qos, payload); err != nil {
		e.countError()
		return err
	}

	slog.Debug("measurement published",
		"topic", topic,
		"qos", qos,
		"object_id", result.ObjectID,
		"size", len(payload),
	)
	return nil
}

// OnMeasurement publishes every measured result. Failures are logged.
func (e *MQTTEmitter) OnMeasurement(result types.MeasurementResult, _ *types.CandidateRegion) {
	if err := e.Publish(result); err != nil {
		slog.Warn("failed to publish measurement",
			"object_id", result.ObjectID,
			"trace_id", result.TraceID,
			"error", err,
		)
	}
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	topic := e.cfg.MQTT.Topics.Health
	if err := e.publish(topic, e.getQoS("health"), payload); err != nil {
		e.countError()
		return err
	}
	return nil
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// getQoS returns the QoS level for a message type
func (e *MQTTEmitter) getQoS(msgType string) byte {
	if qos, ok := e.cfg.MQTT.QoS[msgType]; ok {
		return qos
	}
	return 0
}
