// Package emittertest provides an in-memory paho client for tests of the
// MQTT emitter and control plane.
package emittertest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is a completed mqtt.Token
type Token struct {
	Err error
}

// Wait implements mqtt.Token
func (t *Token) Wait() bool { return true }

// WaitTimeout implements mqtt.Token
func (t *Token) WaitTimeout(time.Duration) bool { return true }

// Done implements mqtt.Token
func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Error implements mqtt.Token
func (t *Token) Error() error { return t.Err }

// Message is an mqtt.Message
type Message struct {
	TopicName string
	QoS       byte
	Body      []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.QoS }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

// Client records publishes and routes Deliver calls to subscriptions.
// The embedded interface is nil: methods not overridden here panic.
type Client struct {
	mqtt.Client

	ConnectErr error
	PublishErr error

	mu         sync.Mutex
	connected  bool
	published  []Message
	handlers   map[string]mqtt.MessageHandler
	disconnect int
}

// NewClient creates a disconnected fake client
func NewClient() *Client {
	return &Client{handlers: make(map[string]mqtt.MessageHandler)}
}

// Factory returns a factory that always hands out c
func (c *Client) Factory() func(*mqtt.ClientOptions) mqtt.Client {
	return func(*mqtt.ClientOptions) mqtt.Client { return c }
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr == nil {
		c.connected = true
	}
	return &Token{Err: c.ConnectErr}
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnect++
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return &Token{Err: c.PublishErr}
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, Message{TopicName: topic, QoS: qos, Body: body})
	return &Token{}
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return &Token{}
}

// Deliver invokes the handler subscribed to topic and reports whether
// one existed
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &Message{TopicName: topic, Body: payload})
	return true
}

// Published returns a copy of every message published so far
func (c *Client) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// Subscribed reports whether a handler is registered on topic
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// Disconnects returns how many times Disconnect was called
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnect
}
