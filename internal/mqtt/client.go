// Package mqtt forwards duty cycle snapshots to an MQTT broker so
// dashboards and other junctions can follow the signal state.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/junction/internal/monitoring"
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrInvalidTopic     = errors.New("mqtt: topic cannot be empty")
	ErrInvalidQoS       = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 30 * time.Second
	maxQoS                   = 2
	maxPayloadSize           = 1 << 20
)

var logf = monitoring.Prefixed("[mqtt] ")

// Options configures the broker connection.
type Options struct {
	// Broker is a URL such as tcp://localhost:1883 or ssl://broker:8883.
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	// Topic is the prefix every message is published under.
	Topic    string `json:"topic"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	QoS      byte   `json:"qos"`
}

// Enabled reports whether a broker is configured.
func (o Options) Enabled() bool { return o.Broker != "" }

// Publisher is the subset of Client the Forwarder uses.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Client wraps a paho client with connection tracking.
type Client struct {
	client pahomqtt.Client
	opts   Options
	topics Topics

	mu        sync.RWMutex
	connected bool
}

// Connect dials the broker. The initial attempt must succeed within
// defaultConnectTimeout; afterwards paho reconnects automatically.
func Connect(o Options) (*Client, error) {
	if o.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	c := &Client{opts: o, topics: NewTopics(o.Topic)}

	po := buildClientOptions(o, c.topics)
	po.SetOnConnectHandler(func(pahomqtt.Client) {
		c.setConnected(true)
		logf("connected to %s", o.Broker)
		c.client.Publish(c.topics.Status(), o.QoS, true, buildStatusPayload(o.ClientID, "online", ""))
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.setConnected(false)
		logf("connection lost: %v", err)
	})

	c.client = pahomqtt.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.setConnected(true)
	return c, nil
}

func buildClientOptions(o Options, topics Topics) *pahomqtt.ClientOptions {
	po := pahomqtt.NewClientOptions()
	po.AddBroker(o.Broker)
	po.SetClientID(o.ClientID)
	if o.Username != "" {
		po.SetUsername(o.Username)
		po.SetPassword(o.Password)
	}
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetMaxReconnectInterval(maxReconnectInterval)
	po.SetConnectTimeout(defaultConnectTimeout)
	po.SetKeepAlive(defaultKeepAlive)
	// The broker announces us offline if we vanish without Close.
	po.SetWill(topics.Status(), string(buildStatusPayload(o.ClientID, "offline", "unexpected_disconnect")), 1, true)
	return po
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	if c == nil || c.client == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Topics returns the topic builder for this client's prefix.
func (c *Client) Topics() Topics { return c.topics }

// Publish sends payload and waits for the broker to acknowledge it.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close announces a graceful shutdown and disconnects.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.Status(), c.opts.QoS, true,
			buildStatusPayload(c.opts.ClientID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}
