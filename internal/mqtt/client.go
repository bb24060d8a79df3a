package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"thermoscan/internal/model"
)

type Options struct {
	Broker   string
	Port     int
	ClientID string
}

// Client mirrors emitted readings to a home-automation MQTT broker. The
// mirror is best-effort: a disconnected broker costs nothing but a warn
// log, the Loki path is unaffected.
type Client struct {
	client    mqtt.Client
	log       *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(log *slog.Logger, opts Options) *Client {
	c := &Client{
		log:    log,
		stopCh: make(chan struct{}),
	}

	mopts := mqtt.NewClientOptions()
	mopts.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	mopts.SetClientID(opts.ClientID)
	mopts.SetCleanSession(true)

	mopts.SetAutoReconnect(true)
	mopts.SetConnectRetry(true)
	mopts.SetConnectRetryInterval(5 * time.Second)
	mopts.SetMaxReconnectInterval(60 * time.Second)

	mopts.SetKeepAlive(30 * time.Second)
	mopts.SetPingTimeout(10 * time.Second)

	mopts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		log.Info("mqtt connected", "broker", opts.Broker, "port", opts.Port)
	})
	mopts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		log.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(mopts)
	return c
}

// Connect waits for the initial broker connection, respecting ctx and
// Disconnect. With connect-retry enabled paho keeps trying internally.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

// PublishReading publishes one reading to sensors/<room>/telemetry.
func (c *Client) PublishReading(r model.Reading) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := fmt.Sprintf("sensors/%s/telemetry", r.Room)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	token := c.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("publish reading: %w", token.Error())
	}

	c.log.Debug("published reading", "topic", topic, "device", r.DeviceID)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client. Idempotent; after Disconnect, Connect
// returns "client stopped".
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.log.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
