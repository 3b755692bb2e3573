package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"scentd/internal/config"
)

// Handler receives one message payload together with its concrete topic.
type Handler func(topic string, payload []byte)

// Client manages the broker connection. Subscriptions made through it are
// restored after an automatic reconnect.
type Client struct {
	client paho.Client
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[string]subscription
}

type subscription struct {
	qos     byte
	handler Handler
}

func NewClient(cfg config.MQTTConfig, logger *slog.Logger) (*Client, error) {
	c := &Client{logger: logger, subs: map[string]subscription{}}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
	})

	c.client = paho.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	if logger != nil {
		logger.Info("mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	return c, nil
}

func (c *Client) onConnect(pc paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()
	for topic, sub := range subs {
		if token := pc.Subscribe(topic, sub.qos, wrap(sub.handler)); token.Wait() && token.Error() != nil && c.logger != nil {
			c.logger.Warn("mqtt resubscribe failed", "topic", topic, "err", token.Error())
		}
	}
}

func (c *Client) Subscribe(topic string, qos byte, h Handler) error {
	token := c.client.Subscribe(topic, qos, wrap(h))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: h}
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Info("mqtt subscribed", "topic", topic, "qos", qos)
	}
	return nil
}

// Publish waits at most timeout for the broker to acknowledge.
func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte, timeout time.Duration) error {
	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timed out after %s", topic, timeout)
	}
	return token.Error()
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *Client) Close() {
	c.client.Disconnect(250)
	if c.logger != nil {
		c.logger.Info("mqtt disconnected")
	}
}

func wrap(h Handler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	}
}
