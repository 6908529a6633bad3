// Package bus connects the gateway to the MQTT broker plugins talk to.
// Every topic is scoped by a deployment prefix that callers never see.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time.
var ErrPublishTimeout = errors.New("bus: publish timed out")

const (
	qos            = 0
	publishTimeout = 10 * time.Second
	retryInterval  = 5 * time.Second
)

// Handler receives a message; topic has the prefix removed.
type Handler func(topic, payload string)

// Options describes the broker connection.
type Options struct {
	Broker   string
	ClientID string
	Prefix   string
	Username string
	Password string
}

// Client is an MQTT client that remembers its subscriptions and re-issues
// them on every (re)connect.
type Client struct {
	prefix string
	log    *zap.Logger
	client mqtt.Client

	mu        sync.Mutex
	handlers  map[string]Handler // keyed by prefixed topic
	onConnect []func()
}

// New creates a client. Nothing is dialed until Connect.
func New(opts Options, log *zap.Logger) *Client {
	c := &Client{
		prefix:   opts.Prefix,
		log:      log.Named("bus"),
		handlers: make(map[string]Handler),
	}

	mo := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) { c.connected() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warn("connection to broker lost", zap.Error(err))
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			c.deliver(m.Topic(), m.Payload())
		})
	c.client = mqtt.NewClient(mo)
	return c
}

// Connect starts the connection and waits until the first attempt
// succeeds or ctx ends. Later reconnects happen in the background.
func (c *Client) Connect(ctx context.Context) error {
	t := c.client.Connect()
	select {
	case <-t.Done():
		if err := t.Error(); err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, giving in-flight work a moment to finish.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// OnConnect registers fn to run after every (re)connect, once the
// subscriptions have been re-issued.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Subscribe routes messages on topic to h. The subscription survives
// reconnects.
func (c *Client) Subscribe(topic string, h Handler) {
	full := c.prefix + topic

	c.mu.Lock()
	c.handlers[full] = h
	c.mu.Unlock()

	if c.client.IsConnectionOpen() {
		c.subscribe(full)
	}
}

// Publish sends payload on topic.
func (c *Client) Publish(topic, payload string) error {
	full := c.prefix + topic
	c.log.Debug("publish", zap.String("topic", full), zap.String("payload", payload))

	t := c.client.Publish(full, qos, false, payload)
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: %w", full, ErrPublishTimeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", full, err)
	}
	return nil
}

func (c *Client) connected() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	c.log.Info("connected to broker", zap.Int("subscriptions", len(topics)))
	for _, topic := range topics {
		c.subscribe(topic)
	}
	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) subscribe(full string) {
	c.log.Debug("subscribe", zap.String("topic", full))
	t := c.client.Subscribe(full, qos, nil)
	go func() {
		<-t.Done()
		if err := t.Error(); err != nil {
			c.log.Error("subscribe failed", zap.String("topic", full), zap.Error(err))
		}
	}()
}

// deliver hands a message to the handler of its exact topic.
func (c *Client) deliver(full string, payload []byte) {
	c.mu.Lock()
	h, ok := c.handlers[full]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("no handler for topic", zap.String("topic", full))
		return
	}
	h(strings.TrimPrefix(full, c.prefix), string(payload))
}
