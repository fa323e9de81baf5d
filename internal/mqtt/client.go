// Package mqtt mirrors device state onto an MQTT broker and accepts property
// writes from it.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/config"
)

var (
	ErrNotConnected    = errors.New("mqtt not connected")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrPublishFailed   = errors.New("mqtt publish failed")
	ErrSubscribeFailed = errors.New("mqtt subscribe failed")
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxReconnectDelay = 30 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

// MessageHandler is called for each message on a subscribed topic. Handlers
// run on paho's goroutines.
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	topic   string
	handler MessageHandler
}

// Client wraps a paho client: subscriptions are restored and the daemon's
// status topic is refreshed after every reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	mu            sync.RWMutex
	subscriptions map[string]subscription
	onConnect     func()
}

// Connect creates the client and starts connecting. If the broker does not
// answer within the connect timeout the client keeps retrying in the
// background and Connect returns without error.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		topics:        NewTopics(cfg.TopicPrefix),
		subscriptions: make(map[string]subscription),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(maxReconnectDelay)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)

	// The broker marks the daemon offline if it disappears without Close.
	opts.SetWill(c.topics.Status(), statusOffline, cfg.QoS, true)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		log.Warn().Str("broker", cfg.Broker).Msg("MQTT broker not reachable yet, retrying in background")
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// Topics returns the topic layout used by the client.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnConnect sets a callback run after every (re)connect, once
// subscriptions are restored.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

func (c *Client) handleConnect() {
	log.Info().Str("broker", c.cfg.Broker).Str("client_id", c.cfg.ClientID).Msg("MQTT connected")

	c.mu.RLock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	callback := c.onConnect
	c.mu.RUnlock()

	for _, sub := range subs {
		c.client.Subscribe(sub.topic, c.cfg.QoS, wrapHandler(sub.handler))
	}
	c.client.Publish(c.topics.Status(), c.cfg.QoS, true, statusOnline)

	if callback != nil {
		callback()
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish sends payload to topic and waits for the broker.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is remembered and
// restored after reconnects, so subscribing while disconnected is allowed.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	c.mu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, handler: handler}
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Subscribe(topic, c.cfg.QoS, wrapHandler(handler))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Close marks the daemon offline and disconnects.
func (c *Client) Close() error {
	if c.IsConnected() {
		token := c.client.Publish(c.topics.Status(), c.cfg.QoS, true, statusOffline)
		token.WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	log.Info().Msg("MQTT disconnected")
	return nil
}

func wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("MQTT handler panicked")
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}
