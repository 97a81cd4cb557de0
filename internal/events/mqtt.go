package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
)

// MQTTConfig holds MQTT publisher configuration
type MQTTConfig struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	MaxRetries  uint64
}

// MQTTPublisher publishes events to <prefix>/<event type with dots as slashes>.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *slog.Logger
}

// NewMQTTPublisher connects to the broker, retrying with exponential backoff.
func NewMQTTPublisher(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", logfields.Error(err))
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 4
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Warn("failed to connect to mqtt broker", slog.String("broker", cfg.Broker), logfields.Error(token.Error()))
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	logger.Info("connected to mqtt broker", slog.String("broker", cfg.Broker))

	return &MQTTPublisher{
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		logger: logger,
	}, nil
}

// Topic returns the MQTT topic for an event type.
func (p *MQTTPublisher) Topic(eventType string) string {
	t := strings.ReplaceAll(eventType, ".", "/")
	if p.prefix == "" {
		return t
	}
	return p.prefix + "/" + t
}

func (p *MQTTPublisher) Publish(ctx context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	topic := p.Topic(e.Type)
	token := p.client.Publish(topic, p.qos, false, data)

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.logger.Debug("event published", logfields.Topic(topic))
	return nil
}

func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
