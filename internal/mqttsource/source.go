// Package mqttsource turns MQTT messages into external events: the last
// topic level is the event type and the body a JSON object payload.
package mqttsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	logx "routex/pkg/logx"
)

// Dispatcher validates an event and broadcasts it in the background.
type Dispatcher interface {
	DispatchEvent(eventType string, payload map[string]any) error
}

type Config struct {
	Enabled     bool
	Broker      string // e.g. tcp://127.0.0.1:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte

	ConnectTimeout time.Duration
}

const (
	defaultClientID    = "routex"
	defaultTopicPrefix = "routex/events"
	disconnectQuiesce  = 250 // ms
)

var ErrBadMessage = errors.New("mqttsource: bad message")

type Source struct {
	cfg    Config
	events Dispatcher
	log    logx.Logger

	mu     sync.Mutex
	client mqtt.Client
}

func New(cfg Config, events Dispatcher, log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = defaultClientID
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Source{cfg: cfg, events: events, log: log.With(logx.String("comp", "mqtt"))}
}

// Topic is the subscription filter, "<prefix>/+".
func (s *Source) Topic() string {
	return strings.TrimRight(s.cfg.TopicPrefix, "/") + "/+"
}

// Start connects and subscribes. The client reconnects on its own and
// resubscribes on every connect. An initial connect failure is returned.
func (s *Source) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(s.cfg.Broker) == "" {
		return errors.New("mqtt broker is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("mqtt connection lost", logx.Err(err))
	})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		client.Disconnect(disconnectQuiesce)
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *Source) onConnect(c mqtt.Client) {
	topic := s.Topic()
	tok := c.Subscribe(topic, s.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		if err := s.handle(m.Topic(), m.Payload()); err != nil {
			s.log.Warn("mqtt event rejected", logx.String("topic", m.Topic()), logx.Err(err))
		}
	})
	if !tok.WaitTimeout(s.cfg.ConnectTimeout) {
		s.log.Warn("mqtt subscribe timed out", logx.String("topic", topic))
		return
	}
	if err := tok.Error(); err != nil {
		s.log.Error("mqtt subscribe failed", logx.String("topic", topic), logx.Err(err))
		return
	}
	s.log.Info("mqtt subscribed", logx.String("broker", s.cfg.Broker), logx.String("topic", topic))
}

func (s *Source) handle(topic string, body []byte) error {
	i := strings.LastIndexByte(topic, '/')
	eventType := topic[i+1:]
	if eventType == "" {
		return fmt.Errorf("%w: empty event type in topic %q", ErrBadMessage, topic)
	}

	payload := map[string]any{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
			return fmt.Errorf("%w: payload must be a JSON object", ErrBadMessage)
		}
	}
	if err := s.events.DispatchEvent(eventType, payload); err != nil {
		return err
	}
	s.log.Info("mqtt event received", logx.String("event_type", eventType), logx.Int("payload_size", len(body)))
	return nil
}

// Stop disconnects, letting in-flight work finish for a short quiesce period.
func (s *Source) Stop(context.Context) error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil {
		c.Disconnect(disconnectQuiesce)
		s.log.Info("mqtt disconnected")
	}
	return nil
}
