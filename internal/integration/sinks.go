package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/config"
	"github.com/lorawan-server/lorawan-netctl/internal/models"
)

// eventKey is the device address of an event, or "system"
func eventKey(event *models.EventLog) string {
	if event.DevAddr != nil {
		return event.DevAddr.String()
	}
	if event.GatewayID != nil {
		return event.GatewayID.String()
	}
	return "system"
}

// NATSSink publishes events to <prefix>.<type>.<devAddr>
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink creates a NATS sink
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "ns.event"
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event is published on
func (s *NATSSink) Subject(event *models.EventLog) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, strings.ToLower(string(event.Type)), eventKey(event))
}

// Publish implements Sink
func (s *NATSSink) Publish(_ context.Context, event *models.EventLog) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.Subject(event), data)
}

// HTTPSink posts events as JSON to a webhook
type HTTPSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPSink creates a webhook sink
func NewHTTPSink(cfg config.HTTPIntegration) *HTTPSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Sink
func (s *HTTPSink) Name() string { return "http" }

// Publish implements Sink
func (s *HTTPSink) Publish(ctx context.Context, event *models.EventLog) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	log.Debug().
		Str("type", string(event.Type)).
		Int("status", resp.StatusCode).
		Msg("Event forwarded to HTTP")
	return nil
}

// MQTTSink publishes events to an MQTT broker. The topic pattern may use
// {type} and {dev_addr}.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTSink connects to the broker
func NewMQTTSink(cfg config.MQTTIntegration) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "lorawan-netctl"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	return newMQTTSink(client, cfg.Topic), nil
}

func newMQTTSink(client mqtt.Client, topic string) *MQTTSink {
	if topic == "" {
		topic = "lorawan/{dev_addr}/{type}"
	}
	return &MQTTSink{client: client, topic: topic}
}

// Name implements Sink
func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic an event is published on
func (s *MQTTSink) Topic(event *models.EventLog) string {
	topic := strings.ReplaceAll(s.topic, "{type}", strings.ToLower(string(event.Type)))
	return strings.ReplaceAll(topic, "{dev_addr}", eventKey(event))
}

// Publish implements Sink
func (s *MQTTSink) Publish(_ context.Context, event *models.EventLog) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	token := s.client.Publish(s.Topic(event), s.qos, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish %s: timeout", s.Topic(event))
	}
	return token.Error()
}

// Close disconnects from the broker
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
