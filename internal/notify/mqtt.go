package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errMQTTTimeout = errors.New("mqtt timeout")

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// MQTTNotifier publishes every transition as a retained JSON status message,
// so subscribers joining later see the current state.
type MQTTNotifier struct {
	cfg       MQTTConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTTNotifier(cfg MQTTConfig) *MQTTNotifier {
	return &MQTTNotifier{cfg: cfg, newClient: mqtt.NewClient}
}

func (m *MQTTNotifier) Name() string    { return "mqtt" }
func (m *MQTTNotifier) Available() bool { return m.cfg.Broker != "" && m.cfg.Topic != "" }

func (m *MQTTNotifier) connectLocked() error {
	if m.client != nil && m.client.IsConnectionOpen() {
		return nil
	}
	if m.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(m.cfg.Broker)
		opts.SetClientID(m.cfg.ClientID)
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
		opts.SetCleanSession(true)
		opts.SetAutoReconnect(true)
		opts.SetConnectTimeout(10 * time.Second)
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqtt connection lost", "broker", m.cfg.Broker, "err", err)
		})
		m.client = m.newClient(opts)
	}

	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect %s: %w", m.cfg.Broker, errMQTTTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect %s: %w", m.cfg.Broker, err)
	}
	slog.Info("📨 mqtt connected", "broker", m.cfg.Broker, "topic", m.cfg.Topic)
	return nil
}

// Notify publishes msg retained at QoS 1.
func (m *MQTTNotifier) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectLocked(); err != nil {
		return err
	}

	token := m.client.Publish(m.cfg.Topic, 1, true, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", m.cfg.Topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.cfg.Topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTTNotifier) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}
