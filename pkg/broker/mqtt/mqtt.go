package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/broker"
)

const (
	clientDisconnectWaitTimeout = 250
	lastWillStatement           = `{"status": "OFFLINE"}`
)

var _ broker.Broker = (*MQTTBroker)(nil)

// ErrNoConnection is returned when the broker server is not connected yet.
var ErrNoConnection = errors.New("no connection to broker server")

var tokenWaitTimeout = 3 * time.Second

// MQTTBroker forwards engine events to a remote MQTT broker, so a
// notification frontend on another machine can follow job status.
type MQTTBroker struct {
	uri      *url.URL
	clientID string
	client   mqtt.Client
	qos      byte
	logger   *zap.Logger

	// Restored on reconnect.
	subscribeTopics  []string
	subscribeHandler broker.Handler
}

// NewBroker creates a new MQTT broker bridge.
func NewBroker(opts ...Option) (*MQTTBroker, error) {
	m := &MQTTBroker{}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.uri == nil {
		return nil, errors.New("no broker url configured")
	}
	if m.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		m.logger = l
	}
	m.qos = 1
	return m, nil
}

func (m *MQTTBroker) opts() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + m.uri.Host)
	if u := m.uri.User.Username(); u != "" {
		opts.SetUsername(u)
	}
	if p, isSet := m.uri.User.Password(); isSet {
		opts.SetPassword(p)
	}
	opts.SetClientID(m.clientID)
	opts.SetCleanSession(false)

	opts.OnConnect = func(client mqtt.Client) {
		m.logger.Info("Connected to broker")
		// Resubscribe when connected or reconnected.
		if m.subscribeHandler != nil && m.subscribeTopics != nil {
			if err := m.Subscribe(m.subscribeTopics, m.subscribeHandler); err != nil {
				m.logger.Error("Resubscribe returned error", zap.Error(err), zap.Strings("topics", m.subscribeTopics))
			}
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		m.logger.Error("Connection lost with broker", zap.Error(err))
	}
	opts.OnReconnecting = func(client mqtt.Client, opts *mqtt.ClientOptions) {
		m.logger.Warn("Trying to reconnect with broker")
	}

	opts.SetWill("fwbackupd/"+m.clientID+"/status", lastWillStatement, 0, false)
	return opts
}

func (m *MQTTBroker) Connect() error {
	client := mqtt.NewClient(m.opts())
	token := client.Connect()
	for !token.WaitTimeout(tokenWaitTimeout) {
	}
	m.client = client
	return token.Error()
}

func (m *MQTTBroker) Disconnect() error {
	if m.client == nil {
		return ErrNoConnection
	}
	m.client.Disconnect(clientDisconnectWaitTimeout)
	return nil
}

func (m *MQTTBroker) Publish(topic string, payload interface{}) error {
	if m.client == nil {
		return ErrNoConnection
	}
	token := m.client.Publish(topic, m.qos, false, payload)
	for !token.WaitTimeout(tokenWaitTimeout) {
	}
	return token.Error()
}

func (m *MQTTBroker) Subscribe(topics []string, h broker.Handler) error {
	if m.client == nil {
		return ErrNoConnection
	}
	if len(topics) == 0 {
		return errors.New("no topics provided")
	}
	m.subscribeTopics = topics
	m.subscribeHandler = h

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = m.qos
	}
	token := m.client.SubscribeMultiple(filters, func(client mqtt.Client, msg mqtt.Message) {
		if err := h(broker.Event{Topic: msg.Topic(), Payload: msg.Payload()}); err != nil {
			m.logger.Error(err.Error())
		}
	})
	for !token.WaitTimeout(tokenWaitTimeout) {
	}
	return token.Error()
}

func (m *MQTTBroker) String() string {
	return fmt.Sprintf("Broker [%s]", m.clientID)
}
