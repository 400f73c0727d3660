package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTT mirror settings.
const (
	defaultMQTTTopic      = "irrimeter"
	mqttConnectRetries    = 5
	mqttConnectMaxWait    = 30 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 250

	telemetrySuffix = "/telemetry"
	statusSuffix    = "/status"
)

// publisher is the slice of an MQTT client the mirror needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

type mqttPublisher struct {
	client mqtt.Client
}

func (p mqttPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s timed out after %v", topic, mqttPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// connectMQTT dials the broker, retrying with exponential backoff, and
// disconnects again once ctx is done.
func connectMQTT(ctx context.Context, broker string, logger *zap.SugaredLogger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("irrimeter-" + uuid.NewString()[:8])
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = mqttConnectMaxWait

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Warnw("Failed to connect to MQTT broker", "broker", broker, "error", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, mqttConnectRetries-1), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection to %s: %w", broker, err)
	}

	logger.Infow("Connected to MQTT broker", "broker", broker)

	go func() {
		<-ctx.Done()
		client.Disconnect(mqttDisconnectQuiesce)
		logger.Info("MQTT connection closed")
	}()

	return client, nil
}

// MQTTMirror republishes controller readings and link state to a broker.
type MQTTMirror struct {
	pub    publisher
	topic  string
	logger *zap.SugaredLogger
}

type statusMessage struct {
	State     ConnectionState `json:"state"`
	Connected bool            `json:"connected"`
	Timestamp int64           `json:"timestamp"`
}

func NewMQTTMirror(pub publisher, topic string, logger *zap.SugaredLogger) *MQTTMirror {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if topic == "" {
		topic = defaultMQTTTopic
	}
	return &MQTTMirror{pub: pub, topic: topic, logger: logger.Named("mqtt")}
}

// Attach subscribes the mirror to m and returns the detach function.
func (b *MQTTMirror) Attach(m *ConnectionManager) (detach func()) {
	stopReadings := m.OnReading(b.PublishReading)
	stopStates := m.OnStateChange(b.PublishState)
	return func() {
		stopReadings()
		stopStates()
	}
}

// PublishReading sends r to <topic>/telemetry at QoS 0.
func (b *MQTTMirror) PublishReading(r SensorReading) {
	b.publishJSON(b.topic+telemetrySuffix, 0, false, r)
}

// PublishState sends the link state to <topic>/status at QoS 1, retained,
// so late subscribers see whether the controller is reachable.
func (b *MQTTMirror) PublishState(state ConnectionState) {
	b.publishJSON(b.topic+statusSuffix, 1, true, statusMessage{
		State:     state,
		Connected: state == StateConnected,
		Timestamp: time.Now().Unix(),
	})
}

func (b *MQTTMirror) publishJSON(topic string, qos byte, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Warnw("Failed to encode MQTT payload", "topic", topic, "error", err)
		return
	}
	if err := b.pub.Publish(topic, qos, retained, payload); err != nil {
		b.logger.Warnw("MQTT publish failed", "topic", topic, "error", err)
		return
	}
	b.logger.Debugw("Published to MQTT", "topic", topic, "bytes", len(payload))
}
