package transport

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttOpTimeout      = 5 * time.Second
	mqttDisconnectMS   = 250
)

// MQTT is the production transport backend. Subscriptions are replayed on
// every reconnect so a broker restart does not silently drop topics.
type MQTT struct {
	client mqtt.Client
	qos    byte
	log    zerolog.Logger

	mu   sync.Mutex
	subs []busSub
}

func NewMQTT(brokerURL, clientID string, qos byte, logger zerolog.Logger) (*MQTT, error) {
	if qos > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", qos)
	}
	if clientID == "" {
		clientID = "llamabroker-" + uuid.NewString()[:8]
	}

	t := &MQTT{qos: qos, log: logger}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info().Str("broker", brokerURL).Msg("mqtt connected")
			t.resubscribe(c)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("mqtt connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	t.client = client
	return t, nil
}

func (t *MQTT) Subscribe(pattern string, h Handler) error {
	t.mu.Lock()
	t.subs = append(t.subs, busSub{pattern: pattern, handler: h})
	t.mu.Unlock()

	token := t.client.Subscribe(pattern, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(mqttOpTimeout) {
		return fmt.Errorf("mqtt subscribe %s timed out", pattern)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", pattern, err)
	}
	return nil
}

func (t *MQTT) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, t.qos, false, payload)
	if !token.WaitTimeout(mqttOpTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

func (t *MQTT) Close() error {
	t.client.Disconnect(mqttDisconnectMS)
	return nil
}

func (t *MQTT) resubscribe(c mqtt.Client) {
	t.mu.Lock()
	subs := make([]busSub, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, sub := range subs {
		handler := sub.handler
		token := c.Subscribe(sub.pattern, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(mqttOpTimeout) && token.Error() != nil {
			t.log.Error().Err(token.Error()).Str("pattern", sub.pattern).Msg("mqtt resubscribe failed")
		}
	}
}
