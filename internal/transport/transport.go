// Package transport abstracts the broker's publish/subscribe layer. The
// broker core only needs Subscribe and Publish; wire-protocol details
// (QoS, reconnection) belong to the backends.
package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Handler receives one inbound message. Handlers run on the backend's
// receive goroutine and must not block; the broker's handler only routes
// and enqueues.
type Handler func(topic string, payload []byte)

type Transport interface {
	Subscribe(pattern string, h Handler) error
	Publish(topic string, payload []byte) error
	Close() error
}

// Config controls transport construction.
type Config struct {
	Mode         string
	MQTTURL      string
	MQTTQoS      byte
	MQTTClientID string
	WSURL        string
}

func New(cfg Config, logger zerolog.Logger) (Transport, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "mqtt", "":
		if strings.TrimSpace(cfg.MQTTURL) == "" {
			return nil, errors.New("mqtt broker URL is required for mqtt transport")
		}
		return NewMQTT(cfg.MQTTURL, cfg.MQTTClientID, cfg.MQTTQoS, logger)
	case "ws":
		if strings.TrimSpace(cfg.WSURL) == "" {
			return nil, errors.New("relay URL is required for ws transport")
		}
		return NewWSBridge(cfg.WSURL, logger)
	case "inproc":
		return NewBus(), nil
	default:
		return nil, fmt.Errorf("unsupported transport mode %q", cfg.Mode)
	}
}

// MatchTopic reports whether topic matches pattern under MQTT wildcard
// rules: "+" matches one segment, a trailing "#" matches the rest.
func MatchTopic(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
