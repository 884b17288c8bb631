package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsWriteTimeout = 3 * time.Second
)

// wsFrame is the bridge's wire format: one JSON object per websocket
// message carrying the topic and the raw payload.
type wsFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// WSBridge tunnels the broker's pub/sub traffic over a single websocket
// connection to a relay, for deployments where an MQTT broker is not
// reachable. A single writer goroutine owns the connection's write side.
type WSBridge struct {
	conn *websocket.Conn
	log  zerolog.Logger

	out  chan wsFrame
	done chan struct{}

	mu     sync.Mutex
	subs   []busSub
	closed bool
}

func NewWSBridge(relayURL string, logger zerolog.Logger) (*WSBridge, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.Dial(relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", relayURL, err)
	}

	b := &WSBridge{
		conn: conn,
		log:  logger,
		out:  make(chan wsFrame, 64),
		done: make(chan struct{}),
	}
	go b.writeLoop()
	go b.readLoop()
	return b, nil
}

func (b *WSBridge) Subscribe(pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("ws bridge is closed")
	}
	b.subs = append(b.subs, busSub{pattern: pattern, handler: h})
	return nil
}

func (b *WSBridge) Publish(topic string, payload []byte) error {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		raw = json.RawMessage(strconv.Quote(string(payload)))
	}
	select {
	case b.out <- wsFrame{Topic: topic, Payload: raw}:
		return nil
	case <-b.done:
		return errors.New("ws bridge is closed")
	}
}

func (b *WSBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	return b.conn.Close()
}

func (b *WSBridge) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case frame := <-b.out:
			b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := b.conn.WriteJSON(frame); err != nil {
				b.log.Error().Err(err).Str("topic", frame.Topic).Msg("ws publish failed")
			}
		}
	}
}

func (b *WSBridge) readLoop() {
	for {
		var frame wsFrame
		if err := b.conn.ReadJSON(&frame); err != nil {
			select {
			case <-b.done:
			default:
				b.log.Warn().Err(err).Msg("ws read loop ended")
			}
			return
		}

		b.mu.Lock()
		matched := make([]Handler, 0, 2)
		for _, sub := range b.subs {
			if MatchTopic(sub.pattern, frame.Topic) {
				matched = append(matched, sub.handler)
			}
		}
		b.mu.Unlock()

		for _, h := range matched {
			h(frame.Topic, frame.Payload)
		}
	}
}
