package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	relayWriteTimeout = 10 * time.Second
	relayRedialWait   = 2 * time.Second
	relayMaxRedials   = 30
)

// RelayTransport replicates deltas through a stationrelay websocket hub.
// The relay fans every message out to all other connected peers.
type RelayTransport struct {
	url string

	mu   sync.Mutex // guards conn across writes and redials
	conn *websocket.Conn

	deltas    chan Delta
	done      chan struct{}
	closeOnce sync.Once
}

// NewRelayTransport dials the relay and starts the read loop.
func NewRelayTransport(url string) (*RelayTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	t := &RelayTransport{
		url:    url,
		conn:   conn,
		deltas: make(chan Delta, deltaChannelBufferSize),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	log.Info().Str("url", url).Msg("relay sync transport ready")
	return t, nil
}

func (t *RelayTransport) readLoop() {
	redials := 0
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		_, b, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			redials++
			if redials > relayMaxRedials {
				log.Error().Err(err).Int("redials", redials-1).Msg("relay connection lost for good")
				return
			}
			log.Warn().Err(err).Int("attempt", redials).Msg("relay read failed, redialing")
			if !t.redial() {
				return
			}
			continue
		}
		redials = 0

		var d Delta
		if err := json.Unmarshal(b, &d); err != nil {
			log.Error().Err(err).Msg("malformed delta envelope from relay")
			continue
		}
		select {
		case t.deltas <- d:
		case <-t.done:
			return
		}
	}
}

// redial replaces the connection after a wait. Returns false when the
// transport was closed while waiting.
func (t *RelayTransport) redial() bool {
	select {
	case <-t.done:
		return false
	case <-time.After(relayRedialWait):
	}
	conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
	if err != nil {
		log.Warn().Err(err).Str("url", t.url).Msg("relay redial failed")
		return true // count against relayMaxRedials on the next read error
	}
	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	old.Close()
	log.Info().Str("url", t.url).Msg("relay reconnected")
	return true
}

// Broadcast writes the delta envelope to the relay.
func (t *RelayTransport) Broadcast(ctx context.Context, d Delta) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

// Deltas yields deltas fanned out by the relay from other peers.
func (t *RelayTransport) Deltas() <-chan Delta { return t.deltas }

// Close tears down the websocket.
func (t *RelayTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		defer t.mu.Unlock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.conn.Close()
	})
	return nil
}
