package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	natsMaxReconnects      = -1 // keep trying, peers are intermittently connected
	natsReconnectWait      = 2 * time.Second
	deltaChannelBufferSize = 256
)

// NATSTransport replicates deltas over a shared NATS subject.
type NATSTransport struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	deltas  chan Delta
}

// NewNATSTransport connects to NATS and subscribes to the sync subject.
func NewNATSTransport(url, subject string) (*NATSTransport, error) {
	opts := []nats.Option{
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	t := &NATSTransport{
		nc:      nc,
		subject: subject,
		deltas:  make(chan Delta, deltaChannelBufferSize),
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var d Delta
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed delta envelope")
			return
		}
		select {
		case t.deltas <- d:
		default:
			// Dropping is safe: the next write to the same record or the next
			// health check re-converges the replica.
			log.Warn().Str("path", d.Path).Msg("delta channel full, dropping")
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	t.sub = sub

	log.Info().Str("subject", subject).Msg("NATS sync transport ready")
	return t, nil
}

// Broadcast publishes the delta envelope to the sync subject.
func (t *NATSTransport) Broadcast(ctx context.Context, d Delta) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	return t.nc.Publish(t.subject, b)
}

// Deltas yields deltas received from the subject, own echoes included.
func (t *NATSTransport) Deltas() <-chan Delta { return t.deltas }

// Close drains the subscription and closes the connection.
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("NATS unsubscribe failed")
		}
	}
	t.nc.Close()
	return nil
}
