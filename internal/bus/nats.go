package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "sentinel."

// natsSubChanSize bounds the per-subscription delivery channel. NATS drops
// for a subscriber that falls this far behind; delivery is at-least-once
// across reconnects, so consumers dedupe by alert id.
const natsSubChanSize = 1024

// NATSBus is the durable backend: messages travel over a shared NATS
// deployment, surviving process restarts and fanning out across instances.
// Ordering is per-publisher-per-topic best effort only.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSBus connects to the given NATS URL with retry-on-reconnect
// behaviour so a broker outage never crashes the process.
func NewNATSBus(url string, logger *slog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSBus{nc: nc, logger: logger}, nil
}

// Publish sends the message on the prefixed subject.
func (b *NATSBus) Publish(topic string, data []byte) error {
	if err := b.nc.Publish(subjectPrefix+topic, data); err != nil {
		return fmt.Errorf("nats publish on %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a channel subscription on the prefixed subject.
func (b *NATSBus) Subscribe(topic string) (Subscription, error) {
	ch := make(chan *nats.Msg, natsSubChanSize)
	sub, err := b.nc.ChanSubscribe(subjectPrefix+topic, ch)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe on %s: %w", topic, err)
	}
	return &natsSub{sub: sub, ch: ch}, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

func (s *natsSub) Receive(timeout time.Duration) ([]byte, bool) {
	select {
	case msg, open := <-s.ch:
		if !open {
			return nil, false
		}
		return msg.Data, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
