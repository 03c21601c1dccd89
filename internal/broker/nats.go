package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSBus carries fan-out frames over core NATS subjects. It only implements
// Bus; counters and flags stay in the configured KV.
type NATSBus struct {
	nc *nats.Conn
}

// DialNATS connects with retry, waiting for the server to come up.
func DialNATS(url, name string) (*NATSBus, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			return &NATSBus{nc: nc}, nil
		}
		log.Info().Err(err).Int("attempt", attempt).Msg("waiting for nats")
		time.Sleep(time.Duration(500+attempt*200) * time.Millisecond)
	}
	return nil, fmt.Errorf("nats connect: %w", err)
}

func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) Publish(_ context.Context, channel string, payload []byte) error {
	return b.nc.Publish(channel, payload)
}

func (b *NATSBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	in := make(chan *nats.Msg, 256)
	sub, err := b.nc.ChanSubscribe(channel, in)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-in:
				select {
				case out <- m.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}
