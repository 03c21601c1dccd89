// Package fanout relays room broadcasts between gateway instances over the
// shared bus. Every instance, including the publisher, receives each frame
// and delivers it to its own local connections.
package fanout

import (
	"context"
	"fmt"

	"chatcore/internal/broker"
	"chatcore/internal/metrics"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "chatcore:broadcast"

// Frame is the unit carried on the bus. Payload is the already-encoded client
// frame, so it is serialized once no matter how many instances deliver it.
type Frame struct {
	Origin string `cbor:"1,keyasint"`
	// Room is the target room; empty addresses every connection.
	Room       string `cbor:"2,keyasint,omitempty"`
	Payload    []byte `cbor:"3,keyasint,omitempty"`
	ExceptConn string `cbor:"4,keyasint,omitempty"`
	// KickSession asks every instance to close that session's connections.
	KickSession string `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fanout: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("fanout: CBOR decoder initialization failed: " + err.Error())
	}
}

// Bridge 把房间广播编码为 CBOR 帧并经消息总线发往所有实例。
type Bridge struct {
	bus     broker.Bus
	channel string
	origin  string
}

// NewBridge 创建总线桥接；channel 为空时使用默认频道，origin 标识本实例。
func NewBridge(bus broker.Bus, channel, origin string) *Bridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bridge{bus: bus, channel: channel, origin: origin}
}

func (b *Bridge) Origin() string { return b.origin }

// Publish 编码并发布一帧。
func (b *Bridge) Publish(ctx context.Context, f Frame) error {
	f.Origin = b.origin
	data, err := encMode.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := b.bus.Publish(ctx, b.channel, data); err != nil {
		return err
	}
	metrics.FanoutFrames.WithLabelValues("out").Inc()
	return nil
}

// Start subscribes before returning, then hands every decoded frame to
// deliver on a single goroutine until ctx is done.
func (b *Bridge) Start(ctx context.Context, deliver func(Frame)) error {
	in, err := b.bus.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	go func() {
		for data := range in {
			var f Frame
			if err := decMode.Unmarshal(data, &f); err != nil {
				log.Warn().Err(err).Str("channel", b.channel).Msg("drop malformed fan-out frame")
				continue
			}
			metrics.FanoutFrames.WithLabelValues("in").Inc()
			deliver(f)
		}
	}()
	return nil
}
