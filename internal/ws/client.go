package ws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/audit"
	"chatcore/internal/auth"
	"chatcore/internal/event"
	"chatcore/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	closeWait  = time.Second
	pingPeriod = 30 * time.Second
	fanoutWait = 10 * time.Second
)

// Liveness is a connection's heartbeat state.
type Liveness int

const (
	Alive Liveness = iota
	Stale
)

func (l Liveness) String() string {
	if l == Stale {
		return "stale"
	}
	return "alive"
}

// Client 是 arena 中的一条连接记录。identity 在连接生命周期内不可变。
type Client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	gw       *Gateway

	// chats is guarded by the hub's lock.
	chats map[uint]struct{}

	lastBeat atomic.Int64
	writeMu  sync.Mutex
	closing  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	downOnce sync.Once
}

func newClient(gw *Gateway, conn *websocket.Conn, id string, identity auth.Identity) *Client {
	c := &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, gw.opts.MaxQueueDepth),
		gw:       gw,
		chats:    make(map[uint]struct{}),
		done:     make(chan struct{}),
	}
	c.beat(gw.Now())
	return c
}

func (c *Client) ID() string              { return c.id }
func (c *Client) Identity() auth.Identity { return c.identity }

func (c *Client) beat(now time.Time) { c.lastBeat.Store(now.UnixNano()) }

func (c *Client) LastHeartbeat() time.Time { return time.Unix(0, c.lastBeat.Load()) }

func (c *Client) Liveness(now time.Time, timeout time.Duration) Liveness {
	if now.Sub(c.LastHeartbeat()) > timeout {
		return Stale
	}
	return Alive
}

// enqueue 把一帧放入发送队列。队列已满时发送 BACKPRESSURE_OVERLOAD 并强制断开，不让队列无限增长。
func (c *Client) enqueue(payload []byte) bool {
	if c.closing.Load() {
		return false
	}
	if len(c.send) >= cap(c.send) {
		c.forceClose(apperr.ErrBackpressure, "backpressure")
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.forceClose(apperr.ErrBackpressure, "backpressure")
		return false
	}
}

func (c *Client) sendEvent(ev event.Outbound) bool {
	b, err := event.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Event()).Msg("encode outbound")
		return false
	}
	return c.enqueue(b)
}

func (c *Client) sendError(err error) {
	c.sendEvent(event.ErrorFrom(err))
}

// forceClose 标记连接关闭并在后台写出错误帧、关闭连接，调用方不会被慢连接阻塞；清理由读协程完成。
// 连接已在关闭时返回 false。
func (c *Client) forceClose(cause error, reason string) bool {
	if !c.closing.CompareAndSwap(false, true) {
		return false
	}
	frame, encErr := event.Encode(event.ErrorFrom(cause))
	metrics.ForcedDisconnects.WithLabelValues(reason).Inc()
	log.Info().Str("conn_id", c.id).Uint("user_id", c.identity.UserID).Str("reason", reason).Msg("force close connection")
	c.gw.audit.Emit(context.Background(), audit.Event{
		Type:      audit.TypeForcedClose,
		UserID:    c.identity.UserID,
		SessionID: c.identity.SessionID,
		Detail:    reason,
	})
	go func() {
		if encErr == nil {
			_ = c.writeWithin(websocket.TextMessage, frame, closeWait)
		}
		c.stop()
	}()
	return true
}

func (c *Client) write(kind int, data []byte) error {
	return c.writeWithin(kind, data, writeWait)
}

func (c *Client) writeWithin(kind int, data []byte, d time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	return c.conn.WriteMessage(kind, data)
}

// stop 关闭写协程与底层连接，可重复调用。
func (c *Client) stop() {
	c.stopOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

// teardown 无论由何种原因触发都只执行一次：停止写协程，离开所有房间，释放在线计数并移出 arena。
func (c *Client) teardown() {
	c.downOnce.Do(func() {
		c.stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, chatID := range c.gw.hub.unregister(c) {
			if err := c.gw.pipe.Left(ctx, chatID, c.identity.UserID); err != nil {
				log.Warn().Err(err).Str("conn_id", c.id).Uint("chat_id", chatID).Msg("leave room counter")
			}
		}
		c.gw.presence.Disconnect(ctx, c.identity.UserID)
		metrics.WsConnections.Dec()
		log.Debug().Str("conn_id", c.id).Uint("user_id", c.identity.UserID).Msg("connection closed")
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.teardown()
	c.conn.SetReadLimit(c.gw.opts.MaxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("read")
			}
			return
		}
		c.handle(ctx, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.stop()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		}
	}
}

// handle 串行处理一条入站帧。处理过程中的 panic 只报告给该连接，不会终止连接。
func (c *Client) handle(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("conn_id", c.id).Msg("handle inbound frame")
			c.sendError(apperr.SendFailed(fmt.Errorf("panic: %v", r)))
		}
	}()

	in, err := event.Decode(data)
	if err != nil {
		c.sendError(err)
		return
	}
	gw := c.gw
	switch m := in.(type) {
	case event.Heartbeat:
		now := gw.Now()
		c.beat(now)
		gw.presence.Heartbeat(ctx, c.identity.UserID)
		c.sendEvent(event.HeartbeatAck{ServerTime: now.UTC()})
	case event.Join:
		if err := gw.pipe.AuthorizeJoin(ctx, c.identity.UserID, m.ChatID); err != nil {
			c.sendEvent(event.JoinAck{ChatID: m.ChatID, OK: false})
			c.sendError(err)
			return
		}
		if gw.hub.join(c, m.ChatID) {
			if err := gw.pipe.Joined(ctx, m.ChatID, c.identity.UserID); err != nil {
				log.Warn().Err(err).Str("conn_id", c.id).Uint("chat_id", m.ChatID).Msg("join room counter")
			}
		}
		c.sendEvent(event.JoinAck{ChatID: m.ChatID, OK: true})
	case event.Typing:
		if err := gw.pipe.Typing(ctx, c.identity, m, c.id); err != nil {
			c.sendError(err)
		}
	case event.Send:
		res, err := gw.pipe.Accept(ctx, c.identity, m.Raw)
		if err != nil {
			c.sendError(err)
			return
		}
		// 消息已持久化，确认帧投递失败也必须继续分发给其他成员。
		acked := c.sendEvent(res.Ack())
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fanoutWait)
		err = gw.pipe.Fanout(fctx, c.identity, res)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("conn_id", c.id).Uint("message_id", res.Envelope.ID).Msg("fan-out")
			if acked {
				c.sendError(err)
			}
		}
	case event.Seen:
		if _, err := gw.pipe.Seen(ctx, c.identity, m); err != nil {
			c.sendError(err)
		}
	}
}
