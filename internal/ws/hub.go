package ws

import (
	"context"
	"sync"

	"chatcore/internal/apperr"
	"chatcore/internal/event"
	"chatcore/internal/fanout"
)

// Hub 是本实例的连接 arena：连接 id 到 Client 的映射，以及本地房间成员表。
// 加入房间只影响本实例；房间广播经 fan-out bridge 到达所有实例。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	bridge *fanout.Bridge
}

func NewHub(bridge *fanout.Bridge) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		bridge:  bridge,
	}
}

// Start 订阅 fan-out 总线，把每一帧投递给本地连接。
func (h *Hub) Start(ctx context.Context) error {
	return h.bridge.Start(ctx, h.deliver)
}

// Broadcast 向房间内所有实例上的连接广播事件，room 为空表示全部连接。
func (h *Hub) Broadcast(ctx context.Context, room string, ev event.Outbound, exceptConn string) error {
	payload, err := event.Encode(ev)
	if err != nil {
		return err
	}
	return h.bridge.Publish(ctx, fanout.Frame{Room: room, Payload: payload, ExceptConn: exceptConn})
}

func (h *Hub) BroadcastAll(ctx context.Context, ev event.Outbound) error {
	return h.Broadcast(ctx, "", ev, "")
}

// KickSession 关闭所有实例上属于该会话的连接。
func (h *Hub) KickSession(ctx context.Context, sessionID string) error {
	return h.bridge.Publish(ctx, fanout.Frame{KickSession: sessionID})
}

func (h *Hub) deliver(f fanout.Frame) {
	if f.KickSession != "" {
		for _, c := range h.snapshot() {
			if c.identity.SessionID == f.KickSession {
				c.forceClose(apperr.ErrRevoked, "session_revoked")
			}
		}
		return
	}

	var targets []*Client
	h.mu.RLock()
	if f.Room == "" {
		targets = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		targets = make([]*Client, 0, len(h.rooms[f.Room]))
		for _, c := range h.rooms[f.Room] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.id == f.ExceptConn {
			continue
		}
		c.enqueue(f.Payload)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// unregister 移除 arena 条目及其全部本地房间成员关系，返回它加入过的聊天 id。
func (h *Hub) unregister(c *Client) []uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
	chats := make([]uint, 0, len(c.chats))
	for chatID := range c.chats {
		room := event.Room(chatID)
		delete(h.rooms[room], c.id)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
		chats = append(chats, chatID)
	}
	c.chats = nil
	return chats
}

// join 返回 false 表示该连接已在房间中，或已被移出 arena。
func (h *Hub) join(c *Client, chatID uint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	if _, ok := c.chats[chatID]; ok {
		return false
	}
	c.chats[chatID] = struct{}{}
	room := event.Room(chatID)
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][c.id] = c
	return true
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Len 返回本实例当前连接数。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Online 返回本实例上加入该聊天房间的连接数。
func (h *Hub) Online(chatID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[event.Room(chatID)])
}
