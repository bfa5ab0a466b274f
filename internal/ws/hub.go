package ws

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"instaup/internal/metrics"
)

// 推送给客户端的事件名。
const (
	EventNewMessage  = "New Message"
	EventOnlineUsers = "getOnlineUsers"
)

// Envelope 是所有推送事件的统一格式。
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client 表示用户的一条在线连接。
type Client struct {
	ID     string
	UserID uint
	send   chan []byte
}

func newClient(userID uint, buffer int) *Client {
	return &Client{ID: uuid.NewString(), UserID: userID, send: make(chan []byte, buffer)}
}

// Hub 是在线状态表：每个用户最多一条连接，以最近注册的为准。
// 所有修改和推送都在 mu 下进行，同一用户的事件按调用顺序发出。
type Hub struct {
	mu      sync.Mutex
	clients map[uint]*Client
}

func NewHub() *Hub { return &Hub{clients: make(map[uint]*Client)} }

// Register 把 c 记为用户当前连接并替换旧连接，旧连接不关闭但不再收到推送。
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.UserID]; ok && old.ID != c.ID {
		log.Debug().Uint("user_id", c.UserID).Str("conn_id", old.ID).Msg("presence replaced")
	}
	h.clients[c.UserID] = c
	h.broadcastOnlineLocked()
}

// Unregister 仅当 connID 仍是当前连接时移除用户，返回是否有移除。
// 过期的 id 不做任何修改也不广播。
func (h *Hub) Unregister(userID uint, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.clients[userID]
	if !ok || cur.ID != connID {
		return false
	}
	delete(h.clients, userID)
	h.broadcastOnlineLocked()
	return true
}

// Deliver 向用户当前连接推送事件，不阻塞也不报错。
// 用户离线或发送缓冲已满时直接丢弃。
func (h *Hub) Deliver(userID uint, event string, data any) bool {
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode event")
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[userID]
	if !ok {
		metrics.EventsDropped.WithLabelValues(event).Inc()
		return false
	}
	select {
	case c.send <- b:
		metrics.EventsDelivered.WithLabelValues(event).Inc()
		return true
	default:
		metrics.EventsDropped.WithLabelValues(event).Inc()
		log.Warn().Uint("user_id", userID).Str("event", event).Msg("connection saturated, event dropped")
		return false
	}
}

// Online 按升序返回在线用户 id。
func (h *Hub) Online() []uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked()
}

// Connection 返回用户当前连接的 id。
func (h *Hub) Connection(userID uint) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[userID]
	if !ok {
		return "", false
	}
	return c.ID, true
}

func (h *Hub) onlineLocked() []uint {
	ids := make([]uint, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) broadcastOnlineLocked() {
	b, err := json.Marshal(Envelope{Event: EventOnlineUsers, Data: h.onlineLocked()})
	if err != nil {
		return
	}
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			metrics.EventsDropped.WithLabelValues(EventOnlineUsers).Inc()
		}
	}
}
