package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"instaup/internal/auth"
	"instaup/internal/db"
	"instaup/internal/models"
)

func drain(c *Client) []Envelope {
	var out []Envelope
	for {
		select {
		case b := <-c.send:
			var e Envelope
			json.Unmarshal(b, &e)
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHub_RegisterLastConnectionWins(t *testing.T) {
	h := NewHub()
	c1 := newClient(7, 8)
	c2 := newClient(7, 8)

	h.Register(c1)
	h.Register(c2)

	if got := h.Online(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("Online() = %v, want [7]", got)
	}
	if id, _ := h.Connection(7); id != c2.ID {
		t.Errorf("Connection(7) = %s, want %s", id, c2.ID)
	}

	drain(c1)
	h.Deliver(7, EventNewMessage, "hi")
	if got := drain(c1); len(got) != 0 {
		t.Errorf("replaced connection received %v", got)
	}
}

func TestHub_UnregisterStaleIsNoop(t *testing.T) {
	h := NewHub()
	c1 := newClient(7, 8)
	c2 := newClient(7, 8)
	watcher := newClient(9, 8)
	h.Register(watcher)
	h.Register(c1)
	h.Register(c2)
	drain(watcher)

	if h.Unregister(7, c1.ID) {
		t.Error("Unregister() with stale id reported removal")
	}
	if id, ok := h.Connection(7); !ok || id != c2.ID {
		t.Errorf("entry after stale unregister = %q, %v", id, ok)
	}
	if got := drain(watcher); len(got) != 0 {
		t.Errorf("stale unregister broadcast %v", got)
	}

	if !h.Unregister(7, c2.ID) {
		t.Error("Unregister() with current id did not remove")
	}
	got := drain(watcher)
	if len(got) != 1 || got[0].Event != EventOnlineUsers {
		t.Fatalf("broadcast after unregister = %v", got)
	}
	if ids, _ := got[0].Data.([]any); len(ids) != 1 || ids[0] != float64(9) {
		t.Errorf("online users = %v, want [9]", got[0].Data)
	}
}

func TestHub_RegisterBroadcastsOrderedOnlineSet(t *testing.T) {
	h := NewHub()
	a := newClient(5, 8)
	b := newClient(2, 8)
	h.Register(a)
	h.Register(b)

	evts := drain(a)
	if len(evts) != 2 {
		t.Fatalf("events = %v, want 2 broadcasts", evts)
	}
	last, _ := json.Marshal(evts[1].Data)
	if string(last) != "[2,5]" {
		t.Errorf("online set = %s, want [2,5]", last)
	}
}

func TestHub_DeliverAbsentUser(t *testing.T) {
	h := NewHub()
	if h.Deliver(42, EventNewMessage, map[string]int{"id": 1}) {
		t.Error("Deliver() to absent user reported delivery")
	}
}

func TestHub_DeliverPreservesOrderPerUser(t *testing.T) {
	h := NewHub()
	c := newClient(1, 32)
	h.Register(c)
	drain(c)

	for i := 0; i < 10; i++ {
		h.Deliver(1, EventNewMessage, i)
	}
	got := drain(c)
	if len(got) != 10 {
		t.Fatalf("got %d events, want 10", len(got))
	}
	for i, e := range got {
		if e.Event != EventNewMessage || e.Data != float64(i) {
			t.Errorf("event %d = %+v", i, e)
		}
	}
}

func TestHub_DeliverDropsWhenSaturated(t *testing.T) {
	h := NewHub()
	c := newClient(1, 1)
	h.Register(c) // fills the single slot with getOnlineUsers

	done := make(chan bool)
	go func() { done <- h.Deliver(1, EventNewMessage, "x") }()
	select {
	case ok := <-done:
		if ok {
			t.Error("Deliver() to full buffer reported delivery")
		}
	case <-time.After(time.Second):
		t.Fatal("Deliver() blocked on a saturated connection")
	}
}

func TestHub_ConcurrentRegisterKeepsOneEntryPerUser(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	clients := make([]*Client, 50)
	for i := range clients {
		clients[i] = newClient(uint(i%5), 256)
	}
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			h.Register(c)
			h.Deliver(c.UserID, EventNewMessage, "x")
			h.Unregister(c.UserID, "stale")
		}(c)
	}
	wg.Wait()

	if got := h.Online(); len(got) != 5 {
		t.Errorf("Online() = %v, want 5 users", got)
	}
}

func TestServe_HandshakeAndDelivery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gdb, err := db.Memory()
	if err != nil {
		t.Fatalf("db.Memory() error = %v", err)
	}
	user := models.User{Name: "Bo", Email: "bo@example.com", Role: models.RoleUser}
	gdb.Create(&user)
	const secret = "s"
	token, _ := auth.GenerateToken(user.ID, user.Role, secret, time.Hour)

	h := NewHub()
	r := gin.New()
	r.GET("/ws", Serve(h, gdb, secret, nil))
	srv := httptest.NewServer(r)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Envelope
	if err := conn.ReadJSON(&first); err != nil || first.Event != EventOnlineUsers {
		t.Fatalf("first event = %+v, err %v", first, err)
	}

	h.Deliver(user.ID, EventNewMessage, map[string]any{"id": 99})
	var msg Envelope
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != EventNewMessage || fmt.Sprint(msg.Data.(map[string]any)["id"]) != "99" {
		t.Errorf("event = %+v", msg)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.Online()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("user still online after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
