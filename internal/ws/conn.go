package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"instaup/internal/auth"
	"instaup/internal/metrics"
	"instaup/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

type conn struct {
	client *Client
	ws     *websocket.Conn
	hub    *Hub
	done   chan struct{}
}

func upgrader(allowed []string) websocket.Upgrader {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return len(origins) == 0 || o == "" || origins[o]
		},
	}
}

// Serve 升级已认证的请求并为 token 对应的用户注册连接，身份只取自握手中的 JWT。
func Serve(h *Hub, db *gorm.DB, secret string, allowedOrigins []string) gin.HandlerFunc {
	up := upgrader(allowedOrigins)
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseToken(token, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}

		wsConn, err := up.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		cn := &conn{client: newClient(user.ID, sendBuffer), ws: wsConn, hub: h, done: make(chan struct{})}
		metrics.WsConnections.Inc()
		log.Debug().Uint("user_id", user.ID).Str("conn_id", cn.client.ID).Msg("ws connected")
		h.Register(cn.client)

		go cn.writePump()
		cn.readPump()
	}
}

// readPump 只用于感知断线，客户端不会通过 socket 发送业务消息。
func (c *conn) readPump() {
	defer func() {
		close(c.done)
		c.hub.Unregister(c.client.UserID, c.client.ID)
		metrics.WsConnections.Dec()
		_ = c.ws.Close()
		log.Debug().Uint("user_id", c.client.UserID).Str("conn_id", c.client.ID).Msg("ws disconnected")
	}()
	c.ws.SetReadLimit(4 << 10)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.client.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
