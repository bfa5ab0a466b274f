package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"instaup/internal/auth"
	"instaup/internal/config"
	"instaup/internal/db"
	"instaup/internal/jobs"
	"instaup/internal/mail"
	"instaup/internal/media"
	"instaup/internal/models"
	"instaup/internal/service"
	"instaup/internal/ws"
)

const testSecret = "router-test-secret"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	engine *gin.Engine
	db     *gorm.DB
	hub    *ws.Hub
	store  *media.Memory
	clock  *clock
	worker *jobs.Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.Memory()
	require.NoError(t, err)

	clk := &clock{t: time.Now().UTC().Truncate(time.Second)}
	cfg := config.Config{Env: "dev", JWTSecret: testSecret, TokenTTLDays: 7, ClientURL: "http://client.test"}
	queue := jobs.NewDBQueue(gdb)
	jc := jobs.NewClient(queue)
	store := media.NewMemory()
	hub := ws.NewHub()

	graph := service.NewGraphService(gdb, clk.Now)
	stories := service.NewStoryService(gdb, store, jc, 24*time.Hour, clk.Now)
	svc := Services{
		Accounts: service.NewAccountService(gdb, mail.Log{}, jc, nil,
			service.AccountConfig{JWTSecret: testSecret, TokenTTL: time.Hour, ClientURL: cfg.ClientURL}, clk.Now),
		Graph:    graph,
		Profiles: service.NewProfileService(gdb, store),
		Posts:    service.NewPostService(gdb, store, graph, clk.Now),
		Stories:  stories,
		Chat:     service.NewChatService(gdb, store, hub, clk.Now),
	}
	w := jobs.NewWorker(queue, jobs.WithClock(clk.Now))
	w.Handle(service.JobStoryExpire, stories.ExpireHandler)
	w.Handle(service.EventLoggedIn, svc.Accounts.RecordLogin)

	engine := SetupRouter(Deps{Config: cfg, DB: gdb, Hub: hub, Services: svc})
	return &env{engine: engine, db: gdb, hub: hub, store: store, clock: clk, worker: w}
}

func (e *env) user(t *testing.T, username string) (models.User, string) {
	t.Helper()
	u := models.User{Name: username, Username: username, Email: username + "@example.com", Role: models.RoleUser}
	require.NoError(t, e.db.Create(&u).Error)
	token, err := auth.GenerateToken(u.ID, u.Role, testSecret, time.Hour)
	require.NoError(t, err)
	return u, token
}

func (e *env) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func jsonReq(method, path string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartReq(t *testing.T, method, path string, fields map[string]string, field string, files ...[]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for i, f := range files {
		part, err := mw.CreateFormFile(field, "file"+string(rune('a'+i)))
		require.NoError(t, err)
		_, err = part.Write(f)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("not really a picture")...)

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	w := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestRegisterLoginAndMe(t *testing.T) {
	e := newEnv(t)

	w := e.do(jsonReq(http.MethodPost, "/api/auth/register", gin.H{"name": "Ana", "email": "ana@example.com", "password": "weak"}), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(jsonReq(http.MethodPost, "/api/auth/register", gin.H{"name": "Ana", "email": "ana@example.com", "password": "Sup3r$ecret"}), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(jsonReq(http.MethodPost, "/api/auth/register", gin.H{"name": "Ana", "email": "ana@example.com", "password": "Sup3r$ecret"}), "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(jsonReq(http.MethodPost, "/api/auth/login", gin.H{"email": "ana@example.com", "password": "nope"}), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid email or password", decode(t, w)["error"])

	w = e.do(jsonReq(http.MethodPost, "/api/auth/login", gin.H{"email": "ana@example.com", "password": "Sup3r$ecret"}), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "session cookie")
	assert.True(t, cookie.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(cookie)
	w = e.do(req, "")
	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)["user"].(map[string]any)
	assert.Equal(t, "ana@example.com", user["email"])

	e.clock.Advance(time.Minute)
	n, err := e.worker.RunOnce(req.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "login event processed")
	var stored models.User
	require.NoError(t, e.db.Where("email = ?", "ana@example.com").First(&stored).Error)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/api/auth/me", "/api/connections", "/api/post/getFeedPosts", "/api/story/getStories", "/api/chat/getFollowingUsers"} {
		w := e.do(httptest.NewRequest(http.MethodGet, path, nil), "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := e.do(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t)
	_, tok := e.user(t, "ana")
	other, otherTok := e.user(t, "ben")

	tests := []struct {
		name   string
		req    *http.Request
		token  string
		status int
		msg    string
	}{
		{"validation", jsonReq(http.MethodPost, "/api/post/addComment", gin.H{"postId": 1, "text": " "}), tok, http.StatusBadRequest, "Comment text is required"},
		{"not found", httptest.NewRequest(http.MethodGet, "/api/profile/getUserProfile/9999", nil), tok, http.StatusNotFound, "User not found"},
		{"bad id", httptest.NewRequest(http.MethodGet, "/api/post/get/abc", nil), tok, http.StatusBadRequest, "Invalid postId"},
		{"missing target", jsonReq(http.MethodPost, "/api/user/followUser", gin.H{"followid": "0"}), tok, http.StatusBadRequest, "Invalid follow request"},
		{"not following", jsonReq(http.MethodPost, "/api/user/unfollowUser", gin.H{"followid": other.ID}), tok, http.StatusBadRequest, "You are not following this user"},
		{"empty post", jsonReq(http.MethodPost, "/api/post/add", nil), otherTok, http.StatusBadRequest, "Post must have either text, image, or both"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(tc.req, tc.token)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.msg, decode(t, w)["error"])
		})
	}
}

func TestPostOwnershipIsForbidden(t *testing.T) {
	e := newEnv(t)
	_, owner := e.user(t, "ana")
	_, intruder := e.user(t, "ben")

	w := e.do(multipartReq(t, http.MethodPost, "/api/post/add", map[string]string{"content": "hello"}, "images", jpegBytes), owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	post := decode(t, w)["post"].(map[string]any)
	id := int(post["id"].(float64))
	path := "/api/post/update/" + strconv.Itoa(id)

	w = e.do(jsonReq(http.MethodPut, path, gin.H{"content": "mine now"}), intruder)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Forbidden: Not post owner", decode(t, w)["error"])

	w = e.do(jsonReq(http.MethodPut, path, gin.H{"content": "edited"}), owner)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUploadRejectsNonImage(t *testing.T) {
	e := newEnv(t)
	_, tok := e.user(t, "ana")

	w := e.do(multipartReq(t, http.MethodPut, "/api/profile/avatar", nil, "avatar", []byte("plain text, definitely not an image")), tok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Only image files are allowed", decode(t, w)["error"])
	assert.Equal(t, 0, e.store.Len())

	w = e.do(multipartReq(t, http.MethodPut, "/api/profile/avatar", nil, "avatar"), tok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No file uploaded", decode(t, w)["error"])

	w = e.do(multipartReq(t, http.MethodPut, "/api/profile/avatar", nil, "avatar", jpegBytes), tok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, e.store.Len())
}

func TestFollowPrivateAccountFlow(t *testing.T) {
	e := newEnv(t)
	_, fan := e.user(t, "fan")
	star, starTok := e.user(t, "star")
	require.NoError(t, e.db.Model(&star).Update("is_private", true).Error)

	w := e.do(jsonReq(http.MethodPost, "/api/user/followUser", gin.H{"followid": strconv.Itoa(int(star.ID))}), fan)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["requested"])

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/connections", nil), starTok)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode(t, w)["pending"].([]any)
	require.Len(t, pending, 1)
	fanID := pending[0].(map[string]any)["id"]

	w = e.do(jsonReq(http.MethodPost, "/api/connections/accept-request", gin.H{"requesterId": fanID}), starTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/profile/getUserProfile/"+strconv.Itoa(int(star.ID)), nil), fan)
	require.Equal(t, http.StatusOK, w.Code)
	profile := decode(t, w)["user"].(map[string]any)
	assert.Equal(t, true, profile["isFollowing"])
	assert.Equal(t, true, profile["postsVisible"])
}

func sendText(t *testing.T, e *env, token string, to uint, text string) float64 {
	t.Helper()
	form := url.Values{"text": {text}}
	req := httptest.NewRequest(http.MethodPost, "/api/chat/sendMsg/"+strconv.Itoa(int(to)), strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := e.do(req, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["message"].(map[string]any)["id"].(float64)
}

func TestChatDeliveredOverWebsocket(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	a, aTok := e.user(t, "ana")
	b, bTok := e.user(t, "ben")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + url.QueryEscape(bTok)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var first ws.Envelope
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, ws.EventOnlineUsers, first.Event)

	firstID := sendText(t, e, aTok, b.ID, "hi ben")

	var got ws.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, ws.EventNewMessage, got.Event)
	data := got.Data.(map[string]any)
	assert.Equal(t, firstID, data["id"])
	assert.Equal(t, "hi ben", data["text"])
	assert.Equal(t, float64(a.ID), data["sender_id"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(e.hub.Online()) == 0 }, 3*time.Second, 10*time.Millisecond)

	e.clock.Advance(time.Second)
	secondID := sendText(t, e, aTok, b.ID, "still there?")

	var stored models.Message
	require.NoError(t, e.db.First(&stored, uint(secondID)).Error)
	assert.False(t, stored.Seen)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/chat/getChat/"+strconv.Itoa(int(a.ID)), nil), bTok)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, firstID, msgs[0].(map[string]any)["id"])
	assert.Equal(t, secondID, msgs[1].(map[string]any)["id"])
}

func TestChatStoredForOfflineReceiver(t *testing.T) {
	e := newEnv(t)
	a, aTok := e.user(t, "ana")
	b, bTok := e.user(t, "ben")

	sendText(t, e, aTok, b.ID, "first")
	e.clock.Advance(time.Second)
	sendText(t, e, aTok, b.ID, "second")

	var stored []models.Message
	require.NoError(t, e.db.Order("id").Find(&stored).Error)
	require.Len(t, stored, 2)
	assert.False(t, stored[0].Seen)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/chat/getChat/"+strconv.Itoa(int(a.ID)), nil), bTok)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].(map[string]any)["text"])
	assert.Equal(t, "second", msgs[1].(map[string]any)["text"])
	assert.Equal(t, true, msgs[0].(map[string]any)["seen"], "fetching history marks incoming as seen")
}

func TestStoryExpiresThroughWorker(t *testing.T) {
	e := newEnv(t)
	_, tok := e.user(t, "ana")

	w := e.do(multipartReq(t, http.MethodPost, "/api/story/addstory", map[string]string{"content": "sunset", "bg_color": "#000"}, "image", jpegBytes, jpegBytes), tok)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, 2, e.store.Len())

	stories := func() int {
		w := e.do(httptest.NewRequest(http.MethodGet, "/api/story/getStories", nil), tok)
		require.Equal(t, http.StatusOK, w.Code)
		return int(decode(t, w)["count"].(float64))
	}

	e.clock.Advance(23*time.Hour + 59*time.Minute)
	assert.Equal(t, 1, stories())
	n, err := e.worker.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n, "expiry not due yet")

	e.clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, stories(), "outside the window even before the worker runs")
	n, err = e.worker.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int64
	require.NoError(t, e.db.Model(&models.Story{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, 0, e.store.Len())
}

