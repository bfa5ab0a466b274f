package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"instaup/internal/db"
	"instaup/internal/mail"
	"instaup/internal/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) last(t *testing.T) mail.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no mail sent")
	return f.sent[len(f.sent)-1]
}

type recordedEvent struct {
	user  uint
	event string
	data  any
}

type fakeNotifier struct {
	mu      sync.Mutex
	online  map[uint]bool
	events  []recordedEvent
	dropped int
}

func (f *fakeNotifier) Deliver(userID uint, event string, data any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		f.dropped++
		return false
	}
	f.events = append(f.events, recordedEvent{userID, event, data})
	return true
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Memory()
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return gdb
}

var userSeq struct {
	sync.Mutex
	n int
}

func mkUser(t *testing.T, gdb *gorm.DB, username string, private bool) *models.User {
	t.Helper()
	userSeq.Lock()
	userSeq.n++
	n := userSeq.n
	userSeq.Unlock()
	u := models.User{
		Name:              "User " + username,
		Username:          username,
		Email:             fmt.Sprintf("%s.%d@example.com", username, n),
		IsAccountVerified: true,
		IsPrivate:         private,
		Role:              models.RoleUser,
	}
	require.NoError(t, gdb.Create(&u).Error)
	return &u
}

func follow(t *testing.T, gdb *gorm.DB, from, to *models.User) {
	t.Helper()
	require.NoError(t, gdb.Create(&models.Follow{FollowerID: from.ID, FollowingID: to.ID}).Error)
}

func requireKind(t *testing.T, err, kind error, msg string) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, errors.Is(err, kind), "error %v is not %v", err, kind)
	if msg != "" {
		require.Equal(t, msg, err.Error())
	}
}

func jpeg(b string) Upload { return Upload{Data: []byte(b), ContentType: "image/jpeg"} }

var errWriteFailed = errors.New("write failed")

// failWrites makes every insert and update on table fail with errWriteFailed.
func failWrites(t *testing.T, gdb *gorm.DB, table string) {
	t.Helper()
	fail := func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			_ = tx.AddError(errWriteFailed)
		}
	}
	require.NoError(t, gdb.Callback().Create().Before("gorm:create").Register("test:fail_create_"+table, fail))
	require.NoError(t, gdb.Callback().Update().Before("gorm:update").Register("test:fail_update_"+table, fail))
}
