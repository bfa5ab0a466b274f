package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"instaup/internal/media"
	"instaup/internal/metrics"
	"instaup/internal/models"
	"instaup/internal/ws"
)

// Notifier 向用户的在线连接推送事件。
type Notifier interface {
	Deliver(userID uint, event string, data any) bool
}

type ChatService struct {
	db     *gorm.DB
	store  media.Store
	notify Notifier
	now    Clock
}

func NewChatService(db *gorm.DB, store media.Store, notify Notifier, now Clock) *ChatService {
	return &ChatService{db: db, store: store, notify: notify, now: orUTCNow(now)}
}

func (s *ChatService) user(ctx context.Context, id uint) (*UserSummary, error) {
	var u UserSummary
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Select("id, username, name, bio, profile_picture").
		Where("id = ?", id).Limit(1).Scan(&u)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, notFound("User not found")
	}
	return &u, nil
}

// Send 先保存消息再推送给双方。推送尽力而为，以数据库中的消息为准。
func (s *ChatService) Send(ctx context.Context, senderID, receiverID uint, text string, files []Upload) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return nil, invalid("Message is empty")
	}
	if _, err := s.user(ctx, receiverID); err != nil {
		return nil, err
	}
	images, err := putAll(ctx, s.store, folderChat, files)
	if err != nil {
		return nil, err
	}
	msg := models.Message{SenderID: senderID, ReceiverID: receiverID, Text: text, Images: images, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		dropUploads(ctx, s.store, images)
		return nil, err
	}
	metrics.MessagesTotal.Inc()

	if s.notify != nil {
		s.notify.Deliver(receiverID, ws.EventNewMessage, msg)
		if senderID != receiverID {
			s.notify.Deliver(senderID, ws.EventNewMessage, msg)
		}
	}
	return &msg, nil
}

// History 把对方发给 userID 的消息标记为已读，并按时间正序返回会话。
func (s *ChatService) History(ctx context.Context, userID, otherID uint) (*UserSummary, []models.Message, error) {
	other, err := s.user(ctx, otherID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ? AND receiver_id = ? AND seen = ?", otherID, userID, false).
		Update("seen", true).Error; err != nil {
		return nil, nil, err
	}
	msgs := []models.Message{}
	if err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userID, otherID, otherID, userID).
		Order("created_at, id").Find(&msgs).Error; err != nil {
		return nil, nil, err
	}
	return other, msgs, nil
}

// MarkSeen 把单条消息标记为已读，只有接收方可以操作。
func (s *ChatService) MarkSeen(ctx context.Context, userID, msgID uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).First(&msg, msgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("Message not found")
	}
	if err != nil {
		return nil, err
	}
	if msg.ReceiverID != userID {
		return nil, forbidden("Not authorized")
	}
	if !msg.Seen {
		if err := s.db.WithContext(ctx).Model(&msg).Update("seen", true).Error; err != nil {
			return nil, err
		}
		msg.Seen = true
	}
	return &msg, nil
}

type Preview struct {
	Message  string     `json:"message"`
	Time     *time.Time `json:"time"`
	SentByMe bool       `json:"sentByMe"`
	Seen     *bool      `json:"seen,omitempty"`
}

type ChatPreview struct {
	User    UserSummary `json:"user"`
	Preview Preview     `json:"preview"`
}

// FollowingWithPreview 列出 userID 关注的用户及与其最新的一条消息，最近的会话在前。
func (s *ChatService) FollowingWithPreview(ctx context.Context, userID uint) ([]ChatPreview, error) {
	var following []UserSummary
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Select("users.id, users.username, users.name, users.bio, users.profile_picture").
		Joins("JOIN follows ON follows.following_id = users.id").
		Where("follows.follower_id = ?", userID).Order("users.id").
		Scan(&following).Error; err != nil {
		return nil, err
	}

	out := make([]ChatPreview, 0, len(following))
	for _, u := range following {
		var last models.Message
		res := s.db.WithContext(ctx).
			Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userID, u.ID, u.ID, userID).
			Order("created_at DESC, id DESC").Limit(1).Find(&last)
		if res.Error != nil {
			return nil, res.Error
		}
		cp := ChatPreview{User: u, Preview: Preview{Message: "No messages yet"}}
		if res.RowsAffected > 0 {
			at := last.CreatedAt
			cp.Preview.Time = &at
			cp.Preview.SentByMe = last.SenderID == userID
			switch {
			case last.Text != "":
				cp.Preview.Message = last.Text
			case len(last.Images) > 0:
				cp.Preview.Message = "📷 Photo"
			default:
				cp.Preview.Message = "Unsupported message"
			}
			if cp.Preview.SentByMe {
				seen := last.Seen
				cp.Preview.Seen = &seen
			}
		}
		out = append(out, cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return previewTime(out[i]).After(previewTime(out[j]))
	})
	return out, nil
}

func previewTime(c ChatPreview) time.Time {
	if c.Preview.Time == nil {
		return time.Time{}
	}
	return *c.Preview.Time
}
