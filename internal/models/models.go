package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAdmin     = "admin"
	RoleModerator = "moderator"

	DefaultBio = "Hey there! I am using InstaUp."
)

// Media 是一个已上传对象：公开 URL 以及删除时需要的 key。
type Media struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// MediaList 以 JSON 列的形式内联存储。
type MediaList = datatypes.JSONSlice[Media]

type User struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Name              string     `gorm:"size:128;not null" json:"name"`
	Username          string     `gorm:"size:32;index" json:"username"`
	Bio               string     `gorm:"size:256" json:"bio"`
	Email             string     `gorm:"uniqueIndex;size:254;not null" json:"email"`
	PasswordHash      string     `json:"-"`
	VerifyOTP         string     `gorm:"size:16" json:"-"`
	VerifyOTPExpireAt *time.Time `json:"-"`
	IsAccountVerified bool       `gorm:"not null;default:false" json:"is_account_verified"`
	ResetOTP          string     `gorm:"size:64" json:"-"`
	ResetOTPExpireAt  *time.Time `json:"-"`
	ResetOTPVerified  bool       `gorm:"not null;default:false" json:"-"`
	GoogleID          string     `gorm:"size:64;index" json:"-"`
	Avatar            string     `json:"avatar"`
	ProfilePicture    string     `json:"profile_picture"`
	ProfilePictureKey string     `json:"-"`
	CoverPicture      string     `json:"cover_picture"`
	CoverPictureKey   string     `json:"-"`
	Location          string     `gorm:"size:128" json:"location"`
	IsPrivate         bool       `gorm:"not null;default:false" json:"is_private"`
	Role              string     `gorm:"size:16;not null;default:user" json:"role"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Follow 是已建立的关注关系：FollowerID 关注 FollowingID。
type Follow struct {
	FollowerID  uint `gorm:"primaryKey;autoIncrement:false"`
	FollowingID uint `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt   time.Time
}

// FollowRequest 是对私密账号的待处理关注申请。
type FollowRequest struct {
	RequesterID uint `gorm:"primaryKey;autoIncrement:false"`
	TargetID    uint `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt   time.Time
}

const (
	ContentText          = "text"
	ContentImage         = "image"
	ContentTextWithImage = "text_with_image"
)

type Post struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Content   string    `gorm:"type:text" json:"content"`
	Images    MediaList `json:"image_urls"`
	PostType  string    `gorm:"size:32;not null" json:"post_type"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PostLike struct {
	PostID    uint `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
}

type PostComment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PostID    uint      `gorm:"index;not null" json:"post_id"`
	UserID    uint      `gorm:"not null" json:"user_id"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Story struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Content   string    `gorm:"type:text" json:"content"`
	BgColor   string    `gorm:"size:32" json:"bg_color"`
	Images    MediaList `json:"image_urls"`
	StoryType string    `gorm:"size:32;not null" json:"story_type"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StoryLike struct {
	StoryID   uint `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
}

type StoryView struct {
	StoryID   uint `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
}

// Message 是私聊消息，创建后只有 Seen 会变化。
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SenderID   uint      `gorm:"index:idx_msg_pair,priority:1;not null" json:"sender_id"`
	ReceiverID uint      `gorm:"index:idx_msg_pair,priority:2;not null" json:"receiver_id"`
	Text       string    `gorm:"type:text" json:"text"`
	Images     MediaList `json:"image_urls"`
	Seen       bool      `gorm:"not null;default:false" json:"seen"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// All 按迁移顺序列出本包的全部模型。
func All() []any {
	return []any{
		&User{}, &Follow{}, &FollowRequest{},
		&Post{}, &PostLike{}, &PostComment{},
		&Story{}, &StoryLike{}, &StoryView{},
		&Message{},
	}
}
