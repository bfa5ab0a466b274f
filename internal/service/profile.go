package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"instaup/internal/media"
	"instaup/internal/models"
)

// Upload 是客户端上传的单个文件。
type Upload struct {
	Data        []byte
	ContentType string
}

const (
	folderAvatars = "avatars"
	folderCovers  = "coverpicture"
	folderPosts   = "posts"
	folderStories = "stories"
	folderChat    = "chat"
)

// putAll 按顺序保存上传文件，失败时删除已保存的部分。
func putAll(ctx context.Context, store media.Store, folder string, files []Upload) (models.MediaList, error) {
	out := make(models.MediaList, 0, len(files))
	for _, f := range files {
		m, err := store.Put(ctx, f.Data, folder, f.ContentType)
		if err != nil {
			if derr := media.DeleteAll(ctx, store, out); derr != nil {
				log.Warn().Err(derr).Msg("cleanup partial upload")
			}
			return nil, fmt.Errorf("upload: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// dropUploads 在写库失败后尽力删除刚上传的文件，失败只记日志。
func dropUploads(ctx context.Context, store media.Store, items models.MediaList) {
	if err := media.DeleteAll(ctx, store, items); err != nil {
		log.Warn().Err(err).Int("count", len(items)).Msg("cleanup orphaned upload")
	}
}

type ProfileService struct {
	db    *gorm.DB
	store media.Store
}

func NewProfileService(db *gorm.DB, store media.Store) *ProfileService {
	return &ProfileService{db: db, store: store}
}

type ProfileInput struct {
	Name     string `json:"name" validate:"omitempty,min=2"`
	Username string `json:"username" validate:"omitempty,min=3,max=20,username"`
	Bio      string `json:"bio" validate:"max=160"`
	Location string `json:"location" validate:"max=100"`
}

func (s *ProfileService) load(ctx context.Context, userID uint) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).First(&u, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Update 只更新 in 中非空的字段。
func (s *ProfileService) Update(ctx context.Context, userID uint, in ProfileInput) (*models.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Username = strings.TrimSpace(in.Username)
	in.Bio = strings.TrimSpace(in.Bio)
	in.Location = strings.TrimSpace(in.Location)
	if err := check(in); err != nil {
		return nil, err
	}
	u, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != "" {
		updates["name"] = in.Name
	}
	if in.Username != "" && in.Username != u.Username {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.User{}).
			Where("username = ? AND id <> ?", in.Username, userID).Count(&n).Error; err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, conflict("Username already taken")
		}
		updates["username"] = in.Username
	}
	if in.Bio != "" {
		updates["bio"] = in.Bio
	}
	if in.Location != "" {
		updates["location"] = in.Location
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(u).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.load(ctx, userID)
}

type picture struct {
	folder, urlCol, keyCol string
	key                    func(*models.User) string
}

var (
	avatarPicture = picture{folderAvatars, "profile_picture", "profile_picture_key", func(u *models.User) string { return u.ProfilePictureKey }}
	coverPicture  = picture{folderCovers, "cover_picture", "cover_picture_key", func(u *models.User) string { return u.CoverPictureKey }}
)

// replace 删除当前图片后保存 f，f 为 nil 时只做清除。
func (s *ProfileService) replace(ctx context.Context, userID uint, p picture, f *Upload) (*models.User, error) {
	u, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if old := p.key(u); old != "" {
		if err := s.store.Delete(ctx, old); err != nil {
			return nil, fmt.Errorf("delete %s: %w", p.folder, err)
		}
	}
	updates := map[string]any{p.urlCol: "", p.keyCol: ""}
	if f != nil {
		m, err := s.store.Put(ctx, f.Data, p.folder, f.ContentType)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", p.folder, err)
		}
		updates[p.urlCol] = m.URL
		updates[p.keyCol] = m.Key
	}
	if err := s.db.WithContext(ctx).Model(u).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.load(ctx, userID)
}

func (s *ProfileService) UploadAvatar(ctx context.Context, userID uint, f Upload) (*models.User, error) {
	return s.replace(ctx, userID, avatarPicture, &f)
}

func (s *ProfileService) DeleteAvatar(ctx context.Context, userID uint) (*models.User, error) {
	return s.replace(ctx, userID, avatarPicture, nil)
}

func (s *ProfileService) UploadCover(ctx context.Context, userID uint, f Upload) (*models.User, error) {
	return s.replace(ctx, userID, coverPicture, &f)
}

func (s *ProfileService) DeleteCover(ctx context.Context, userID uint) (*models.User, error) {
	return s.replace(ctx, userID, coverPicture, nil)
}

// TogglePrivacy 在公开和私密之间切换账号。
func (s *ProfileService) TogglePrivacy(ctx context.Context, userID uint) (*models.User, error) {
	u, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	private := !u.IsPrivate
	if err := s.db.WithContext(ctx).Model(u).Update("is_private", private).Error; err != nil {
		return nil, err
	}
	u.IsPrivate = private
	return u, nil
}
