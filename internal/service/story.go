package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"instaup/internal/jobs"
	"instaup/internal/media"
	"instaup/internal/metrics"
	"instaup/internal/models"
)

// JobStoryExpire 是在 story 到期后删除它的任务。
const JobStoryExpire = "story.expire"

type ExpirePayload struct {
	StoryID uint `json:"story_id"`
}

type StoryService struct {
	db    *gorm.DB
	store media.Store
	jobs  *jobs.Client
	ttl   time.Duration
	now   Clock
}

func NewStoryService(db *gorm.DB, store media.Store, jc *jobs.Client, ttl time.Duration, now Clock) *StoryService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StoryService{db: db, store: store, jobs: jc, ttl: ttl, now: orUTCNow(now)}
}

type StoryInput struct {
	Content string
	BgColor string
	Files   []Upload
}

// StoryView 是附带作者和当前用户点赞状态的 story。
type StoryView struct {
	models.Story
	Author     UserSummary `json:"user"`
	LikesCount int64       `json:"likesCount"`
	Liked      bool        `json:"liked"`
}

// Create 保存 story 并调度过期任务。调度失败时 story 仍然有效，由定时清扫兜底删除。
func (s *StoryService) Create(ctx context.Context, userID uint, in StoryInput) (*models.Story, error) {
	in.Content = strings.TrimSpace(in.Content)
	typ := contentType(in.Content, len(in.Files))
	if typ == "" {
		return nil, invalid("Story must have either text, image, or both")
	}
	images, err := putAll(ctx, s.store, folderStories, in.Files)
	if err != nil {
		return nil, err
	}
	now := s.now()
	story := models.Story{
		UserID:    userID,
		Content:   in.Content,
		BgColor:   in.BgColor,
		Images:    images,
		StoryType: typ,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&story).Error; err != nil {
		dropUploads(ctx, s.store, images)
		return nil, err
	}
	if s.jobs != nil {
		if _, err := s.jobs.Schedule(ctx, JobStoryExpire, story.CreatedAt.Add(s.ttl), ExpirePayload{StoryID: story.ID}); err != nil {
			log.Error().Err(err).Uint("story_id", story.ID).Msg("schedule story expiry")
		}
	}
	return &story, nil
}

// Feed 列出当前用户及其关注者未过期的 story，最新的在前。
func (s *StoryService) Feed(ctx context.Context, viewerID uint) ([]StoryView, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Follow{}).
		Where("follower_id = ?", viewerID).Pluck("following_id", &ids).Error; err != nil {
		return nil, err
	}
	ids = append(ids, viewerID)

	var stories []models.Story
	if err := s.db.WithContext(ctx).
		Where("user_id IN ? AND created_at >= ?", ids, s.now().Add(-s.ttl)).
		Order("created_at DESC, id DESC").Find(&stories).Error; err != nil {
		return nil, err
	}
	out := make([]StoryView, 0, len(stories))
	if len(stories) == 0 {
		return out, nil
	}

	storyIDs := make([]uint, len(stories))
	for i, st := range stories {
		storyIDs[i] = st.ID
	}
	var authors []UserSummary
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Select("id, username, name, bio, profile_picture").
		Where("id IN ?", ids).Scan(&authors).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]UserSummary, len(authors))
	for _, a := range authors {
		byID[a.ID] = a
	}
	var counts []idCount
	if err := s.db.WithContext(ctx).Model(&models.StoryLike{}).
		Select("story_id AS id, COUNT(*) AS n").Where("story_id IN ?", storyIDs).
		Group("story_id").Scan(&counts).Error; err != nil {
		return nil, err
	}
	likes := make(map[uint]int64, len(counts))
	for _, c := range counts {
		likes[c.ID] = c.N
	}
	var mine []uint
	if err := s.db.WithContext(ctx).Model(&models.StoryLike{}).
		Where("user_id = ? AND story_id IN ?", viewerID, storyIDs).Pluck("story_id", &mine).Error; err != nil {
		return nil, err
	}
	liked := make(map[uint]bool, len(mine))
	for _, id := range mine {
		liked[id] = true
	}

	for _, st := range stories {
		out = append(out, StoryView{Story: st, Author: byID[st.UserID], LikesCount: likes[st.ID], Liked: liked[st.ID]})
	}
	return out, nil
}

func (s *StoryService) load(ctx context.Context, storyID uint) (*models.Story, error) {
	var st models.Story
	err := s.db.WithContext(ctx).First(&st, storyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("Story not found")
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ToggleLike 点赞或取消点赞，返回新的点赞数。
func (s *StoryService) ToggleLike(ctx context.Context, userID, storyID uint) (liked bool, likes int64, err error) {
	if _, err := s.load(ctx, storyID); err != nil {
		return false, 0, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("story_id = ? AND user_id = ?", storyID, userID).Delete(&models.StoryLike{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			like := models.StoryLike{StoryID: storyID, UserID: userID, CreatedAt: s.now()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&like).Error; err != nil {
				return err
			}
			liked = true
		}
		return tx.Model(&models.StoryLike{}).Where("story_id = ?", storyID).Count(&likes).Error
	})
	return liked, likes, err
}

// View 记录一次浏览（同一用户只记一次），按浏览顺序返回除作者外的浏览者。
func (s *StoryService) View(ctx context.Context, userID, storyID uint) ([]UserSummary, error) {
	st, err := s.load(ctx, storyID)
	if err != nil {
		return nil, err
	}
	v := models.StoryView{StoryID: storyID, UserID: userID, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&v).Error; err != nil {
		return nil, err
	}
	viewers := []UserSummary{}
	err = s.db.WithContext(ctx).Model(&models.User{}).
		Select("users.id, users.username, users.name, users.bio, users.profile_picture").
		Joins("JOIN story_views ON story_views.user_id = users.id").
		Where("story_views.story_id = ? AND users.id <> ?", storyID, st.UserID).
		Order("story_views.created_at, users.id").
		Scan(&viewers).Error
	return viewers, err
}

// Delete 允许作者提前删除 story，之后的过期任务找不到记录也视为成功。
func (s *StoryService) Delete(ctx context.Context, userID, storyID uint) error {
	st, err := s.load(ctx, storyID)
	if err != nil {
		return err
	}
	if st.UserID != userID {
		return forbidden("Forbidden: Not story owner")
	}
	return s.remove(ctx, st)
}

func (s *StoryService) remove(ctx context.Context, st *models.Story) error {
	if err := media.DeleteAll(ctx, s.store, st.Images); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("story_id = ?", st.ID).Delete(&models.StoryLike{}).Error; err != nil {
			return err
		}
		if err := tx.Where("story_id = ?", st.ID).Delete(&models.StoryView{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Story{}, st.ID).Error
	})
}

// Expire 删除 story 及其图片。已不存在的 story 视为已过期，可重复执行。
func (s *StoryService) Expire(ctx context.Context, storyID uint) error {
	var st models.Story
	err := s.db.WithContext(ctx).First(&st, storyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Debug().Uint("story_id", storyID).Msg("story already gone")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.remove(ctx, &st); err != nil {
		return err
	}
	metrics.StoriesExpired.Inc()
	log.Info().Uint("story_id", storyID).Int("media", len(st.Images)).Msg("story expired")
	return nil
}

// ExpireHandler 按 JobStoryExpire 的 payload 执行 Expire。
func (s *StoryService) ExpireHandler(ctx context.Context, payload []byte) error {
	p, err := jobs.Decode[ExpirePayload](payload)
	if err != nil {
		return err
	}
	return s.Expire(ctx, p.StoryID)
}

// SweepExpired 删除所有已过期但仍存在的 story，返回删除数量，失败的留给下次清扫。
func (s *StoryService) SweepExpired(ctx context.Context) (int, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Story{}).
		Where("created_at <= ?", s.now().Add(-s.ttl)).Order("id").
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	var (
		n     int
		first error
	)
	for _, id := range ids {
		if err := s.Expire(ctx, id); err != nil {
			log.Warn().Err(err).Uint("story_id", id).Msg("sweep story")
			if first == nil {
				first = err
			}
			continue
		}
		n++
	}
	return n, first
}
