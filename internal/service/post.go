package service

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"instaup/internal/media"
	"instaup/internal/models"
)

// contentType 根据内容推导 post 或 story 的类型。
func contentType(text string, images int) string {
	switch {
	case text != "" && images > 0:
		return models.ContentTextWithImage
	case images > 0:
		return models.ContentImage
	case text != "":
		return models.ContentText
	}
	return ""
}

type PostService struct {
	db    *gorm.DB
	store media.Store
	graph *GraphService
	now   Clock
}

func NewPostService(db *gorm.DB, store media.Store, graph *GraphService, now Clock) *PostService {
	return &PostService{db: db, store: store, graph: graph, now: orUTCNow(now)}
}

// PostView 是附带作者和当前用户点赞状态的 post。
type PostView struct {
	models.Post
	Author     UserSummary `json:"user"`
	LikesCount int64       `json:"likesCount"`
	Liked      bool        `json:"liked"`
}

type PostDetail struct {
	PostView
	Comments []models.PostComment `json:"comments"`
}

type FeedResult struct {
	Posts      []PostView `json:"posts"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	TotalPages int        `json:"totalPages"`
}

const errEmptyPost = "Post must have either text, image, or both"

func (s *PostService) Add(ctx context.Context, userID uint, content string, files []Upload) (*models.Post, error) {
	content = strings.TrimSpace(content)
	typ := contentType(content, len(files))
	if typ == "" {
		return nil, invalid(errEmptyPost)
	}
	images, err := putAll(ctx, s.store, folderPosts, files)
	if err != nil {
		return nil, err
	}
	now := s.now()
	post := models.Post{UserID: userID, Content: content, Images: images, PostType: typ, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		dropUploads(ctx, s.store, images)
		return nil, err
	}
	return &post, nil
}

func (s *PostService) load(ctx context.Context, postID uint) (*models.Post, error) {
	var p models.Post
	err := s.db.WithContext(ctx).First(&p, postID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("Post not found")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostService) owned(ctx context.Context, userID, postID uint) (*models.Post, error) {
	p, err := s.load(ctx, postID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, forbidden("Forbidden: Not post owner")
	}
	return p, nil
}

// visible 读取 post 并检查当前用户能否查看作者的内容。
func (s *PostService) visible(ctx context.Context, viewerID, postID uint) (*models.Post, error) {
	p, err := s.load(ctx, postID)
	if err != nil {
		return nil, err
	}
	owner, err := s.graph.user(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	ok, err := s.graph.CanSee(ctx, viewerID, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, forbidden("This account is private")
	}
	return p, nil
}

// views 为 posts 补充作者和点赞状态，保持原有顺序。
func (s *PostService) views(ctx context.Context, viewerID uint, posts []models.Post) ([]PostView, error) {
	out := make([]PostView, 0, len(posts))
	if len(posts) == 0 {
		return out, nil
	}
	postIDs := make([]uint, len(posts))
	userIDs := make([]uint, 0, len(posts))
	for i, p := range posts {
		postIDs[i] = p.ID
		userIDs = append(userIDs, p.UserID)
	}

	var authors []UserSummary
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Select("id, username, name, bio, profile_picture").
		Where("id IN ?", userIDs).Scan(&authors).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]UserSummary, len(authors))
	for _, a := range authors {
		byID[a.ID] = a
	}

	var counts []idCount
	if err := s.db.WithContext(ctx).Model(&models.PostLike{}).
		Select("post_id AS id, COUNT(*) AS n").Where("post_id IN ?", postIDs).
		Group("post_id").Scan(&counts).Error; err != nil {
		return nil, err
	}
	likes := make(map[uint]int64, len(counts))
	for _, c := range counts {
		likes[c.ID] = c.N
	}
	liked, err := s.graph.pluck(ctx, &models.PostLike{}, "post_id", "user_id = ? AND post_id IN ?", viewerID, postIDs)
	if err != nil {
		return nil, err
	}

	for _, p := range posts {
		out = append(out, PostView{Post: p, Author: byID[p.UserID], LikesCount: likes[p.ID], Liked: liked[p.ID]})
	}
	return out, nil
}

// ListByUser 返回 ownerID 的 post，最新的在前。
func (s *PostService) ListByUser(ctx context.Context, viewerID, ownerID uint) ([]PostView, error) {
	owner, err := s.graph.user(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ok, err := s.graph.CanSee(ctx, viewerID, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, forbidden("This account is private")
	}
	var posts []models.Post
	if err := s.db.WithContext(ctx).Where("user_id = ?", ownerID).
		Order("created_at DESC, id DESC").Find(&posts).Error; err != nil {
		return nil, err
	}
	return s.views(ctx, viewerID, posts)
}

func (s *PostService) Get(ctx context.Context, viewerID, postID uint) (*PostDetail, error) {
	p, err := s.visible(ctx, viewerID, postID)
	if err != nil {
		return nil, err
	}
	views, err := s.views(ctx, viewerID, []models.Post{*p})
	if err != nil {
		return nil, err
	}
	d := &PostDetail{PostView: views[0], Comments: []models.PostComment{}}
	if err := s.db.WithContext(ctx).Where("post_id = ?", postID).
		Order("created_at, id").Find(&d.Comments).Error; err != nil {
		return nil, err
	}
	return d, nil
}

func (s *PostService) save(ctx context.Context, p *models.Post) error {
	p.PostType = contentType(p.Content, len(p.Images))
	if p.PostType == "" {
		return invalid(errEmptyPost)
	}
	p.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Model(p).Select("content", "images", "post_type", "updated_at").Updates(p).Error
}

func (s *PostService) UpdateContent(ctx context.Context, userID, postID uint, content string) (*models.Post, error) {
	p, err := s.owned(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	p.Content = strings.TrimSpace(content)
	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostService) AddImages(ctx context.Context, userID, postID uint, files []Upload) (*models.Post, error) {
	if len(files) == 0 {
		return nil, invalid("No images uploaded")
	}
	p, err := s.owned(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	added, err := putAll(ctx, s.store, folderPosts, files)
	if err != nil {
		return nil, err
	}
	p.Images = append(p.Images, added...)
	if err := s.save(ctx, p); err != nil {
		dropUploads(ctx, s.store, added)
		return nil, err
	}
	return p, nil
}

// DeleteImage 删除 URL 或 key 等于 ref 的图片。
func (s *PostService) DeleteImage(ctx context.Context, userID, postID uint, ref string) (*models.Post, error) {
	if ref == "" {
		return nil, invalid("Image URL is required")
	}
	p, err := s.owned(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, m := range p.Images {
		if m.URL == ref || m.Key == ref {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, notFound("Image not found in post")
	}
	img := p.Images[idx]
	kept := make(models.MediaList, 0, len(p.Images)-1)
	kept = append(kept, p.Images[:idx]...)
	kept = append(kept, p.Images[idx+1:]...)
	if contentType(p.Content, len(kept)) == "" {
		return nil, invalid(errEmptyPost)
	}
	if err := media.DeleteAll(ctx, s.store, models.MediaList{img}); err != nil {
		return nil, err
	}
	p.Images = kept
	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete 先删除图片，再删除点赞、评论和 post 本身。
func (s *PostService) Delete(ctx context.Context, userID, postID uint) error {
	p, err := s.owned(ctx, userID, postID)
	if err != nil {
		return err
	}
	if err := media.DeleteAll(ctx, s.store, p.Images); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", postID).Delete(&models.PostLike{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", postID).Delete(&models.PostComment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Post{}, postID).Error
	})
}

// ToggleLike 点赞或取消点赞，返回新的状态和点赞数。
func (s *PostService) ToggleLike(ctx context.Context, userID, postID uint) (liked bool, likes int64, err error) {
	if _, err := s.visible(ctx, userID, postID); err != nil {
		return false, 0, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("post_id = ? AND user_id = ?", postID, userID).Delete(&models.PostLike{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			like := models.PostLike{PostID: postID, UserID: userID, CreatedAt: s.now()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&like).Error; err != nil {
				return err
			}
			liked = true
		}
		return tx.Model(&models.PostLike{}).Where("post_id = ?", postID).Count(&likes).Error
	})
	return liked, likes, err
}

func (s *PostService) AddComment(ctx context.Context, userID, postID uint, text string) (*models.PostComment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("Comment text is required")
	}
	if _, err := s.visible(ctx, userID, postID); err != nil {
		return nil, err
	}
	c := models.PostComment{PostID: postID, UserID: userID, Text: text, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteComment 允许评论作者或 post 作者删除评论。
func (s *PostService) DeleteComment(ctx context.Context, userID, postID, commentID uint) error {
	p, err := s.load(ctx, postID)
	if err != nil {
		return err
	}
	var c models.PostComment
	err = s.db.WithContext(ctx).Where("id = ? AND post_id = ?", commentID, postID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound("Comment not found")
	}
	if err != nil {
		return err
	}
	if c.UserID != userID && p.UserID != userID {
		return forbidden("Not authorized to delete this comment")
	}
	return s.db.WithContext(ctx).Delete(&c).Error
}

// Feed 分页返回当前用户及其关注者的 post。
func (s *PostService) Feed(ctx context.Context, viewerID uint, pg Page) (*FeedResult, error) {
	pg = pg.normalize(10)
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Follow{}).
		Where("follower_id = ?", viewerID).Pluck("following_id", &ids).Error; err != nil {
		return nil, err
	}
	ids = append(ids, viewerID)

	q := s.db.WithContext(ctx).Model(&models.Post{}).Where("user_id IN ?", ids)
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	var posts []models.Post
	if err := q.Session(&gorm.Session{}).Order("created_at DESC, id DESC").
		Offset(pg.offset()).Limit(pg.Limit).Find(&posts).Error; err != nil {
		return nil, err
	}
	views, err := s.views(ctx, viewerID, posts)
	if err != nil {
		return nil, err
	}
	return &FeedResult{Posts: views, Total: total, Page: pg.Page, TotalPages: totalPages(total, pg.Limit)}, nil
}
