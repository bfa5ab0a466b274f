package service

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"instaup/internal/models"
)

// GraphService 管理关注关系、关注申请和用户主页查询。
type GraphService struct {
	db  *gorm.DB
	now Clock
}

func NewGraphService(db *gorm.DB, now Clock) *GraphService {
	return &GraphService{db: db, now: orUTCNow(now)}
}

// UserCard 是搜索结果中展示给当前用户的用户信息。
type UserCard struct {
	ID             uint   `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Location       string `json:"location"`
	Avatar         string `json:"avatar"`
	ProfilePicture string `json:"profile_picture"`
	CoverPicture   string `json:"cover_picture"`
	FollowersCount int64  `json:"followersCount"`
	FollowingCount int64  `json:"followingCount"`
	IsPrivate      bool   `json:"isPrivate"`
	IsFollowing    bool   `json:"isFollowing"`
	RequestSent    bool   `json:"requestSent"`
	FollowingYou   bool   `json:"followingYou"`
}

type DiscoverResult struct {
	Users      []UserCard `json:"users"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	TotalPages int        `json:"totalPages"`
}

// Discover 按用户名、邮箱、姓名或所在地搜索其他用户。
func (s *GraphService) Discover(ctx context.Context, viewerID uint, input string, p Page) (*DiscoverResult, error) {
	p = p.normalize(10)
	if input == "" {
		return &DiscoverResult{Users: []UserCard{}, Page: p.Page}, nil
	}
	pat := likePattern(input)
	q := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id <> ?", viewerID).
		Where(`(LOWER(username) LIKE ? ESCAPE '\' OR LOWER(email) LIKE ? ESCAPE '\' OR LOWER(name) LIKE ? ESCAPE '\' OR LOWER(location) LIKE ? ESCAPE '\')`,
			pat, pat, pat, pat)

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	var users []models.User
	if err := q.Session(&gorm.Session{}).Order("id").Offset(p.offset()).Limit(p.Limit).Find(&users).Error; err != nil {
		return nil, err
	}

	ids := make([]uint, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	followers, following, err := s.counts(ctx, ids)
	if err != nil {
		return nil, err
	}
	iFollow, err := s.pluck(ctx, &models.Follow{}, "following_id", "follower_id = ? AND following_id IN ?", viewerID, ids)
	if err != nil {
		return nil, err
	}
	followMe, err := s.pluck(ctx, &models.Follow{}, "follower_id", "following_id = ? AND follower_id IN ?", viewerID, ids)
	if err != nil {
		return nil, err
	}
	requested, err := s.pluck(ctx, &models.FollowRequest{}, "target_id", "requester_id = ? AND target_id IN ?", viewerID, ids)
	if err != nil {
		return nil, err
	}

	cards := make([]UserCard, 0, len(users))
	for _, u := range users {
		cards = append(cards, UserCard{
			ID:             u.ID,
			Username:       u.Username,
			Email:          u.Email,
			Name:           u.Name,
			Location:       u.Location,
			Avatar:         u.Avatar,
			ProfilePicture: u.ProfilePicture,
			CoverPicture:   u.CoverPicture,
			FollowersCount: followers[u.ID],
			FollowingCount: following[u.ID],
			IsPrivate:      u.IsPrivate,
			IsFollowing:    iFollow[u.ID],
			RequestSent:    requested[u.ID],
			FollowingYou:   followMe[u.ID],
		})
	}
	return &DiscoverResult{Users: cards, Total: total, Page: p.Page, TotalPages: totalPages(total, p.Limit)}, nil
}

type idCount struct {
	ID uint
	N  int64
}

// counts 返回 ids 的粉丝数和关注数。
func (s *GraphService) counts(ctx context.Context, ids []uint) (followers, following map[uint]int64, err error) {
	followers = make(map[uint]int64, len(ids))
	following = make(map[uint]int64, len(ids))
	if len(ids) == 0 {
		return followers, following, nil
	}
	var rows []idCount
	if err := s.db.WithContext(ctx).Model(&models.Follow{}).
		Select("following_id AS id, COUNT(*) AS n").Where("following_id IN ?", ids).
		Group("following_id").Scan(&rows).Error; err != nil {
		return nil, nil, err
	}
	for _, r := range rows {
		followers[r.ID] = r.N
	}
	rows = rows[:0]
	if err := s.db.WithContext(ctx).Model(&models.Follow{}).
		Select("follower_id AS id, COUNT(*) AS n").Where("follower_id IN ?", ids).
		Group("follower_id").Scan(&rows).Error; err != nil {
		return nil, nil, err
	}
	for _, r := range rows {
		following[r.ID] = r.N
	}
	return followers, following, nil
}

func (s *GraphService) pluck(ctx context.Context, model any, col, where string, args ...any) (map[uint]bool, error) {
	out := make(map[uint]bool)
	var ids []uint
	if err := s.db.WithContext(ctx).Model(model).Where(where, args...).Pluck(col, &ids).Error; err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (s *GraphService) user(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *GraphService) exists(ctx context.Context, model any, where string, args ...any) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(model).Where(where, args...).Count(&n).Error
	return n > 0, err
}

// IsFollowing 判断 followerID 是否关注了 followingID。
func (s *GraphService) IsFollowing(ctx context.Context, followerID, followingID uint) (bool, error) {
	return s.exists(ctx, &models.Follow{}, "follower_id = ? AND following_id = ?", followerID, followingID)
}

// Follow 对公开账号直接关注，对私密账号提交申请，返回是否提交了申请。
func (s *GraphService) Follow(ctx context.Context, viewerID, targetID uint) (requested bool, err error) {
	if targetID == 0 || targetID == viewerID {
		return false, invalid("Invalid follow request")
	}
	target, err := s.user(ctx, targetID)
	if err != nil {
		return false, err
	}
	following, err := s.IsFollowing(ctx, viewerID, targetID)
	if err != nil {
		return false, err
	}
	if following {
		return false, invalid("You already follow this user")
	}

	if target.IsPrivate {
		sent, err := s.exists(ctx, &models.FollowRequest{}, "requester_id = ? AND target_id = ?", viewerID, targetID)
		if err != nil {
			return false, err
		}
		if sent {
			return false, invalid("Follow request already sent")
		}
		req := models.FollowRequest{RequesterID: viewerID, TargetID: targetID, CreatedAt: s.now()}
		return true, s.db.WithContext(ctx).Create(&req).Error
	}
	edge := models.Follow{FollowerID: viewerID, FollowingID: targetID, CreatedAt: s.now()}
	return false, s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error
}

func (s *GraphService) Unfollow(ctx context.Context, viewerID, targetID uint) error {
	if targetID == 0 || targetID == viewerID {
		return invalid("Invalid unfollow request")
	}
	res := s.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", viewerID, targetID).
		Delete(&models.Follow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return invalid("You are not following this user")
	}
	return nil
}

func (s *GraphService) CancelRequest(ctx context.Context, viewerID, targetID uint) error {
	if targetID == 0 || targetID == viewerID {
		return invalid("Invalid request")
	}
	res := s.db.WithContext(ctx).
		Where("requester_id = ? AND target_id = ?", viewerID, targetID).
		Delete(&models.FollowRequest{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return invalid("No follow request to cancel")
	}
	return nil
}

// UserSummary 是关系列表中使用的简要用户信息。
type UserSummary struct {
	ID             uint   `json:"id"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	Bio            string `json:"bio"`
	ProfilePicture string `json:"profile_picture"`
}

type Connections struct {
	Followers []UserSummary `json:"followers"`
	Following []UserSummary `json:"following"`
	Pending   []UserSummary `json:"pending"`
}

func (s *GraphService) summaries(ctx context.Context, join, where string, id uint) ([]UserSummary, error) {
	out := []UserSummary{}
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Select("users.id, users.username, users.name, users.bio, users.profile_picture").
		Joins(join).Where(where, id).Order("users.id").
		Scan(&out).Error
	return out, err
}

func (s *GraphService) Followers(ctx context.Context, userID uint) ([]UserSummary, error) {
	return s.summaries(ctx, "JOIN follows ON follows.follower_id = users.id", "follows.following_id = ?", userID)
}

func (s *GraphService) Following(ctx context.Context, userID uint) ([]UserSummary, error) {
	return s.summaries(ctx, "JOIN follows ON follows.following_id = users.id", "follows.follower_id = ?", userID)
}

func (s *GraphService) Pending(ctx context.Context, userID uint) ([]UserSummary, error) {
	return s.summaries(ctx, "JOIN follow_requests ON follow_requests.requester_id = users.id", "follow_requests.target_id = ?", userID)
}

func (s *GraphService) Connections(ctx context.Context, userID uint) (*Connections, error) {
	var (
		c   Connections
		err error
	)
	if c.Followers, err = s.Followers(ctx, userID); err != nil {
		return nil, err
	}
	if c.Following, err = s.Following(ctx, userID); err != nil {
		return nil, err
	}
	if c.Pending, err = s.Pending(ctx, userID); err != nil {
		return nil, err
	}
	return &c, nil
}

// Accept 把 requesterID 的待处理申请转为关注关系。
func (s *GraphService) Accept(ctx context.Context, userID, requesterID uint) error {
	if requesterID == 0 || requesterID == userID {
		return invalid("Invalid request")
	}
	if _, err := s.user(ctx, requesterID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("requester_id = ? AND target_id = ?", requesterID, userID).Delete(&models.FollowRequest{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invalid("No follow request found")
		}
		edge := models.Follow{FollowerID: requesterID, FollowingID: userID, CreatedAt: s.now()}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error
	})
}

func (s *GraphService) Reject(ctx context.Context, userID, requesterID uint) error {
	if requesterID == 0 || requesterID == userID {
		return invalid("Invalid request")
	}
	res := s.db.WithContext(ctx).
		Where("requester_id = ? AND target_id = ?", requesterID, userID).
		Delete(&models.FollowRequest{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return invalid("No follow request found")
	}
	return nil
}

// CanSee 判断 viewerID 能否查看 owner 的内容。
func (s *GraphService) CanSee(ctx context.Context, viewerID uint, owner *models.User) (bool, error) {
	if viewerID == owner.ID || !owner.IsPrivate {
		return true, nil
	}
	return s.IsFollowing(ctx, viewerID, owner.ID)
}

type ProfileView struct {
	ID             uint          `json:"id"`
	Username       string        `json:"username"`
	Name           string        `json:"name"`
	Bio            string        `json:"bio"`
	ProfilePicture string        `json:"profile_picture"`
	CoverPicture   string        `json:"cover_picture"`
	IsPrivate      bool          `json:"isPrivate"`
	FollowersCount int64         `json:"followersCount"`
	FollowingCount int64         `json:"followingCount"`
	IsFollowing    bool          `json:"isFollowing"`
	RequestSent    bool          `json:"requestSent"`
	PostsVisible   bool          `json:"postsVisible"`
	Posts          []models.Post `json:"posts,omitempty"`
}

// Profile 返回 viewerID 视角下 id 的主页。私密账号且未关注时不返回 posts。
func (s *GraphService) Profile(ctx context.Context, viewerID, id uint) (*ProfileView, error) {
	u, err := s.user(ctx, id)
	if err != nil {
		return nil, err
	}
	followers, following, err := s.counts(ctx, []uint{id})
	if err != nil {
		return nil, err
	}
	isFollowing, err := s.IsFollowing(ctx, viewerID, id)
	if err != nil {
		return nil, err
	}
	sent, err := s.exists(ctx, &models.FollowRequest{}, "requester_id = ? AND target_id = ?", viewerID, id)
	if err != nil {
		return nil, err
	}
	v := &ProfileView{
		ID:             u.ID,
		Username:       u.Username,
		Name:           u.Name,
		Bio:            u.Bio,
		ProfilePicture: u.ProfilePicture,
		CoverPicture:   u.CoverPicture,
		IsPrivate:      u.IsPrivate,
		FollowersCount: followers[id],
		FollowingCount: following[id],
		IsFollowing:    isFollowing,
		RequestSent:    sent,
	}
	if viewerID == id || !u.IsPrivate || isFollowing {
		v.PostsVisible = true
		if err := s.db.WithContext(ctx).Where("user_id = ?", id).Order("created_at DESC, id DESC").Find(&v.Posts).Error; err != nil {
			return nil, err
		}
	}
	return v, nil
}
