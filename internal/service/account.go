package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"instaup/internal/auth"
	"instaup/internal/jobs"
	"instaup/internal/mail"
	"instaup/internal/models"
)

const (
	verifyOTPTTL  = 10 * time.Minute
	resetOTPTTL   = 15 * time.Minute
	resetLinkTTL  = 10 * time.Minute
	EventLoggedIn = "user.logged_in"
)

type AccountConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	ClientURL string
}

// AccountService 负责注册、邮箱验证、登录以及重置密码。
type AccountService struct {
	db     *gorm.DB
	mailer mail.Sender
	events *jobs.Client
	google auth.GoogleVerifier
	cfg    AccountConfig
	now    Clock
}

func NewAccountService(db *gorm.DB, mailer mail.Sender, events *jobs.Client, google auth.GoogleVerifier, cfg AccountConfig, now Clock) *AccountService {
	return &AccountService{db: db, mailer: mailer, events: events, google: google, cfg: cfg, now: orUTCNow(now)}
}

type RegisterInput struct {
	Name     string `json:"name" validate:"required,min=2"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=64,strongpw"`
	Role     string `json:"role" validate:"omitempty,oneof=user admin moderator"`
}

// Session 是一次登录签发的会话。
type Session struct {
	Token string
	User  models.User
}

// LoginEvent 是 EventLoggedIn 的 payload。
type LoginEvent struct {
	UserID    uint      `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *AccountService) findByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Register 创建未验证账号并发送验证码，邮件发送失败时删除该账号。
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Password = strings.TrimSpace(in.Password)
	if err := check(in); err != nil {
		return nil, err
	}
	if in.Role == "" {
		in.Role = models.RoleUser
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", in.Email).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, conflict("Email already in use")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	otp, err := auth.GenerateOTP()
	if err != nil {
		return nil, err
	}
	expires := s.now().Add(verifyOTPTTL)
	user := models.User{
		Name:              in.Name,
		Email:             in.Email,
		Bio:               models.DefaultBio,
		PasswordHash:      hash,
		VerifyOTP:         otp,
		VerifyOTPExpireAt: &expires,
		Role:              in.Role,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	if err := s.mailer.Send(ctx, mail.VerifyEmail(user.Email, user.Name, otp, verifyOTPTTL)); err != nil {
		if derr := s.db.WithContext(ctx).Delete(&models.User{}, user.ID).Error; derr != nil {
			log.Error().Err(derr).Uint("user_id", user.ID).Msg("register rollback")
		}
		return nil, fmt.Errorf("send verification email: %w", err)
	}
	return &user, nil
}

func (s *AccountService) VerifyEmail(ctx context.Context, email, otp string) error {
	if email == "" || otp == "" {
		return invalid("Email and OTP are required")
	}
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	switch {
	case user.IsAccountVerified:
		return invalid("Account already verified")
	case user.VerifyOTP == "" || user.VerifyOTPExpireAt == nil:
		return invalid("No OTP found. Please request a new one.")
	case s.now().After(*user.VerifyOTPExpireAt):
		return invalid("OTP has expired. Please request a new one.")
	case !equalSecret(user.VerifyOTP, otp):
		return invalid("Invalid OTP")
	}
	return s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"is_account_verified":  true,
		"verify_otp":           "",
		"verify_otp_expire_at": nil,
	}).Error
}

func (s *AccountService) ResendOTP(ctx context.Context, email string) error {
	if email == "" {
		return invalid("Email is required")
	}
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user.IsAccountVerified {
		return invalid("Account already verified")
	}
	otp, err := auth.GenerateOTP()
	if err != nil {
		return err
	}
	expires := s.now().Add(verifyOTPTTL)
	if err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"verify_otp":           otp,
		"verify_otp_expire_at": expires,
	}).Error; err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, mail.ResendOTP(user.Email, user.Name, otp, verifyOTPTTL)); err != nil {
		return fmt.Errorf("send otp: %w", err)
	}
	return nil
}

func (s *AccountService) CheckVerification(ctx context.Context, email string) (bool, error) {
	if email == "" {
		return false, invalid("Email is required")
	}
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return user.IsAccountVerified, nil
}

func (s *AccountService) Login(ctx context.Context, email, password string) (*Session, error) {
	if email == "" || password == "" {
		return nil, invalid("Email and password are required")
	}
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", strings.TrimSpace(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &Error{Kind: ErrInvalidCredentials, Msg: "Invalid email or password"}
	}
	if err != nil {
		return nil, err
	}
	if user.PasswordHash == "" || !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, &Error{Kind: ErrInvalidCredentials, Msg: "Invalid email or password"}
	}
	sess, err := s.issue(user)
	if err != nil {
		return nil, err
	}
	s.emitLogin(ctx, user)
	return sess, nil
}

func (s *AccountService) issue(user models.User) (*Session, error) {
	token, err := auth.GenerateToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, User: user}, nil
}

// emitLogin 记录登录事件，记录失败不影响登录。
func (s *AccountService) emitLogin(ctx context.Context, user models.User) {
	if s.events == nil {
		return
	}
	ev := LoginEvent{UserID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role, Timestamp: s.now()}
	if _, err := s.events.Send(ctx, EventLoggedIn, ev); err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("record login event")
	}
}

// RecordLogin 处理 EventLoggedIn，较早的事件不会让时间回退。
func (s *AccountService) RecordLogin(ctx context.Context, payload []byte) error {
	ev, err := jobs.Decode[LoginEvent](payload)
	if err != nil {
		return err
	}
	at := ev.Timestamp.UTC()
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND (last_login_at IS NULL OR last_login_at < ?)", ev.UserID, at).
		Update("last_login_at", at).Error
}

func (s *AccountService) Me(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *AccountService) SendResetOTP(ctx context.Context, email string) error {
	if email == "" {
		return invalid("Email is required")
	}
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	otp, err := auth.GenerateOTP()
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"reset_otp":           otp,
		"reset_otp_expire_at": s.now().Add(resetOTPTTL),
		"reset_otp_verified":  false,
	}).Error; err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, mail.ResetOTP(user.Email, user.Name, otp, resetOTPTTL)); err != nil {
		return fmt.Errorf("send reset otp: %w", err)
	}
	return nil
}

func (s *AccountService) VerifyResetOTP(ctx context.Context, email, otp string) error {
	if email == "" || otp == "" {
		return invalid("Email and OTP are required")
	}
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user.ResetOTPVerified {
		return invalid("OTP already verified. You can reset your password now.")
	}
	if user.ResetOTP == "" || !equalSecret(user.ResetOTP, otp) ||
		user.ResetOTPExpireAt == nil || user.ResetOTPExpireAt.Before(s.now()) {
		return invalid("Invalid or expired OTP")
	}
	return s.db.WithContext(ctx).Model(user).Update("reset_otp_verified", true).Error
}

// ForgotPassword 发送带短期 token 的重置链接。
func (s *AccountService) ForgotPassword(ctx context.Context, email string) error {
	if email == "" {
		return invalid("Email is required")
	}
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	token, err := auth.GenerateResetToken()
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"reset_otp":           token,
		"reset_otp_expire_at": s.now().Add(resetLinkTTL),
	}).Error; err != nil {
		return err
	}

	link := fmt.Sprintf("%s/reset-password?email=%s&token=%s",
		strings.TrimRight(s.cfg.ClientURL, "/"), url.QueryEscape(email), token)
	if err := s.mailer.Send(ctx, mail.ResetLink(user.Email, link, resetLinkTTL)); err != nil {
		if cerr := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
			"reset_otp":           "",
			"reset_otp_expire_at": nil,
		}).Error; cerr != nil {
			log.Error().Err(cerr).Uint("user_id", user.ID).Msg("clear reset token")
		}
		return fmt.Errorf("send reset email: %w", err)
	}
	return nil
}

type ResetPasswordInput struct {
	Email           string `json:"email"`
	Token           string `json:"token"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (s *AccountService) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	if in.Email == "" || in.Token == "" || in.NewPassword == "" || in.ConfirmPassword == "" {
		return invalid("All fields are required")
	}
	if in.NewPassword != in.ConfirmPassword {
		return invalid("Passwords do not match")
	}
	if len(in.NewPassword) < 8 || len(in.NewPassword) > 64 || !strongPassword(in.NewPassword) {
		return invalid("Password must be 8 to 64 characters with upper and lower case letters, a number and a special character")
	}

	var user models.User
	err := s.db.WithContext(ctx).
		Where("email = ? AND reset_otp = ? AND reset_otp_expire_at > ?", in.Email, in.Token, s.now()).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return invalid("Invalid or expired token")
	}
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(in.NewPassword)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"password_hash":       hash,
		"reset_otp":           "",
		"reset_otp_expire_at": nil,
		"reset_otp_verified":  false,
	}).Error
}

// GoogleLogin 使用 Google ID token 登录。首次使用时创建已验证账号，否则按邮箱关联已有账号。
func (s *AccountService) GoogleLogin(ctx context.Context, idToken string) (*Session, bool, error) {
	if idToken == "" {
		return nil, false, invalid("Google token is required")
	}
	profile, err := s.google.Verify(ctx, idToken)
	if err != nil {
		log.Warn().Err(err).Msg("google token rejected")
		return nil, false, &Error{Kind: ErrInvalidCredentials, Msg: "Invalid Google token"}
	}

	var user models.User
	created := false
	err = s.db.WithContext(ctx).Where("email = ?", profile.Email).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{
			Name:              profile.Name,
			Email:             profile.Email,
			Bio:               models.DefaultBio,
			GoogleID:          profile.Subject,
			Avatar:            profile.Picture,
			IsAccountVerified: true,
			Role:              models.RoleUser,
		}
		if user.Name == "" {
			user.Name = strings.Split(profile.Email, "@")[0]
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, err
	default:
		updates := map[string]any{"is_account_verified": true}
		if user.GoogleID == "" {
			updates["google_id"] = profile.Subject
		}
		if user.Avatar == "" {
			updates["avatar"] = profile.Picture
		}
		if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
			return nil, false, err
		}
	}

	if created {
		if err := s.mailer.Send(ctx, mail.Welcome(user.Email, user.Name)); err != nil {
			log.Warn().Err(err).Uint("user_id", user.ID).Msg("welcome email")
		}
	}
	sess, err := s.issue(user)
	if err != nil {
		return nil, false, err
	}
	s.emitLogin(ctx, user)
	return sess, created, nil
}

func equalSecret(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
