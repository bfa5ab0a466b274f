package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"instaup/internal/auth"
	"instaup/internal/service"
)

type emailRequest struct {
	Email string `json:"email"`
}

type otpRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (h *Handler) Register(c *gin.Context) {
	var req service.RegisterInput
	if !bind(c, &req) {
		return
	}
	user, err := h.svc.Accounts.Register(c.Request.Context(), req)
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully. Please verify your email with the OTP sent.",
		"user":    gin.H{"id": user.ID, "name": user.Name, "email": user.Email, "role": user.Role},
	})
}

func (h *Handler) startSession(c *gin.Context, sess *service.Session) {
	auth.SetCookie(c, sess.Token, h.tokenTTL(), h.cfg.IsProd())
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !bind(c, &req) {
		return
	}
	sess, err := h.svc.Accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err, "login")
		return
	}
	h.startSession(c, sess)
	c.JSON(http.StatusOK, gin.H{"message": "Login successful", "token": sess.Token, "user": sess.User})
}

func (h *Handler) Logout(c *gin.Context) {
	auth.ClearCookie(c, h.cfg.IsProd())
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *Handler) VerifyEmail(c *gin.Context) {
	var req otpRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Accounts.VerifyEmail(c.Request.Context(), req.Email, req.OTP); err != nil {
		fail(c, err, "verify email")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Email verified successfully!"})
}

func (h *Handler) ResendOTP(c *gin.Context) {
	var req emailRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Accounts.ResendOTP(c.Request.Context(), req.Email); err != nil {
		fail(c, err, "resend otp")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "New OTP sent to your email"})
}

func (h *Handler) CheckVerification(c *gin.Context) {
	var req emailRequest
	if !bind(c, &req) {
		return
	}
	ok, err := h.svc.Accounts.CheckVerification(c.Request.Context(), req.Email)
	if err != nil {
		fail(c, err, "check verification")
		return
	}
	c.JSON(http.StatusOK, gin.H{"isAccountVerified": ok})
}

func (h *Handler) SendResetOTP(c *gin.Context) {
	var req emailRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Accounts.SendResetOTP(c.Request.Context(), req.Email); err != nil {
		fail(c, err, "send reset otp")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OTP sent to email"})
}

func (h *Handler) VerifyResetOTP(c *gin.Context) {
	var req otpRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Accounts.VerifyResetOTP(c.Request.Context(), req.Email, req.OTP); err != nil {
		fail(c, err, "verify reset otp")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OTP verified successfully"})
}

func (h *Handler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Accounts.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		fail(c, err, "forgot password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password reset link sent to your email"})
}

func (h *Handler) ResetPassword(c *gin.Context) {
	var req service.ResetPasswordInput
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Accounts.ResetPassword(c.Request.Context(), req); err != nil {
		fail(c, err, "reset password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password reset successfully!"})
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.svc.Accounts.Me(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "me")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// GoogleToken 使用客户端拿到的 ID token 登录。
func (h *Handler) GoogleToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if !bind(c, &req) {
		return
	}
	h.googleLogin(c, req.Token, func(status int, sess *service.Session) {
		c.JSON(status, gin.H{"message": "Google login successful", "token": sess.Token, "user": sess.User})
	})
}

func (h *Handler) googleLogin(c *gin.Context, idToken string, done func(int, *service.Session)) {
	sess, created, err := h.svc.Accounts.GoogleLogin(c.Request.Context(), idToken)
	if err != nil {
		fail(c, err, "google login")
		return
	}
	h.startSession(c, sess)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	done(status, sess)
}

// GoogleStart 跳转到 Google 授权页。
func (h *Handler) GoogleStart(c *gin.Context) {
	url, err := h.oauth.AuthURL(c.Writer, c.Request)
	if err != nil {
		fail(c, err, "google start")
		return
	}
	c.Redirect(http.StatusFound, url)
}

// GoogleRedirect 完成授权码流程，并把浏览器重定向回前端。
func (h *Handler) GoogleRedirect(c *gin.Context) {
	idToken, err := h.oauth.Exchange(c.Writer, c.Request)
	if err != nil {
		log.Warn().Err(err).Msg("google oauth callback")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid Google token"})
		return
	}
	h.googleLogin(c, idToken, func(int, *service.Session) {
		c.Redirect(http.StatusFound, h.cfg.ClientURL)
	})
}
