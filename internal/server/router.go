package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"instaup/internal/auth"
	"instaup/internal/config"
	ilog "instaup/internal/log"
	"instaup/internal/metrics"
	"instaup/internal/mw"
	"instaup/internal/ws"
)

// Deps 是路由需要的全部依赖，OAuth 和 Limiter 可为 nil。
type Deps struct {
	Config   config.Config
	DB       *gorm.DB
	Hub      *ws.Hub
	Services Services
	OAuth    *auth.GoogleOAuth
	Limiter  *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	h := NewHandler(cfg, d.Services, d.OAuth)

	r := gin.New()
	r.MaxMultipartMemory = maxUploadFiles * maxUploadBytes
	r.Use(gin.Recovery())
	r.Use(ilog.Requests())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(mw.CorsSettings(cfg.AllowedOrigins)))
	if d.Limiter != nil {
		r.Use(mw.RateLimit(d.Limiter))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.Serve(d.Hub, d.DB, cfg.JWTSecret, cfg.AllowedOrigins))

	requireUser := auth.Middleware(cfg.JWTSecret, d.DB)
	api := r.Group("/api")

	a := api.Group("/auth")
	a.POST("/register", h.Register)
	a.POST("/login", h.Login)
	a.POST("/logout", h.Logout)
	a.POST("/verify-email", h.VerifyEmail)
	a.POST("/resend-Otp", h.ResendOTP)
	a.POST("/check-verification", h.CheckVerification)
	a.POST("/send-reset-otp", h.SendResetOTP)
	a.POST("/verify-reset-otp", h.VerifyResetOTP)
	a.POST("/forgot-password", h.ForgotPassword)
	a.POST("/reset-password", h.ResetPassword)
	a.POST("/google/callback", h.GoogleToken)
	if d.OAuth != nil {
		a.GET("/google/login", h.GoogleStart)
		a.GET("/google/redirect", h.GoogleRedirect)
	}
	a.GET("/me", requireUser, h.Me)
	a.GET("/userdata", requireUser, h.Me)

	u := api.Group("/user", requireUser)
	u.POST("/discover", h.Discover)
	u.POST("/followUser", h.Follow)
	u.POST("/unfollowUser", h.Unfollow)
	u.POST("/cancelFollowRequest", h.CancelFollowRequest)

	p := api.Group("/profile", requireUser)
	p.POST("/update", h.UpdateProfile)
	p.PUT("/avatar", h.UploadAvatar)
	p.DELETE("/avatar/delete", h.DeleteAvatar)
	p.PUT("/coverpic", h.UploadCover)
	p.DELETE("/coverpic/delete", h.DeleteCover)
	p.PUT("/setAccountType", h.SetAccountType)
	p.GET("/getUserProfile/:id", h.UserProfile)

	cn := api.Group("/connections", requireUser)
	cn.GET("", h.Connections)
	cn.POST("/accept-request", h.AcceptRequest)
	cn.POST("/reject-request", h.RejectRequest)

	po := api.Group("/post", requireUser)
	po.POST("/add", h.AddPost)
	po.GET("/user/:userId", h.UserPosts)
	po.GET("/get/:postId", h.GetPost)
	po.PUT("/update/:postId", h.UpdatePost)
	po.POST("/update/image/:postId", h.AddPostImages)
	po.DELETE("/delete/:postId", h.DeletePost)
	po.DELETE("/:postId/image", h.DeletePostImage)
	po.DELETE("/:postId/comments/:commentId", h.DeleteComment)
	po.POST("/like", h.LikePost)
	po.POST("/addComment", h.AddComment)
	po.GET("/getFeedPosts", h.FeedPosts)

	st := api.Group("/story", requireUser)
	st.POST("/addstory", h.AddStory)
	st.GET("/getStories", h.Stories)
	st.PUT("/toggleLikeStory/:storyId", h.ToggleLikeStory)
	st.PUT("/viewStory/:storyId", h.ViewStory)
	st.DELETE("/deleteStory/:storyId", h.DeleteStory)

	ch := api.Group("/chat", requireUser)
	ch.GET("/getFollowingUsers", h.FollowingChats)
	ch.GET("/getChat/:userId", h.ChatHistory)
	ch.PUT("/mark/:msgId", h.MarkSeen)
	ch.POST("/sendMsg/:userId", h.SendMessage)

	return r
}
