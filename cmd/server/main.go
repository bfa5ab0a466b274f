package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"instaup/internal/auth"
	"instaup/internal/config"
	"instaup/internal/db"
	"instaup/internal/jobs"
	ilog "instaup/internal/log"
	"instaup/internal/mail"
	"instaup/internal/media"
	"instaup/internal/mw"
	"instaup/internal/server"
	"instaup/internal/service"
	"instaup/internal/ws"
)

func main() {
	// main 负责加载配置、装配依赖，并启动 HTTP 服务和后台任务。
	cfg := config.Load()
	ilog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	store := mediaStore(ctx, cfg)
	queue, closeQueue := jobQueue(ctx, cfg, gdb)
	jc := jobs.NewClient(queue)
	hub := ws.NewHub()

	var mailer mail.Sender = mail.Log{}
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTP(mail.SMTPConfig{
			Host: cfg.SMTPHost, Port: cfg.SMTPPort, User: cfg.SMTPUser, Password: cfg.SMTPPassword, From: cfg.SMTPFrom,
		})
	} else {
		log.Warn().Msg("SMTP_HOST not set, mail is only logged")
	}

	accounts := service.NewAccountService(gdb, mailer, jc, auth.IDTokenVerifier{ClientID: cfg.GoogleClientID},
		service.AccountConfig{
			JWTSecret: cfg.JWTSecret,
			TokenTTL:  time.Duration(cfg.TokenTTLDays) * 24 * time.Hour,
			ClientURL: cfg.ClientURL,
		}, nil)
	graph := service.NewGraphService(gdb, nil)
	stories := service.NewStoryService(gdb, store, jc, cfg.StoryTTL, nil)
	svc := server.Services{
		Accounts: accounts,
		Graph:    graph,
		Profiles: service.NewProfileService(gdb, store),
		Posts:    service.NewPostService(gdb, store, graph, nil),
		Stories:  stories,
		Chat:     service.NewChatService(gdb, store, hub, nil),
	}

	worker := jobs.NewWorker(queue, jobs.WithInterval(cfg.JobPollInterval))
	worker.Handle(service.JobStoryExpire, stories.ExpireHandler)
	worker.Handle(service.EventLoggedIn, accounts.RecordLogin)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	sweeper := jobs.NewSweeper()
	err = sweeper.Add(cfg.StorySweepSpec, "story.sweep", func(ctx context.Context) error {
		n, err := stories.SweepExpired(ctx)
		if n > 0 {
			log.Info().Int("count", n).Msg("expired stories swept")
		}
		return err
	})
	if err != nil {
		log.Fatal().Err(err).Str("spec", cfg.StorySweepSpec).Msg("story sweep schedule")
	}
	sweeper.Start()

	var oauth *auth.GoogleOAuth
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		oauth = auth.NewGoogleOAuth(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, cfg.SessionSecret, cfg.IsProd())
	}

	limiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 10*time.Minute)
	defer limiter.Stop()

	r := server.SetupRouter(server.Deps{
		Config:   cfg,
		DB:       gdb,
		Hub:      hub,
		Services: svc,
		OAuth:    oauth,
		Limiter:  limiter,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	sweeper.Stop(shutdownCtx)
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
	}
	closeQueue()
	log.Info().Msg("server stopped")
}

func mediaStore(ctx context.Context, cfg config.Config) media.Store {
	if cfg.MediaBackend == "memory" {
		log.Warn().Msg("using in-memory media store")
		return media.NewMemory()
	}
	s, err := media.NewS3(ctx, media.S3Config{
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("media store")
	}
	return s
}

// jobQueue 返回配置的任务队列以及释放它的函数。
func jobQueue(ctx context.Context, cfg config.Config, gdb *gorm.DB) (jobs.Queue, func()) {
	if cfg.JobBackend != "redis" {
		return jobs.NewDBQueue(gdb), func() {}
	}
	q, err := jobs.NewRedisQueue(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis queue")
	}
	return q, func() { _ = q.Close() }
}
