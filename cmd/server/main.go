// Package main runs the session safety HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/peerlink/safety/config"
	"github.com/peerlink/safety/internal/auth"
	"github.com/peerlink/safety/internal/matchmaking"
	"github.com/peerlink/safety/internal/middleware"
	"github.com/peerlink/safety/internal/moderation"
	"github.com/peerlink/safety/internal/perception"
	"github.com/peerlink/safety/internal/realtime"
	"github.com/peerlink/safety/internal/reputation"
	"github.com/peerlink/safety/internal/session"
	"github.com/peerlink/safety/internal/sessionlog"
	"github.com/peerlink/safety/internal/signaling"
	"github.com/peerlink/safety/pkg/database"
	"github.com/peerlink/safety/pkg/queue"
	"github.com/peerlink/safety/pkg/redis"
	"github.com/peerlink/safety/pkg/response"
	"github.com/peerlink/safety/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Evidence presigning is optional; uploads happen in cmd/worker.
	var presigner sessionlog.Presigner
	if cfg.AWS.EvidenceBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			EvidenceBucket:       cfg.AWS.EvidenceBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			presigner = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	relay := realtime.NewRedisRelay(rdb.Client, logger)
	hub := realtime.NewHub(logger, relay, relay)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	newPeer, err := signaling.NewPionFactory()
	if err != nil {
		logger.Fatal("webrtc", zap.Error(err))
	}

	// Perception models; any that fail to load are left out and their checkers report unavailable.
	loaded, err := perception.LoadAll(ctx, perceptionModels(cfg.Perception), logger)
	if err != nil {
		logger.Warn("perception models", zap.Error(err))
	}
	checkers := moderation.BuildCheckers(cfg.Moderation, loaded)

	sessionLogRepo := sessionlog.NewRepository(pool)

	// Reputation
	repRepo := reputation.NewRepository(pool)
	repCache := reputation.NewRedisCache(rdb.Client, time.Hour)
	repService := reputation.NewService(reputation.NewEngine(cfg.Safety.MatchScoreFloor), repRepo, repCache, logger)
	repHandler := reputation.NewHandler(repService, jobQueue, sessionLogRepo, logger)

	// Matchmaking
	matchPool, err := matchmaking.NewPool(repService, logger)
	if err != nil {
		logger.Fatal("matchmaking", zap.Error(err))
	}
	matchHandler := matchmaking.NewHandler(matchPool, cfg.Safety.MatchWait, logger)

	// Session history and reports
	sessionLogHandler := sessionlog.NewHandler(sessionLogRepo, jobQueue, presigner, logger)

	// Live sessions
	manager, err := session.NewManager(session.Config{
		Moderation:          cfg.Moderation,
		EscalationThreshold: cfg.Safety.CaptureEscalationThreshold,
		EvidenceUploads:     cfg.Safety.EvidenceUploads,
		ICEServers:          iceServers(cfg.WebRTC),
	}, session.Deps{
		Relay:    relay,
		NewPeer:  newPeer,
		Checkers: checkers,
		Store:    sessionLogRepo,
		Jobs:     jobQueue,
		Notifier: hub,
		Matches:  matchPool,
	}, logger)
	if err != nil {
		logger.Fatal("session manager", zap.Error(err))
	}
	sessionHandler := session.NewHandler(manager, logger)

	authHandler := auth.NewHandler(jwtService, logger)

	wsValidate := func(token string) (realtime.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{UserID: claims.UserID, Fingerprint: claims.Fingerprint}, nil
	}

	origins := middleware.ParseOrigins(cfg.Server.CORSAllowedOrigins)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	router.POST("/auth/anonymous", authHandler.Anonymous)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		moderator := middleware.RequireModerator()

		// Matchmaking
		api.POST("/match", matchHandler.Join)
		api.DELETE("/match", matchHandler.Leave)

		// Reputation
		api.GET("/reputation/me", repHandler.Me)
		api.GET("/reputation/me/eligibility", repHandler.Eligibility)
		api.GET("/reputation/users/:user_id", moderator, repHandler.User)
		api.POST("/reputation/events", repHandler.Submit)

		// Sessions
		api.GET("/session/active", sessionHandler.Active)
		api.GET("/sessions", sessionLogHandler.ListSessions)
		api.GET("/sessions/:id", sessionLogHandler.GetSession)

		// Reports
		api.POST("/reports", sessionLogHandler.FileReport)
		api.GET("/reports/me", sessionLogHandler.MyReports)
		api.GET("/reports/users/:user_id", moderator, sessionLogHandler.UserReports)
		api.POST("/reports/:id/confirm", moderator, sessionLogHandler.ConfirmReport)
		api.GET("/reports/:id/evidence", moderator, sessionLogHandler.Evidence)

		// Forensics
		api.POST("/watermark/verify", moderator, sessionHandler.Verify)
	}

	// WebSocket (token in query; browsers cannot set Authorization on upgrade)
	router.GET("/ws", realtime.ServeWs(hub, manager, logger, wsValidate, origins.CheckOrigin))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.Int("checkers", len(checkers)),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func perceptionModels(cfg config.PerceptionConfig) []perception.Model {
	client := &http.Client{Timeout: cfg.Timeout}
	var out []perception.Model
	add := func(name string, kind perception.Kind, url string) {
		if url != "" {
			out = append(out, perception.NewHTTPModel(name, kind, url, client))
		}
	}
	add("nsfw-classifier", perception.KindClassifier, cfg.ClassifierURL)
	add("object-detector", perception.KindObjects, cfg.ObjectsURL)
	add("body-segmenter", perception.KindSegmenter, cfg.SegmenterURL)
	add("coverage-estimator", perception.KindCoverage, cfg.CoverageURL)
	return out
}

func iceServers(cfg config.WebRTCConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg.ICEUrls))
	for _, u := range cfg.ICEUrls {
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn") && cfg.TURNUser != "" {
			s.Username = cfg.TURNUser
			s.Credential = cfg.TURNSecret
		}
		out = append(out, s)
	}
	return out
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
