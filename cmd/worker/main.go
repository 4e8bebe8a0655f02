// Package main runs the background job worker (reputation events, evidence upload to S3).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/peerlink/safety/config"
	"github.com/peerlink/safety/internal/reputation"
	"github.com/peerlink/safety/internal/sessionlog"
	"github.com/peerlink/safety/internal/worker"
	"github.com/peerlink/safety/pkg/database"
	"github.com/peerlink/safety/pkg/queue"
	"github.com/peerlink/safety/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)

	repService := reputation.NewService(
		reputation.NewEngine(cfg.Safety.MatchScoreFloor),
		reputation.NewRepository(pool),
		reputation.NewRedisCache(rdb.Client, time.Hour),
		logger,
	)
	runners := []*worker.Runner{
		worker.NewRunner(queue.QueueReputation, jobQueue, worker.NewReputationProcessor(repService, logger), logger),
	}

	if cfg.AWS.EvidenceBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			EvidenceBucket:       cfg.AWS.EvidenceBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		evidence := worker.NewEvidenceProcessor(s3Client, sessionlog.NewRepository(pool), logger)
		runners = append(runners, worker.NewRunner(queue.QueueEvidence, jobQueue, evidence, logger))
	} else {
		logger.Warn("AWS_S3_EVIDENCE_BUCKET not set; evidence jobs stay queued")
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg conc.WaitGroup
	for _, r := range runners {
		wg.Go(func() { r.Run(workerCtx) })
	}
	logger.Info("worker started", zap.Int("queues", len(runners)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	wg.Wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
