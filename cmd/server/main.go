package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"threadhub/internal/audit"
	"threadhub/internal/auth"
	"threadhub/internal/chat"
	"threadhub/internal/config"
	"threadhub/internal/discussion"
	"threadhub/internal/events"
	"threadhub/internal/keys"
	"threadhub/internal/presence"
	"threadhub/internal/ratelimit"
	"threadhub/internal/server"
	"threadhub/internal/store"
	"threadhub/internal/transport"
	"threadhub/internal/util"
)

const tempKeyCleanupInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	if cfg.DocsOnlyMode {
		slog.Info("docs-only mode, skipping store initialization")
		return
	}

	clock := util.SystemClock{}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		fatal("failed to open store", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fatal("failed to parse redis url", err)
	}
	redisClient := redis.NewClient(redisOpts)

	publisher, err := events.Dial(cfg.AMQPURL)
	if err != nil {
		fatal("failed to connect event broker", err)
	}
	defer publisher.Close()

	auditWriter := audit.NewWriter(db, clock, 512)

	guard := ratelimit.NewCommentGuard(
		ratelimit.NewTokenBucket(redisClient, clock),
		ratelimit.NewCooldown(redisClient, clock, cfg.CommentCooldown()),
		cfg.RateUserPerSec,
		cfg.RateIPPerSec,
	)

	locks := store.NewKeyedLocks()
	discussionSvc := discussion.NewService(discussion.Options{
		DB:          db,
		Locks:       locks,
		Limiter:     guard,
		Events:      publisher,
		Audit:       auditWriter,
		Clock:       clock,
		LockTimeout: cfg.AdvisoryLockTimeout(),
		TxTimeout:   cfg.TxTimeout(),
	})

	registry := presence.NewRegistry()
	sessionKeys := keys.NewSessionKeys(clock)
	tempKeys := keys.NewTempKeyService(db, clock, cfg.TempKeyTTL())

	chatSvc := chat.NewService(chat.Options{
		DB:          db,
		Locks:       store.NewKeyedLocks(),
		Presence:    registry,
		Events:      publisher,
		Audit:       auditWriter,
		Clock:       clock,
		LockTimeout: cfg.AdvisoryLockTimeout(),
		TxTimeout:   cfg.TxTimeout(),
	})
	broker := transport.NewBroker(transport.Options{
		Presence: registry,
		Keys:     sessionKeys,
		Engine:   chatSvc,
	})
	chatSvc.SetSender(broker)

	httpServer := server.New(server.Config{
		Discussion:            discussionSvc,
		Chat:                  chatSvc,
		TempKeys:              tempKeys,
		SessionKey:            sessionKeys,
		Broker:                broker,
		Signed:                auth.NewVerifier(cfg.AuthSecret, cfg.SigWindow(), auth.NewRedisNonceCache(redisClient), clock),
		Bearer:                auth.NewBearerVerifier(cfg.JWTSecret),
		TrustForwardedHeaders: cfg.TrustForwardedHeaders,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return auditWriter.Run(groupCtx)
	})
	group.Go(func() error {
		ticker := time.NewTicker(tempKeyCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if n, err := tempKeys.Cleanup(groupCtx); err != nil {
					slog.Warn("temp key cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("temp key cleanup", "removed", n)
				}
			}
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		fatal("server exited", err)
	}
	slog.Info("shutdown complete")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
