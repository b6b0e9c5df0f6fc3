// Command chatbot-demo is not part of the specified surface (spec.md §1):
// it exists purely to exercise pkg/chatclient end to end — connect, print
// the event stream, and expose an operational status page — the way a
// thin bot process embedding this library would.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nullhq/teamchat-go/internal/v1/config"
	"github.com/nullhq/teamchat-go/internal/v1/credentials"
	"github.com/nullhq/teamchat-go/internal/v1/entitycache"
	"github.com/nullhq/teamchat-go/internal/v1/eventmirror"
	"github.com/nullhq/teamchat-go/internal/v1/logging"
	"github.com/nullhq/teamchat-go/internal/v1/middleware"
	"github.com/nullhq/teamchat-go/internal/v1/ratelimit"
	"github.com/nullhq/teamchat-go/internal/v1/sessioncache"
	"github.com/nullhq/teamchat-go/internal/v1/tracing"
	"github.com/nullhq/teamchat-go/pkg/chatclient"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		os.Stderr.WriteString("no .env file found, relying on environment variables\n")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "chatbot-demo", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing unavailable, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	limiter, err := ratelimit.New(cfg.RateLimitOutboundFrames, cfg.RateLimitOutboundHTTP, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to construct rate limiter", zap.Error(err))
		os.Exit(1)
	}

	var mirror *eventmirror.Service
	if cfg.RedisEnabled {
		mirror, err = eventmirror.New(cfg.RedisAddr, cfg.RedisPassword, cfg.InstallationURL)
		if err != nil {
			logging.Warn(ctx, "event mirror unavailable, continuing without it", zap.Error(err))
			mirror = nil
		} else {
			defer mirror.Close()
		}
	}

	var cache sessioncache.Store
	switch {
	case cfg.RedisEnabled:
		cache, err = sessioncache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	case cfg.SessionCachePath != "":
		cache, err = sessioncache.NewFileStore(cfg.SessionCachePath)
	default:
		cache = sessioncache.NewMemoryStore()
	}
	if err != nil {
		logging.Warn(ctx, "session cache unavailable, continuing without it", zap.Error(err))
		cache = sessioncache.NewMemoryStore()
	}

	creds := credentials.Credentials{
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		AuthToken: cfg.AuthToken,
	}

	session, err := chatclient.Connect(ctx, chatclient.Config{
		InstallationURL:   cfg.InstallationURL,
		SocketServerURL:   cfg.SocketServerURL,
		Credentials:       creds,
		RateLimiter:       limiter,
		EventMirror:       mirror,
		ReconnectInterval: cfg.ReconnectInterval,
		PingInterval:      cfg.PingInterval,
		PingTimeout:       cfg.PingTimeout,
		PingMaxAttempt:    cfg.PingMaxAttempt,
		AwaitTimeout:      cfg.FrameAwaitTimeout,
	})
	if err != nil {
		logging.Error(ctx, "failed to connect", zap.Error(err))
		os.Exit(1)
	}
	defer session.Close()

	session.Events().OnAny(func(ev entitycache.Event) {
		logging.Info(ctx, "event", zap.String("type", string(ev.Type)))
	})

	if self := session.CurrentUser(); self != nil {
		if rec, err := cache.Load(ctx, self.ID); err == nil {
			logging.Info(ctx, "found prior session cache record", zap.Time("savedAt", rec.SavedAt))
		} else if err != sessioncache.ErrCacheMiss {
			logging.Warn(ctx, "session cache load failed", zap.Error(err))
		}
	}

	go persistSnapshotPeriodically(ctx, session, cache)

	router := gin.New()
	router.Use(gin.Recovery())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.StatusAllowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(middleware.CorrelationID())
	router.GET("/status", session.HealthReporter().Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: ":8080", Handler: router}
	go func() {
		logging.Info(ctx, "status server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "status server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := session.Logout(shutdownCtx); err != nil {
		logging.Warn(shutdownCtx, "logout failed", zap.Error(err))
	}
}

// persistSnapshotPeriodically saves the session's people/rooms snapshot
// every minute so a restart can resume from cache instead of a fresh
// login (spec.md §6, §4.9).
func persistSnapshotPeriodically(ctx context.Context, session *chatclient.Session, cache sessioncache.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec := session.Snapshot()
			if err := cache.Save(ctx, rec); err != nil {
				logging.Warn(ctx, "failed to persist session snapshot", zap.Error(err))
			}
		}
	}
}
