package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"incident-reporter-go/internal/config"
	"incident-reporter-go/internal/handlers"
	"incident-reporter-go/internal/ledger"
	"incident-reporter-go/internal/logging"
	"incident-reporter-go/internal/metrics"
	"incident-reporter-go/internal/notify"
	"incident-reporter-go/internal/presence"
	"incident-reporter-go/internal/store"
	"incident-reporter-go/internal/txn"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfg, err := config.Load(config.New())
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// VAPID keys identify this server to push services. Generate a pair on
	// first run if none are configured.
	vapidPublic, vapidPrivate := cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey
	if vapidPublic == "" || vapidPrivate == "" {
		logger.Warn("VAPID keys not configured, generating ephemeral pair")
		vapidPrivate, vapidPublic, err = webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Fatal("failed to generate VAPID keys", zap.Error(err))
		}
		logger.Info("generated VAPID keys; set REPORTER_VAPID_PUBLIC_KEY / REPORTER_VAPID_PRIVATE_KEY to persist them")
	}

	// Stores
	pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pgStore.RunMigrations(ctx); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations completed")

	redisStore := store.NewRedisStore(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Core pipeline
	m := metrics.New(prometheus.DefaultRegisterer)
	tracker := presence.NewRedisTracker(redisStore.Client(), cfg.PresenceTTL)
	exec := txn.NewExecutor(pgStore.DB(), txn.Options{StatementTimeout: cfg.StatementTimeout}, logger)
	ldg := ledger.New(exec, logger)

	pushSender := notify.NewWebPushSender(pgStore, notify.WebPushConfig{
		Subscriber:      cfg.PushSubscriber,
		VAPIDPublicKey:  vapidPublic,
		VAPIDPrivateKey: vapidPrivate,
	}, logger)

	orchestrator := notify.NewOrchestrator(tracker, redisStore, pushSender, pgStore, pgStore, cfg.PushLease, m, logger)

	queue := notify.NewQueue(pgStore.DB(), notify.QueueConfig{
		Workers:      cfg.QueueWorkers,
		PollInterval: cfg.QueuePollInterval,
		MaxAttempts:  cfg.QueueMaxAttempts,
		ReclaimAfter: cfg.QueueReclaimAfter,
	}, orchestrator, m, logger)
	queue.Start(ctx)

	h := handlers.NewHandler(pgStore, redisStore, tracker, exec, ldg, queue, cfg.PresenceTTL, cfg.SessionSecret, vapidPublic, logger)
	h.Bootstrap(ctx)

	mux := http.NewServeMux()

	// Session + presence
	mux.HandleFunc("/api/login", h.LoginHandler)
	mux.HandleFunc("/api/logout", h.LogoutHandler)
	mux.HandleFunc("/api/heartbeat", h.RequireAuth(h.HeartbeatHandler))
	mux.HandleFunc("/events", h.RequireAuth(h.SSEHandler))

	// Reports
	mux.HandleFunc("/api/reports", h.RequireAuth(h.CreateReportHandler))
	mux.HandleFunc("/api/reports/", h.RequireAuth(h.ReportHandler))
	mux.HandleFunc("/api/comments", h.RequireAuth(h.AddCommentHandler))
	mux.HandleFunc("/api/follow", h.RequireAuth(h.FollowReportHandler))
	mux.HandleFunc("/api/unfollow", h.RequireAuth(h.UnfollowReportHandler))

	// Chat
	mux.HandleFunc("/api/messages", h.RequireAuth(h.SendMessageHandler))

	// Push subscriptions
	mux.HandleFunc("/api/push/key", h.GetVAPIDKeyHandler)
	mux.HandleFunc("/api/push/subscribe", h.RequireAuth(h.SubscribePushHandler))

	// Account security
	mux.HandleFunc("/api/account/password", h.RequireAuth(h.ChangePasswordHandler))
	mux.HandleFunc("/api/account/2fa/generate", h.RequireAuth(h.Generate2FAHandler))
	mux.HandleFunc("/api/account/2fa/enable", h.RequireAuth(h.Enable2FAHandler))
	mux.HandleFunc("/api/account/2fa/disable", h.RequireAuth(h.Disable2FAHandler))

	// Moderation + operations
	mux.HandleFunc("/api/admin/moderate", h.RequireAuth(h.RequireAdmin(h.ModerateReportHandler)))
	mux.HandleFunc("/api/admin/audit", h.RequireAuth(h.RequireAdmin(h.AuditLogHandler)))
	mux.HandleFunc("/api/admin/queue", h.RequireAuth(h.RequireAdmin(h.QueueStatsHandler)))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: cfg.HTTPAddress, Handler: mux}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		_ = server.Shutdown(context.Background())
	}()

	logger.Info("listening", zap.String("address", cfg.HTTPAddress))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}

	queue.Wait()
}
