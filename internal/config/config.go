package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "REPORTER"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultRedisAddr        = "localhost:6379"
	defaultLogLevel         = "info"
	defaultPresenceTTL      = 60 * time.Second
	defaultPushLease        = 5 * time.Minute
	defaultStatementTimeout = 5 * time.Second
	defaultQueueWorkers     = 4
	defaultQueuePoll        = time.Second
	defaultQueueAttempts    = 5
	defaultQueueReclaim     = 5 * time.Minute
	defaultPushSubscriber   = "mailto:ops@example.com"
)

// Config captures runtime configuration for the reporting service. Presence
// TTL and the push lease window are deployment-tuned, never hard-coded at
// use sites.
type Config struct {
	HTTPAddress   string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PresenceTTL      time.Duration
	PushLease        time.Duration
	StatementTimeout time.Duration

	QueueWorkers      int
	QueuePollInterval time.Duration
	QueueMaxAttempts  int
	QueueReclaimAfter time.Duration

	PushSubscriber  string
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	SessionSecret string
	LogLevel      string
}

// New returns a viper instance with defaults and env bindings applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("presence.ttl", defaultPresenceTTL)
	v.SetDefault("push.lease", defaultPushLease)
	v.SetDefault("push.subscriber", defaultPushSubscriber)
	v.SetDefault("txn.statement_timeout", defaultStatementTimeout)
	v.SetDefault("queue.workers", defaultQueueWorkers)
	v.SetDefault("queue.poll_interval", defaultQueuePoll)
	v.SetDefault("queue.max_attempts", defaultQueueAttempts)
	v.SetDefault("queue.reclaim_after", defaultQueueReclaim)
	v.SetDefault("log.level", defaultLogLevel)
	return v
}

// Load parses and validates runtime configuration from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddress:       v.GetString("http.address"),
		DatabaseURL:       v.GetString("database.url"),
		RedisAddr:         v.GetString("redis.addr"),
		RedisPassword:     v.GetString("redis.password"),
		RedisDB:           v.GetInt("redis.db"),
		PresenceTTL:       v.GetDuration("presence.ttl"),
		PushLease:         v.GetDuration("push.lease"),
		StatementTimeout:  v.GetDuration("txn.statement_timeout"),
		QueueWorkers:      v.GetInt("queue.workers"),
		QueuePollInterval: v.GetDuration("queue.poll_interval"),
		QueueMaxAttempts:  v.GetInt("queue.max_attempts"),
		QueueReclaimAfter: v.GetDuration("queue.reclaim_after"),
		PushSubscriber:    v.GetString("push.subscriber"),
		VAPIDPublicKey:    v.GetString("vapid.public_key"),
		VAPIDPrivateKey:   v.GetString("vapid.private_key"),
		SessionSecret:     v.GetString("session.secret"),
		LogLevel:          v.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database.url is required (REPORTER_DATABASE_URL)")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.PushLease <= 0 {
		return fmt.Errorf("push.lease must be positive")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("session.secret is required (REPORTER_SESSION_SECRET)")
	}
	return nil
}
