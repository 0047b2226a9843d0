package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quel-tryon-client/modules/common/config"
)

// Key prefixes for everything the client persists locally
const (
	SessionKeyPrefix  = "tryon:session:"
	ActiveSessionKey  = "tryon:session:active"
	ActiveJobsHashKey = "tryon:active_jobs"
)

// Connect - Redis client with a ping check
func Connect(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	log.Info().Str("addr", cfg.GetRedisAddr()).Bool("tls", cfg.RedisUseTLS).Msg("[Redis] connecting")

	var tlsConfig *tls.Config
	if cfg.RedisUseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		TLSConfig:    tlsConfig,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Msg("[Redis] connected")
	return rdb, nil
}

// SessionKey - key holding the persisted draft of one workflow kind
func SessionKey(kind string) string {
	return SessionKeyPrefix + kind
}
