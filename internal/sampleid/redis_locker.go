package sampleid

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultLockKeyPrefix     = "fieldlab:sampleid:"
	defaultLockTTL           = 10 * time.Second
	defaultLockRetryInterval = 25 * time.Millisecond
	defaultUnlockTimeout     = 2 * time.Second
)

// ErrLockNotAcquired is returned when the lock could not be taken before the
// configured wait elapsed.
var ErrLockNotAcquired = errors.New("sample id lock not acquired")

// releaseScript deletes the lock only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisLockerConfig configures the Redis-backed per-prefix lock.
type RedisLockerConfig struct {
	Addr          string
	Addrs         []string
	Username      string
	Password      string
	MasterName    string
	PoolSize      int
	DialTimeout   time.Duration
	KeyPrefix     string
	TTL           time.Duration
	RetryInterval time.Duration
	MaxWait       time.Duration
	Logger        *slog.Logger
	TLS           RedisTLSConfig
}

// RedisLocker is a Locker shared by every instance connected to the same
// Redis deployment. Locks expire after TTL so a crashed holder cannot block a
// prefix forever.
type RedisLocker struct {
	client        redis.UniversalClient
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
	maxWait       time.Duration
	logger        *slog.Logger
}

// NewRedisLocker connects to Redis using cfg.
func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            addrs,
		MasterName:       strings.TrimSpace(cfg.MasterName),
		Username:         strings.TrimSpace(cfg.Username),
		Password:         cfg.Password,
		TLSConfig:        tlsConfig,
		DialTimeout:      cfg.DialTimeout,
		PoolSize:         cfg.PoolSize,
		MaxRetries:       2,
		DisableIndentity: true,
	})
	return newRedisLocker(client, cfg), nil
}

func newRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	locker := &RedisLocker{
		client:        client,
		keyPrefix:     cfg.KeyPrefix,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
		maxWait:       cfg.MaxWait,
		logger:        cfg.Logger,
	}
	if strings.TrimSpace(locker.keyPrefix) == "" {
		locker.keyPrefix = defaultLockKeyPrefix
	}
	if locker.ttl <= 0 {
		locker.ttl = defaultLockTTL
	}
	if locker.retryInterval <= 0 {
		locker.retryInterval = defaultLockRetryInterval
	}
	if locker.maxWait <= 0 {
		locker.maxWait = locker.ttl
	}
	if locker.logger == nil {
		locker.logger = slog.Default()
	}
	return locker
}

// Lock polls SET NX until the key is free, ctx is done or MaxWait elapses.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.keyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", redisKey, err)
		}
		if ok {
			return l.unlocker(redisKey, token), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, redisKey)
		}
		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) unlocker(redisKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), defaultUnlockTimeout)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("release sample id lock failed", "key", redisKey, "error", err)
		}
	}
}

// Ping checks connectivity to Redis.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connections.
func (l *RedisLocker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
