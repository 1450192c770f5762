// Package rediscache provides a service backed by a Redis server, used both
// as a key/value cache and as an HTTP session store (one hash per session).
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/example/loadharness/internal/service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Name is the registry name of the Redis service.
const Name = "redis"

// ErrSessionNotFound is returned when writing or invalidating an unknown session.
var ErrSessionNotFound = errors.New("rediscache: session not found")

// Service talks to Redis through a go-redis client created on Start.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	log *zap.Logger
	cfg config.RedisConfig

	mu     sync.RWMutex
	client *redis.Client
}

var (
	_ service.Service        = (*Service)(nil)
	_ operation.Cache        = (*Service)(nil)
	_ operation.SessionStore = (*Service)(nil)
)

// New creates an unconfigured Redis service.
func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{log: log}
}

// Factory is the registry factory for the Redis service.
func Factory(log *zap.Logger) service.Service { return New(log) }

// Configure stores the redis section of cfg.
func (s *Service) Configure(cfg config.ServiceConfig) error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: service.redis.addr is required", config.ErrInvalidConfig)
	}
	s.cfg = cfg.Redis
	return nil
}

// Start connects and pings the server. It is a no-op when already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        s.cfg.Addr,
		Password:    s.cfg.Password,
		DB:          s.cfg.DB,
		DialTimeout: s.cfg.DialTimeout,
	})

	timeout := s.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis at %s: %w", s.cfg.Addr, err)
	}

	s.client = client
	s.log.Info("connected", zap.String("addr", s.cfg.Addr), zap.Int("db", s.cfg.DB))
	return nil
}

// Stop closes the client. It is a no-op when not started.
func (s *Service) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// IsStarted reports whether the service holds a connected client.
func (s *Service) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

func (s *Service) conn() (*redis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, service.ErrNotStarted
	}
	return s.client, nil
}

func (s *Service) key(key string) string { return s.cfg.KeyPrefix + key }

func (s *Service) sessionKey(id string) string { return s.cfg.KeyPrefix + "session:" + id }

// Get returns the value under key; a missing key is a miss, not an error.
func (s *Service) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	v, err := c.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, true, nil
}

// Put stores value under key without expiry.
func (s *Service) Put(ctx context.Context, key string, value []byte) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if err := c.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Service) Delete(ctx context.Context, key string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if err := c.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// CreateSession creates the session hash with its initial data.
func (s *Service) CreateSession(ctx context.Context, id string, data []byte) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	created, err := c.HSetNX(ctx, s.sessionKey(id), "data", data).Result()
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", id, err)
	}
	if !created {
		return fmt.Errorf("rediscache: session %s already exists", id)
	}
	return nil
}

// writeSessionScript sets a hash field only while the hash exists, so a write
// racing an invalidation cannot recreate the session.
var writeSessionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// WriteSession sets one attribute of a live session.
func (s *Service) WriteSession(ctx context.Context, id, attribute string, value []byte) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	written, err := writeSessionScript.Run(ctx, c, []string{s.sessionKey(id)}, attribute, value).Int()
	if err != nil {
		return fmt.Errorf("failed to write session %s: %w", id, err)
	}
	if written == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// InvalidateSession deletes the session hash.
func (s *Service) InvalidateSession(ctx context.Context, id string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	n, err := c.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to invalidate session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
