package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MarkusJohansen/faxing/internal/config"
	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SessionRepository persists sessions in Redis. Each session is a JSON
// string; a sorted set scored by creation time indexes the live codes.
type SessionRepository struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewSessionRepository connects to Redis and verifies the connection
func NewSessionRepository(cfg *config.RedisConfig, logger *slog.Logger) (*SessionRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewSessionRepositoryWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewSessionRepositoryWithClient wraps an existing client
func NewSessionRepositoryWithClient(client *redis.Client, prefix string, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Close closes the Redis connection
func (r *SessionRepository) Close() error {
	return r.client.Close()
}

// Ping checks the connection, used by the readiness probe
func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *SessionRepository) sessionKey(code string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, code)
}

func (r *SessionRepository) indexKey() string {
	return fmt.Sprintf("%s:sessions:index", r.prefix)
}

// SaveSession writes the session and indexes it atomically
func (r *SessionRepository) SaveSession(ctx context.Context, s *domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(s.Code), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(s.CreatedAt.UnixMilli()),
			Member: s.Code,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving session %s: %w", s.Code, err)
	}
	return nil
}

// DeleteSession removes the session and its index entry
func (r *SessionRepository) DeleteSession(ctx context.Context, code string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(code))
		pipe.ZRem(ctx, r.indexKey(), code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", code, err)
	}
	return nil
}

// LoadSessions returns every indexed session, oldest first. Index entries
// whose value has vanished are skipped.
func (r *SessionRepository) LoadSessions(ctx context.Context) ([]*domain.Session, error) {
	codes, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading session index: %w", err)
	}
	if len(codes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = r.sessionKey(code)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			r.logger.Warn("session index points at missing key", "code", codes[i])
			continue
		}
		var s domain.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", codes[i], err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}
