package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore implements Store on redis for multi-instance deployments.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "veriscope:session:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	slog.Info("redis session store initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)

	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (s *RedisStore) key(token string) string {
	return s.keyPrefix + token
}

// Get retrieves state by token.
func (s *RedisStore) Get(ctx context.Context, token string) (*State, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	return &state, nil
}

// Set stores state with the configured TTL.
func (s *RedisStore) Set(ctx context.Context, token string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the entry.
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Quit closes the redis connection.
func (s *RedisStore) Quit() error {
	return s.client.Close()
}
