package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps flows in a shared redis so the whole fleet sees one flow
// per login.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func flowKey(key string) string {
	return "mfa:flow:" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (*FlowState, error) {
	raw, err := s.client.Get(ctx, flowKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flow get: %w", err)
	}

	var flow FlowState
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("flow decode: %w", err)
	}
	return &flow, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, flow *FlowState, ttl time.Duration) error {
	raw, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("flow encode: %w", err)
	}
	return s.client.Set(ctx, flowKey(key), raw, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, flowKey(key)).Err()
}
