package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryState keeps the latest message per channel in process.
type MemoryState struct {
	mu     sync.RWMutex
	latest map[string]Message
}

func NewMemoryState() *MemoryState {
	return &MemoryState{latest: make(map[string]Message)}
}

func (s *MemoryState) Record(_ context.Context, msg Message) error {
	s.mu.Lock()
	s.latest[msg.Channel] = msg
	s.mu.Unlock()
	return nil
}

func (s *MemoryState) Latest(channel string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.latest[channel]
	return m, ok
}

// Snapshot copies the current state.
func (s *MemoryState) Snapshot() map[string]Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Message, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// RedisState keeps the snapshot in a Redis hash so consumers in other processes can
// poll it. Key: replay:state:<session>, field: channel, value: JSON Message.
type RedisState struct {
	Redis *redis.Client
	key   string
	ttl   time.Duration
}

func NewRedisState(r *redis.Client, session string, ttl time.Duration) *RedisState {
	return &RedisState{Redis: r, key: "replay:state:" + session, ttl: ttl}
}

func (s *RedisState) Key() string {
	return s.key
}

func (s *RedisState) Record(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	pipe := s.Redis.TxPipeline()
	pipe.HSet(ctx, s.key, msg.Channel, b)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisState) Latest(ctx context.Context, channel string) (Message, bool, error) {
	raw, err := s.Redis.HGet(ctx, s.key, channel).Bytes()
	if err == redis.Nil {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, false, fmt.Errorf("decode state %s: %w", channel, err)
	}
	return m, true, nil
}

// Clear drops the snapshot, used when a session is reloaded or stopped.
func (s *RedisState) Clear(ctx context.Context) error {
	return s.Redis.Del(ctx, s.key).Err()
}
