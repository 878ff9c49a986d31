package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-ops/internal/models"
)

// Repository persists the settings snapshot.
type Repository interface {
	Load(ctx context.Context) (models.OperationalSettings, bool, error)
	Save(ctx context.Context, s models.OperationalSettings) error
}

type MemoryRepository struct {
	mu    sync.Mutex
	saved *models.OperationalSettings
}

func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

func (m *MemoryRepository) Load(context.Context) (models.OperationalSettings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return models.OperationalSettings{}, false, nil
	}
	return m.saved.Clone(), true, nil
}

func (m *MemoryRepository) Save(_ context.Context, s models.OperationalSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.Clone()
	m.saved = &c
	return nil
}

// KV is the subset of redis commands the repository needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisRepository keeps the snapshot as one JSON document under a key.
type RedisRepository struct {
	kv  KV
	key string
}

func NewRedisRepository(kv KV, key string) *RedisRepository {
	return &RedisRepository{kv: kv, key: key}
}

func (r *RedisRepository) Load(ctx context.Context) (models.OperationalSettings, bool, error) {
	b, err := r.kv.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.OperationalSettings{}, false, nil
	}
	if err != nil {
		return models.OperationalSettings{}, false, fmt.Errorf("redis get %s: %v: %w", r.key, err, models.ErrStorageUnavailable)
	}
	var s models.OperationalSettings
	if err := json.Unmarshal(b, &s); err != nil {
		return models.OperationalSettings{}, false, fmt.Errorf("decode settings: %w", err)
	}
	if s.Pricing == nil {
		s.Pricing = map[string]float64{}
	}
	return s, true, nil
}

func (r *RedisRepository) Save(ctx context.Context, s models.OperationalSettings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, r.key, b, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %v: %w", r.key, err, models.ErrStorageUnavailable)
	}
	return nil
}
