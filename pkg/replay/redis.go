package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry shares replay state across gateway instances. SETNX with a
// TTL gives the same first-seen-exactly-once contract as MemoryRegistry
// without a sweep.
type RedisRegistry struct {
	client    *redis.Client
	retention time.Duration
	prefix    string
}

// NewRedisRegistry creates a registry on an existing Redis client.
func NewRedisRegistry(client *redis.Client, retention time.Duration) *RedisRegistry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisRegistry{
		client:    client,
		retention: retention,
		prefix:    "replay:",
	}
}

func (r *RedisRegistry) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, "1", r.retention).Result()
	if err != nil {
		return false, fmt.Errorf("replay registry: %w", err)
	}
	return ok, nil
}
