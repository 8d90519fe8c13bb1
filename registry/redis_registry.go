package registry

import (
	"context"
	"encoding/json"
	"github.com/redis/go-redis/v9"
	"sync"
	"time"
)

// RedisRegistry implements Registry on a shared redis instance.
//
//	Key:   {prefix}{ServiceName}:{Addr}   (expires after ttl seconds, refreshed at ttl/3)
//	Value: JSON-encoded ServiceInstance
type RedisRegistry struct {
	client *redis.Client
	prefix string

	mu       sync.Mutex
	refresh  map[string]context.CancelFunc
	interval func(ttl time.Duration) time.Duration
}

const defaultRedisPrefix = "mini-dcop:"

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client:  client,
		prefix:  defaultRedisPrefix,
		refresh: make(map[string]context.CancelFunc),
		interval: func(ttl time.Duration) time.Duration {
			return ttl / 3
		},
	}
}

func (r *RedisRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + ":" + addr
}

func (r *RedisRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := r.key(serviceName, instance.Addr)
	expiry := time.Duration(ttl) * time.Second
	if err := r.client.Set(context.TODO(), key, val, expiry).Err(); err != nil {
		return err
	}
	if expiry <= 0 {
		return nil // No expiry, nothing to refresh
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if prev, ok := r.refresh[key]; ok {
		prev()
	}
	r.refresh[key] = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.interval(expiry))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.client.Set(ctx, key, val, expiry)
			}
		}
	}()
	return nil
}

func (r *RedisRegistry) Deregister(serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	r.mu.Lock()
	if cancel, ok := r.refresh[key]; ok {
		cancel()
		delete(r.refresh, key)
	}
	r.mu.Unlock()
	return r.client.Del(context.TODO(), key).Err()
}

// Discover scans for every live key of serviceName.
func (r *RedisRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx := context.TODO()
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+serviceName+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // Expired between SCAN and MGET
		}
		var instance ServiceInstance
		if err := json.Unmarshal([]byte(s), &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops all refresh loops. The redis client is owned by the caller.
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cancel := range r.refresh {
		cancel()
		delete(r.refresh, key)
	}
	return nil
}
