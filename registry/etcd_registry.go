package registry

import (
	"context"
	"encoding/json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"sync"
)

// EtcdRegistry implements Registry using etcd v3.
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases kept alive in the background: if the broker dies the lease
// expires and the entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key -> stops its KeepAlive
}

const defaultEtcdPrefix = "/mini-dcop/"

func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		prefix: defaultEtcdPrefix,
		leases: make(map[string]context.CancelFunc),
	}, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register stores instance under a lease of ttl seconds and keeps the lease alive until
// Deregister or Close.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.key(serviceName, instance.Addr)
	_, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev()
	}
	r.leases[key] = cancel
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	r.mu.Lock()
	if cancel, ok := r.leases[key]; ok {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(context.TODO(), key)
	return err
}

// Discover returns all instances registered under serviceName.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(context.TODO(), r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.leases {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
