// Package loadbalance chooses which discovered broker a client tries first.
//
// Discovery can return several network ids (a rendezvous file lists every address the
// broker listens on, etcd and redis may list several brokers). The client asks the
// balancer for a starting point and falls back through the rest in order.
package loadbalance

import "mini-dcop/registry"

// Balancer picks an instance from the discovered list.
type Balancer interface {
	// Pick returns the index of the instance to try first. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (int, error)

	// Name returns the strategy name (for logging).
	Name() string
}

// Order returns instances rotated so the picked one comes first.
func Order(b Balancer, instances []registry.ServiceInstance) ([]registry.ServiceInstance, error) {
	start, err := b.Pick(instances)
	if err != nil {
		return nil, err
	}
	out := make([]registry.ServiceInstance, 0, len(instances))
	out = append(out, instances[start:]...)
	return append(out, instances[:start]...), nil
}
