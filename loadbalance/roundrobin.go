package loadbalance

import (
	"errors"
	"mini-dcop/registry"
	"sync/atomic"
)

var ErrNoInstances = errors.New("no broker instances available")

// FirstBalancer always starts with the first listed instance, preserving the order the
// broker wrote into the rendezvous file.
type FirstBalancer struct{}

func (FirstBalancer) Pick(instances []registry.ServiceInstance) (int, error) {
	if len(instances) == 0 {
		return 0, ErrNoInstances
	}
	return 0, nil
}

func (FirstBalancer) Name() string {
	return "First"
}

// RoundRobinBalancer rotates the starting instance on every attach, spreading clients
// over several brokers.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (int, error) {
	if len(instances) == 0 {
		return 0, ErrNoInstances
	}
	return int((b.counter.Add(1) - 1) % int64(len(instances))), nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
