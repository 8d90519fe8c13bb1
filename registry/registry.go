// Package registry publishes and discovers broker addresses.
//
// A broker registers the network id it listens on; clients discover it before attaching.
// Three backends exist: the per-user rendezvous file (the default on a desktop), etcd and
// redis (for brokers shared across hosts or containers).
package registry

// ServiceName is the name brokers register under.
const ServiceName = "DCOPServer"

type ServiceInstance struct {
	Addr    string // Network id, e.g. "tcp/10.0.0.5:5000" or "local/host:/tmp/dcop.sock"
	Weight  int
	Version string
}

// Discoverer finds broker instances.
type Discoverer interface {
	Discover(serviceName string) ([]ServiceInstance, error)
}

// Registry is implemented by backends a broker can advertise itself in.
type Registry interface {
	Discoverer
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
}
