package client

import (
	"go.uber.org/zap"
	"mini-dcop/loadbalance"
	"mini-dcop/middleware"
	"mini-dcop/registry"
	"time"
)

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithServerAddr skips discovery and attaches to addr (a network id such as
// "tcp/127.0.0.1:5000" or "local/host:/tmp/dcop.sock").
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithDiscoverer looks the server up in a registry (etcd, redis) instead of the
// rendezvous file.
func WithDiscoverer(d registry.Discoverer) Option {
	return func(c *Client) {
		c.discoverer = d
	}
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) {
		if b != nil {
			c.balancer = b
		}
	}
}

// WithMiddleware wraps the dispatch of incoming messages. The first middleware runs outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) {
		c.middlewares = append(c.middlewares, mws...)
	}
}

func WithAuthRequired(required bool) Option {
	return func(c *Client) {
		c.authRequired = required
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = d
	}
}

// WithMaxDispatchDepth bounds how deeply calls may nest through re-entrant dispatch.
func WithMaxDispatchDepth(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithProcessHook handles messages addressed to the connection itself (empty object id)
// other than the built-in registration notifications.
func WithProcessHook(h Handler) Option {
	return func(c *Client) {
		c.processHook = h
	}
}

// OnAttachFailed is invoked with every attach failure, in addition to the returned error.
func OnAttachFailed(fn func(*AttachError)) Option {
	return func(c *Client) {
		c.onAttachFailed = fn
	}
}

func OnApplicationRegistered(fn func(appID string)) Option {
	return func(c *Client) {
		c.onAppRegistered = fn
	}
}

func OnApplicationRemoved(fn func(appID string)) Option {
	return func(c *Client) {
		c.onAppRemoved = fn
	}
}
