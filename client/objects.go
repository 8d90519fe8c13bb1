package client

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Handler processes calls addressed to one object. It returns ok=false when it does not
// recognize fun, in which case dispatch falls through to the proxies.
type Handler interface {
	Process(ctx context.Context, fun string, data []byte) (replyType string, replyData []byte, ok bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, fun string, data []byte) (string, []byte, bool)

func (f HandlerFunc) Process(ctx context.Context, fun string, data []byte) (string, []byte, bool) {
	return f(ctx, fun, data)
}

// Proxy is a fallback consulted for objects without a registered handler. Proxies are
// removed by identity, so implementations must be comparable (typically a pointer).
type Proxy interface {
	Process(ctx context.Context, obj, fun string, data []byte) (replyType string, replyData []byte, ok bool)
}

type objectRegistry struct {
	mu      sync.RWMutex
	objects map[string]Handler
	proxies []Proxy
}

func (r *objectRegistry) lookup(path string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.objects[path]
	return h, ok
}

// proxyList returns a snapshot, so a proxy may install or remove proxies while dispatching.
func (r *objectRegistry) proxyList() []Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.proxies)
}

// match returns the sorted object paths matching pattern: exactly, or by prefix when
// pattern ends in '*'.
func (r *objectRegistry) match(pattern string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var paths []string
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		for path := range r.objects {
			if strings.HasPrefix(path, prefix) {
				paths = append(paths, path)
			}
		}
	} else if _, ok := r.objects[pattern]; ok {
		paths = append(paths, pattern)
	}
	slices.Sort(paths)
	return paths
}

// RegisterObject associates path with h. The last registration for a path wins.
func (c *Client) RegisterObject(path string, h Handler) error {
	if path == "" {
		return ErrEmptyObjectID
	}
	c.objects.mu.Lock()
	c.objects.objects[path] = h
	c.objects.mu.Unlock()
	return nil
}

// UnregisterObject removes path. Unknown paths are ignored.
func (c *Client) UnregisterObject(path string) {
	c.objects.mu.Lock()
	delete(c.objects.objects, path)
	c.objects.mu.Unlock()
}

// InstallProxy appends p to the proxies, which are tried in installation order.
func (c *Client) InstallProxy(p Proxy) {
	c.objects.mu.Lock()
	c.objects.proxies = append(c.objects.proxies, p)
	c.objects.mu.Unlock()
}

// RemoveProxy removes the first installed proxy equal to p.
func (c *Client) RemoveProxy(p Proxy) {
	c.objects.mu.Lock()
	defer c.objects.mu.Unlock()
	if i := slices.Index(c.objects.proxies, p); i >= 0 {
		c.objects.proxies = slices.Delete(c.objects.proxies, i, i+1)
	}
}

// Objects returns the registered object paths in sorted order.
func (c *Client) Objects() []string {
	return c.objects.match("*")
}
