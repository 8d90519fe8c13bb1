package client

import (
	"errors"
	"mini-dcop/registry"
	"os"
	"strings"
)

// EnvServer names the server address directly, bypassing every registry.
const EnvServer = "DCOPSERVER"

// discover resolves candidate server addresses: explicit option, $DCOPSERVER, the
// configured discoverer, then the rendezvous file.
func (c *Client) discover() ([]registry.ServiceInstance, error) {
	if c.serverAddr != "" {
		return []registry.ServiceInstance{{Addr: c.serverAddr}}, nil
	}
	if env := os.Getenv(EnvServer); env != "" {
		var instances []registry.ServiceInstance
		for _, id := range strings.Split(env, ",") {
			if id = strings.TrimSpace(id); id != "" {
				instances = append(instances, registry.ServiceInstance{Addr: id})
			}
		}
		if len(instances) > 0 {
			return instances, nil
		}
	}
	if c.discoverer != nil {
		instances, err := c.discoverer.Discover(registry.ServiceName)
		if err != nil {
			return nil, err
		}
		if len(instances) == 0 {
			return nil, errors.New("no DCOP server registered")
		}
		return instances, nil
	}

	path, err := registry.DefaultServerFile()
	if err != nil {
		return nil, err
	}
	return registry.NewFileRegistry(path).Discover(registry.ServiceName)
}
