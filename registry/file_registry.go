package registry

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvServerFile overrides the rendezvous file location.
const EnvServerFile = "DCOPSERVER_FILE"

// FileRegistry reads and writes the per-user rendezvous file. The file holds a single line:
// a comma-separated list of network ids the broker listens on.
type FileRegistry struct {
	path string
}

func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

// DefaultServerFile returns $DCOPSERVER_FILE if set, else $HOME/.DCOPserver_<host> when it
// exists, else $HOME/.DCOPserver.
func DefaultServerFile() (string, error) {
	if p := os.Getenv(EnvServerFile); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate rendezvous file: %w", err)
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		p := filepath.Join(home, ".DCOPserver_"+host)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(home, ".DCOPserver"), nil
}

func (r *FileRegistry) Path() string {
	return r.path
}

// Discover ignores serviceName: a rendezvous file names exactly one broker.
func (r *FileRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open rendezvous file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read rendezvous file: %w", err)
		}
		return nil, errors.New("rendezvous file is empty")
	}

	var instances []ServiceInstance
	for _, id := range strings.Split(sc.Text(), ",") {
		if id = strings.TrimSpace(id); id != "" {
			instances = append(instances, ServiceInstance{Addr: id})
		}
	}
	if len(instances) == 0 {
		return nil, errors.New("rendezvous file names no address")
	}
	return instances, nil
}

// Register writes the file; later registrations of other addresses are appended to the
// id list. ttl is ignored.
func (r *FileRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ids := []string{instance.Addr}
	if existing, err := r.Discover(serviceName); err == nil {
		for _, inst := range existing {
			if inst.Addr != instance.Addr {
				ids = append(ids, inst.Addr)
			}
		}
	}
	return r.write(ids)
}

// Deregister drops addr from the file and removes the file once it is empty.
func (r *FileRegistry) Deregister(serviceName string, addr string) error {
	existing, err := r.Discover(serviceName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var ids []string
	for _, inst := range existing {
		if inst.Addr != addr {
			ids = append(ids, inst.Addr)
		}
	}
	if len(ids) == 0 {
		return os.Remove(r.path)
	}
	return r.write(ids)
}

func (r *FileRegistry) write(ids []string) error {
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(ids, ",")+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
