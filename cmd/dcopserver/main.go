// Command dcopserver runs a DCOP broker.
//
//	dcopserver -listen unix:/tmp/.dcop-$USER -etcd 127.0.0.1:2379
package main

import (
	"context"
	"flag"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"mini-dcop/middleware"
	"mini-dcop/registry"
	"mini-dcop/server"
	"mini-dcop/transport"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

func main() {
	listen := flag.String("listen", "tcp/127.0.0.1:0", "network id to listen on (unix:/path, tcp/host:port, vsock/cid:port)")
	advertise := flag.String("advertise", "", "network id clients should dial, defaults to the listener address")
	rendezvous := flag.String("rendezvous", "", "rendezvous file to write, defaults to $DCOPSERVER_FILE or ~/.DCOPserver_<host>")
	noFile := flag.Bool("no-rendezvous", false, "do not write a rendezvous file")
	etcdEndpoints := flag.String("etcd", "", "comma-separated etcd endpoints to advertise in")
	redisAddr := flag.String("redis", "", "redis address to advertise in")
	rps := flag.Float64("rate", 0, "messages per second accepted from all clients, 0 for unlimited")
	burst := flag.Int("burst", 100, "rate limiter burst")
	debug := flag.Bool("debug", false, "log every message")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if *debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mws := []middleware.Middleware{middleware.RecoverMiddleware(logger)}
	if *debug {
		mws = append(mws, middleware.LoggingMiddleware(logger))
	}
	if *rps > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(*rps, *burst, logger))
	}
	svr := server.NewServer(server.WithLogger(logger), server.WithMiddleware(mws...))

	addr, err := transport.ParseAddr(*listen)
	if err != nil {
		logger.Fatal("bad listen address", zap.Error(err))
	}
	l, err := transport.Listen(addr)
	if err != nil {
		logger.Fatal("cannot listen", zap.String("addr", *listen), zap.Error(err))
	}
	if addr.Network == "unix" {
		defer os.Remove(addr.Address)
	}
	advertiseAddr := *advertise
	if advertiseAddr == "" {
		advertiseAddr = transport.AddrOf(l)
	}

	var regs []registry.Registry
	if !*noFile {
		path := *rendezvous
		if path == "" {
			if path, err = rendezvousFile(); err != nil {
				logger.Fatal("cannot locate rendezvous file", zap.Error(err))
			}
		}
		regs = append(regs, registry.NewFileRegistry(path))
	}
	if *etcdEndpoints != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(*etcdEndpoints, ","))
		if err != nil {
			logger.Fatal("cannot connect to etcd", zap.Error(err))
		}
		defer reg.Close()
		regs = append(regs, reg)
	}
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("cannot connect to redis", zap.String("addr", *redisAddr), zap.Error(err))
		}
		reg := registry.NewRedisRegistry(rdb)
		defer reg.Close()
		regs = append(regs, reg)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- svr.Serve(l, advertiseAddr, regs...)
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := svr.Shutdown(5 * time.Second); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}
}

// rendezvousFile is where a desktop session expects to find its broker.
func rendezvousFile() (string, error) {
	if p := os.Getenv(registry.EnvServerFile); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	host, _ := os.Hostname()
	if host == "" {
		return filepath.Join(home, ".DCOPserver"), nil
	}
	return filepath.Join(home, ".DCOPserver_"+host), nil
}
