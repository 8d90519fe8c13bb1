package client_test

import (
	"context"
	"errors"
	"mini-dcop/client"
	"mini-dcop/codec"
	"mini-dcop/registry"
	"mini-dcop/server"
	"mini-dcop/transport"
	"net"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func startServer(t testing.TB) (*server.Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := server.NewServer()
	addr := transport.AddrOf(l)
	go s.Serve(l, addr)
	t.Cleanup(func() { s.Shutdown(2 * time.Second) })
	return s, addr
}

// register attaches a client to addr as appID.
func register(t testing.TB, addr, appID string, opts ...client.Option) *client.Client {
	t.Helper()
	c := client.New(append([]client.Option{client.WithServerAddr(addr), client.WithPingInterval(0)}, opts...)...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if appID != "" {
		if _, err := c.RegisterAs(ctx, appID, false); err != nil {
			t.Fatalf("RegisterAs(%q): %v", appID, err)
		}
	}
	t.Cleanup(func() { c.Detach() })
	return c
}

// serve pumps c in the background until the test ends.
func serve(t testing.TB, c *client.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func timeout(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func putString(s string) []byte {
	w := codec.NewWriter()
	w.PutString(s)
	return w.Bytes()
}

func TestEndToEndCall(t *testing.T) {
	_, addr := startServer(t)

	a := client.New(client.WithServerAddr(addr), client.WithPingInterval(0))
	t.Cleanup(func() { a.Detach() })
	// RegisterAs attaches on its own.
	id, err := a.RegisterAs(timeout(t), "foo", false)
	if err != nil || id != "foo" {
		t.Fatalf("RegisterAs = %q, %v", id, err)
	}
	if !a.IsRegistered() || a.AppID() != "foo" || !a.IsAttached() {
		t.Fatal("client state not updated after registration")
	}

	b := register(t, addr, "B")
	type invocation struct {
		fun  string
		data []byte
	}
	got := make(chan invocation, 1)
	b.RegisterObject("obj/child", client.HandlerFunc(func(ctx context.Context, fun string, data []byte) (string, []byte, bool) {
		got <- invocation{fun, data}
		if sender, _ := client.SenderID(ctx); sender != "foo" {
			return "", nil, false
		}
		return "QString", putString("hello"), true
	}))
	serve(t, b)

	w := codec.NewWriter()
	w.PutInt32(5)
	typ, reply, err := a.Call(timeout(t), "B", "obj/child", "doIt ( int )", w.Bytes())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if typ != "QString" || string(reply) != string(putString("hello")) {
		t.Fatalf("Call = %q, %x", typ, reply)
	}
	if inv := <-got; inv.fun != "doIt(int)" || string(inv.data) != string([]byte{0, 0, 0, 5}) {
		t.Fatalf("handler got %q %x", inv.fun, inv.data)
	}
}

func TestRegisterAsDisambiguates(t *testing.T) {
	_, addr := startServer(t)
	register(t, addr, "foo")
	second := register(t, addr, "")
	id, err := second.RegisterAs(timeout(t), "foo", false)
	if err != nil || id != "foo-2" {
		t.Fatalf("RegisterAs = %q, %v; want foo-2", id, err)
	}

	apps, err := second.RegisteredApplications(timeout(t))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(apps, "foo") || !slices.Contains(apps, "foo-2") {
		t.Fatalf("RegisteredApplications = %v", apps)
	}
	if ok, err := second.IsApplicationRegistered(timeout(t), "foo"); err != nil || !ok {
		t.Fatalf("IsApplicationRegistered(foo) = %v, %v", ok, err)
	}
	if ok, err := second.IsApplicationRegistered(timeout(t), "nobody"); err != nil || ok {
		t.Fatalf("IsApplicationRegistered(nobody) = %v, %v", ok, err)
	}
}

func TestAnonymousAttach(t *testing.T) {
	_, addr := startServer(t)
	c := register(t, addr, "")
	if !c.IsRegistered() || len(c.AppID()) < len("anonymous-") || c.AppID()[:len("anonymous-")] != "anonymous-" {
		t.Fatalf("anonymous registration gave %q", c.AppID())
	}
}

func TestEndToEndTransaction(t *testing.T) {
	_, addr := startServer(t)
	a := register(t, addr, "A")
	b := register(t, addr, "B")

	txs := make(chan *client.Transaction, 1)
	b.RegisterObject("worker", client.HandlerFunc(func(ctx context.Context, fun string, data []byte) (string, []byte, bool) {
		tx, err := b.BeginTransaction(ctx)
		if err != nil {
			return "", nil, false
		}
		txs <- tx
		return "", nil, true
	}))
	serve(t, b)

	go func() {
		tx := <-txs
		time.Sleep(20 * time.Millisecond)
		b.EndTransaction(tx, "QString", putString("deferred"))
	}()

	typ, reply, err := a.Call(timeout(t), "B", "worker", "compute()", nil)
	if err != nil || typ != "QString" || string(reply) != string(putString("deferred")) {
		t.Fatalf("Call = %q, %x, %v", typ, reply, err)
	}
}

func TestEndToEndReentrantSelfCall(t *testing.T) {
	_, addr := startServer(t)
	a := register(t, addr, "A")
	obj := client.NewObject()
	obj.Handle("echo(QString)", func(ctx context.Context, data []byte) (string, []byte, error) {
		return "QString", data, nil
	})
	a.RegisterObject("self", obj)

	typ, reply, err := a.Call(timeout(t), "A", "self", "echo(QString)", putString("loop"))
	if err != nil || typ != "QString" || string(reply) != string(putString("loop")) {
		t.Fatalf("Call = %q, %x, %v", typ, reply, err)
	}
}

func TestEndToEndCallFailures(t *testing.T) {
	_, addr := startServer(t)
	a := register(t, addr, "A")
	b := register(t, addr, "B")
	serve(t, b)

	if _, _, err := a.Call(timeout(t), "nobody", "obj", "f()", nil); !errors.Is(err, client.ErrCallFailed) {
		t.Errorf("call to unknown app: expect ErrCallFailed, got %v", err)
	}
	if _, _, err := a.Call(timeout(t), "B", "missing", "f()", nil); !errors.Is(err, client.ErrCallFailed) {
		t.Errorf("call to unknown object: expect ErrCallFailed, got %v", err)
	}
	if _, _, err := a.Call(timeout(t), client.ServerID, "", "noSuchFunction()", nil); !errors.Is(err, client.ErrCallFailed) {
		t.Errorf("unknown server function: expect ErrCallFailed, got %v", err)
	}
}

func TestCallFailsWhenCalleeDetaches(t *testing.T) {
	_, addr := startServer(t)
	a := register(t, addr, "A")
	b := register(t, addr, "B")
	started := make(chan struct{})
	b.RegisterObject("stuck", client.HandlerFunc(func(ctx context.Context, fun string, data []byte) (string, []byte, bool) {
		b.BeginTransaction(ctx) // never ended
		close(started)
		return "", nil, true
	}))
	serve(t, b)

	go func() {
		<-started
		b.Detach()
	}()
	if _, _, err := a.Call(timeout(t), "B", "stuck", "f()", nil); !errors.Is(err, client.ErrCallFailed) {
		t.Fatalf("expect ErrCallFailed once the callee is gone, got %v", err)
	}
	if !a.IsAttached() {
		t.Fatal("caller should stay attached")
	}
}

func TestCallTimeout(t *testing.T) {
	_, addr := startServer(t)
	a := register(t, addr, "A")
	b := register(t, addr, "B")
	b.RegisterObject("stuck", client.HandlerFunc(func(ctx context.Context, fun string, data []byte) (string, []byte, bool) {
		b.BeginTransaction(ctx)
		return "", nil, true
	}))
	serve(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := a.Call(ctx, "B", "stuck", "f()", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
}

func TestEndToEndSend(t *testing.T) {
	_, addr := startServer(t)
	a := register(t, addr, "A")
	received := make(chan string, 4)
	for _, name := range []string{"B", "C"} {
		name := name
		c := register(t, addr, name)
		c.RegisterObject("sink", client.HandlerFunc(func(ctx context.Context, fun string, data []byte) (string, []byte, bool) {
			s, _ := codec.NewReader(data).String()
			received <- name + ":" + s
			return "void", nil, true
		}))
		serve(t, c)
	}

	if err := a.Send(timeout(t), "B", "sink", "put(QString)", putString("direct")); err != nil {
		t.Fatal(err)
	}
	if got := recvString(t, received); got != "B:direct" {
		t.Fatalf("got %q", got)
	}

	if err := a.Send(timeout(t), client.Wildcard, "sink", "put(QString)", putString("all")); err != nil {
		t.Fatal(err)
	}
	got := []string{recvString(t, received), recvString(t, received)}
	slices.Sort(got)
	if !slices.Equal(got, []string{"B:all", "C:all"}) {
		t.Fatalf("broadcast delivered %v", got)
	}
}

func recvString(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		return ""
	}
}

func TestEndToEndFind(t *testing.T) {
	_, addr := startServer(t)
	a := register(t, addr, "A")
	b := register(t, addr, "B")
	for _, path := range []string{"items/one", "items/two"} {
		path := path
		obj := client.NewObject()
		obj.Handle("named(QString)", func(ctx context.Context, data []byte) (string, []byte, error) {
			want, err := codec.NewReader(data).String()
			if err != nil {
				return "", nil, err
			}
			w := codec.NewWriter()
			w.PutBool(path == "items/"+want)
			return "bool", w.Bytes(), nil
		})
		b.RegisterObject(path, obj)
	}
	serve(t, b)

	ref, err := a.Find(timeout(t), client.Wildcard, "items/*", "named(QString)", putString("two"))
	if err != nil {
		t.Fatal(err)
	}
	if ref != (client.Ref{App: "B", Object: "items/two"}) {
		t.Fatalf("Find = %+v", ref)
	}

	if _, err := a.Find(timeout(t), "B", "items/*", "named(QString)", putString("three")); !errors.Is(err, client.ErrCallFailed) {
		t.Fatalf("Find without a match: expect ErrCallFailed, got %v", err)
	}
}

func TestEndToEndNotifications(t *testing.T) {
	_, addr := startServer(t)
	events := make(chan string, 16)
	watcher := register(t, addr, "watcher",
		client.OnApplicationRegistered(func(app string) { events <- "+" + app }),
		client.OnApplicationRemoved(func(app string) { events <- "-" + app }),
	)
	if err := watcher.SetNotifications(timeout(t), true); err != nil {
		t.Fatal(err)
	}
	serve(t, watcher)

	other := register(t, addr, "newcomer")
	waitFor(t, events, "+newcomer")
	other.Detach()
	waitFor(t, events, "-newcomer")
}

func waitFor(t *testing.T, events <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("no %q event", want)
		}
	}
}

func TestAttachThroughRendezvousFile(t *testing.T) {
	_, addr := startServer(t)
	path := filepath.Join(t.TempDir(), ".DCOPserver_test")
	if err := registry.NewFileRegistry(path).Register(registry.ServiceName, registry.ServiceInstance{Addr: addr}, 0); err != nil {
		t.Fatal(err)
	}
	t.Setenv(registry.EnvServerFile, path)
	t.Setenv(client.EnvServer, "")

	c := client.New(client.WithPingInterval(0))
	if err := c.Attach(timeout(t)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer c.Detach()
	if !c.IsAttached() || c.Socket() < 0 {
		t.Fatalf("attached = %v, socket = %d", c.IsAttached(), c.Socket())
	}

	// Attaching again starts over on a fresh connection.
	if err := c.Attach(timeout(t)); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if !c.IsAttached() {
		t.Fatal("not attached after re-Attach")
	}
}

func TestAttachFailures(t *testing.T) {
	t.Setenv(registry.EnvServerFile, filepath.Join(t.TempDir(), "missing"))
	t.Setenv(client.EnvServer, "")

	var reported []*client.AttachError
	c := client.New(client.OnAttachFailed(func(ae *client.AttachError) { reported = append(reported, ae) }))
	err := c.Attach(timeout(t))
	var ae *client.AttachError
	if !errors.As(err, &ae) || ae.Internal {
		t.Fatalf("missing rendezvous file: expect a non-internal AttachError, got %v", err)
	}
	if len(reported) != 1 {
		t.Fatalf("OnAttachFailed called %d times", len(reported))
	}

	// Nothing listens on the address.
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := transport.AddrOf(l)
	l.Close()
	c = client.New(client.WithServerAddr(dead))
	if err := c.Attach(timeout(t)); !errors.As(err, &ae) {
		t.Fatalf("refused connection: expect AttachError, got %v", err)
	}
	if c.IsAttached() {
		t.Fatal("attached after a failed attach")
	}
}

func TestAttachRejectedByServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := server.NewServer(server.RequireAuth())
	go s.Serve(l, transport.AddrOf(l))
	t.Cleanup(func() { s.Shutdown(time.Second) })

	c := client.New(client.WithServerAddr(transport.AddrOf(l)))
	err = c.AttachWithRetry(timeout(t), 2, 10*time.Millisecond)
	var ae *client.AttachError
	if !errors.As(err, &ae) || ae.Internal || ae.Reason == "" {
		t.Fatalf("expect a rejection AttachError, got %v", err)
	}
}
