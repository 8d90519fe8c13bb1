package middleware

import (
	"context"
	"go.uber.org/zap/zaptest"
	"mini-dcop/message"
	"testing"
)

func echoHandler(ctx context.Context, msg *message.Message) message.Result {
	return message.Result{Handled: true, ReplyType: "QCString", ReplyData: []byte(msg.Function)}
}

func panicHandler(ctx context.Context, msg *message.Message) message.Result {
	panic("boom")
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zaptest.NewLogger(t))(echoHandler)

	msg := &message.Message{Kind: message.Call, ObjectID: "obj", Function: "doIt(int)"}
	res := handler(context.Background(), msg)
	if !res.Handled || string(res.ReplyData) != "doIt(int)" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2, zaptest.NewLogger(t))(echoHandler)
	msg := &message.Message{Kind: message.Call, Function: "f()"}

	for i := 0; i < 2; i++ {
		if res := handler(context.Background(), msg); !res.Handled {
			t.Fatalf("request %d should pass", i)
		}
	}
	if res := handler(context.Background(), msg); res.Handled {
		t.Fatal("request 3 should be rate limited")
	}
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware(zaptest.NewLogger(t))(panicHandler)
	res := handler(context.Background(), &message.Message{Kind: message.Call, Function: "f()"})
	if res.Handled {
		t.Fatal("a panicking handler must report not handled")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, msg *message.Message) message.Result {
				order = append(order, name+".before")
				res := next(ctx, msg)
				order = append(order, name+".after")
				return res
			}
		}
	}

	handler := Chain(trace("A"), trace("B"), RecoverMiddleware(zaptest.NewLogger(t)))(echoHandler)
	res := handler(context.Background(), &message.Message{Kind: message.Send, Function: "f()"})
	if !res.Handled {
		t.Fatal("expect handled")
	}

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("expect %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}
