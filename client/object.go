package client

import (
	"context"
	"errors"
	"fmt"
	"mini-dcop/codec"
	"slices"
	"strings"
	"sync"
)

// Func implements one function of an Object. A non-nil error means the call is not
// handled and the caller receives ReplyFailed. An empty reply type is sent as "void".
type Func func(ctx context.Context, data []byte) (replyType string, replyData []byte, err error)

var errBadSignature = errors.New("dcop: malformed function signature")

// Object is a Handler dispatching on normalized function signatures. Every Object also
// answers interfaces() and functions().
type Object struct {
	mu         sync.RWMutex
	interfaces []string
	funcs      map[string]Func
}

func NewObject(interfaces ...string) *Object {
	return &Object{
		interfaces: append([]string{"DCOPObject"}, interfaces...),
		funcs:      make(map[string]Func),
	}
}

// Handle registers fn for sig, written like "doIt(int)". The signature is normalized, so
// "doIt ( int )" registers the same function.
func (o *Object) Handle(sig string, fn Func) error {
	norm := codec.NormalizeFunctionSignature(sig)
	open := strings.IndexByte(norm, '(')
	if open <= 0 || !strings.HasSuffix(norm, ")") || strings.Count(norm, "(") != 1 {
		return fmt.Errorf("%w: %q", errBadSignature, sig)
	}
	if fn == nil {
		return fmt.Errorf("dcop: nil function for %q", norm)
	}
	o.mu.Lock()
	o.funcs[norm] = fn
	o.mu.Unlock()
	return nil
}

// Functions returns the registered signatures, sorted.
func (o *Object) Functions() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sigs := make([]string, 0, len(o.funcs))
	for sig := range o.funcs {
		sigs = append(sigs, sig)
	}
	slices.Sort(sigs)
	return sigs
}

func (o *Object) Process(ctx context.Context, fun string, data []byte) (string, []byte, bool) {
	switch fun {
	case "interfaces()":
		w := codec.NewWriter()
		w.PutStringList(o.interfaces)
		return "QCStringList", w.Bytes(), true
	case "functions()":
		w := codec.NewWriter()
		w.PutStringList(append([]string{"QCStringList interfaces()", "QCStringList functions()"}, o.Functions()...))
		return "QCStringList", w.Bytes(), true
	}

	o.mu.RLock()
	fn, ok := o.funcs[fun]
	o.mu.RUnlock()
	if !ok {
		return "", nil, false
	}
	replyType, replyData, err := fn(ctx, data)
	if err != nil {
		return "", nil, false
	}
	if replyType == "" {
		replyType = "void"
	}
	return replyType, replyData, true
}
