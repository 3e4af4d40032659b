// Package invoke executes registered handlers uniformly across the four
// execution shapes (unary, iterator, channel, streamer) and presents the
// produced values as a single lazy stream. The handler is not called until
// the first Recv, every subsequent element is pulled on demand, and
// cancellation stops production promptly: the adapter never buffers ahead of
// the consumer.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"goa.design/maas/runtime/service"
	"goa.design/maas/runtime/telemetry"
)

// State tracks an invocation through its lifecycle. Running is re-entered on
// every pull while the handler keeps producing.
type State int32

const (
	// StateNotStarted means the handler has not been called yet.
	StateNotStarted State = iota
	// StateRunning means the handler was called and may still produce.
	StateRunning
	// StateCompleted means production finished normally.
	StateCompleted
	// StateFailed means the invocation ended with an error or was
	// cancelled.
	StateFailed
)

// HandlerError wraps a failure raised by the wrapped function (returned
// error or panic). It is fatal for the request, not for the process, and is
// surfaced to clients as a server error.
type HandlerError struct {
	Service string
	Cause   error
}

// Error implements error.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("service %q: handler failed: %v", e.Service, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *HandlerError) Unwrap() error { return e.Cause }

// IsCancelled reports whether err stems from context cancellation (client
// disconnect or deadline).
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type (
	// Adapter invokes handlers. The zero value is usable; options attach
	// telemetry.
	Adapter struct {
		log     telemetry.Logger
		metrics telemetry.Metrics
	}

	// Option configures an Adapter.
	Option func(*Adapter)

	// Invocation is the lazy stream of values produced by one handler
	// call. It implements service.Stream. Recv and Close must be called
	// from a single goroutine.
	Invocation struct {
		desc    *service.Descriptor
		ctx     context.Context
		args    []service.Arg
		adapter *Adapter

		mu     sync.Mutex
		state  State
		err    error
		inner  service.Stream
		closed bool
	}
)

// WithLogger attaches a logger to the adapter.
func WithLogger(l telemetry.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithMetrics attaches a metrics recorder to the adapter.
func WithMetrics(m telemetry.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// NewAdapter constructs an Adapter.
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{log: telemetry.NewNoopLogger(), metrics: telemetry.NewNoopMetrics()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Invoke prepares a lazy invocation of the descriptor's handler with the
// resolved arguments. The handler runs on the first Recv; callers must Close
// the returned invocation when done, including on early termination.
func (a *Adapter) Invoke(ctx context.Context, desc *service.Descriptor, args []service.Arg) *Invocation {
	return &Invocation{desc: desc, ctx: ctx, args: args, adapter: a}
}

// State returns the current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Err returns the error the invocation failed with, if any.
func (inv *Invocation) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.err
}

// Recv returns the next produced value. io.EOF signals normal exhaustion; a
// *HandlerError signals handler failure; a context error signals
// cancellation. After a non-nil error the invocation is terminal.
func (inv *Invocation) Recv() (any, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.closed {
		return nil, io.EOF
	}
	switch inv.state {
	case StateCompleted:
		return nil, io.EOF
	case StateFailed:
		if inv.err != nil {
			return nil, inv.err
		}
		return nil, io.EOF
	}
	if err := inv.ctx.Err(); err != nil {
		return nil, inv.fail(err)
	}
	if inv.state == StateNotStarted {
		if err := inv.start(); err != nil {
			return nil, inv.fail(err)
		}
		inv.state = StateRunning
	}
	v, err := inv.inner.Recv()
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, io.EOF):
		inv.state = StateCompleted
		return nil, io.EOF
	default:
		return nil, inv.fail(err)
	}
}

// Close stops production and releases handler-held resources. Safe to call
// multiple times and before the first Recv.
func (inv *Invocation) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return nil
	}
	inv.closed = true
	if inv.state == StateRunning && inv.err == nil {
		// Closed before exhaustion: terminal, but not a failure.
		inv.state = StateCompleted
	}
	if inv.inner != nil {
		return inv.inner.Close()
	}
	return nil
}

// fail records err and transitions to StateFailed. Cancellation passes
// through untouched; anything else is wrapped as a HandlerError unless it
// already is one.
func (inv *Invocation) fail(err error) error {
	if !IsCancelled(err) {
		var he *HandlerError
		if !errors.As(err, &he) {
			err = &HandlerError{Service: inv.desc.Name(), Cause: err}
		}
		inv.adapter.metrics.IncCounter(telemetry.MetricHandlerFailures, 1, "service", inv.desc.Name())
		inv.adapter.log.Error(inv.ctx, err, "handler failed", "service", inv.desc.Name())
	}
	inv.state = StateFailed
	inv.err = err
	return err
}

// start calls the handler and installs the shape-specific inner stream.
func (inv *Invocation) start() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	inv.adapter.metrics.IncCounter(telemetry.MetricInvocationsTotal, 1, "service", inv.desc.Name())

	out := inv.desc.Handler().Call(inv.buildArgs())

	switch inv.desc.Shape() {
	case service.ShapeUnary:
		if !out[1].IsNil() {
			return out[1].Interface().(error)
		}
		v := out[0].Interface()
		if isIncrementalValue(out[0]) && !inv.desc.SupportsStreaming() {
			return fmt.Errorf("handler returned incremental value %T but streaming is not declared", v)
		}
		inv.inner = &oneShot{value: v}
	case service.ShapeSeq:
		inv.inner = newSeqStream(inv.ctx, out[0])
	case service.ShapeChan:
		if !out[1].IsNil() {
			return out[1].Interface().(error)
		}
		// A nil channel never delivers; receiving from it would block the
		// request until the client disconnects.
		if out[0].IsNil() {
			return fmt.Errorf("handler returned a nil channel")
		}
		inv.inner = &chanStream{ctx: inv.ctx, ch: out[0]}
	case service.ShapeStream:
		if !out[1].IsNil() {
			return out[1].Interface().(error)
		}
		st, ok := out[0].Interface().(service.Stream)
		if !ok || st == nil {
			return fmt.Errorf("handler returned a nil stream")
		}
		inv.inner = &guardedStream{ctx: inv.ctx, inner: st}
	}
	return nil
}

// buildArgs converts the resolved argument set into reflect call values.
// Unset arguments become zero values; values that cannot be coerced into the
// declared parameter type degrade to the zero value with a warning rather
// than aborting the call.
func (inv *Invocation) buildArgs() []reflect.Value {
	params := inv.desc.Params()
	in := make([]reflect.Value, 0, len(params)+1)
	in = append(in, reflect.ValueOf(inv.ctx))
	for i, p := range params {
		var arg service.Arg
		if i < len(inv.args) {
			arg = inv.args[i]
		}
		if !arg.Set || arg.Value == nil {
			in = append(in, reflect.Zero(p.Type))
			continue
		}
		cv, err := coerce(arg.Value, p.Type)
		if err != nil {
			inv.adapter.log.Warn(inv.ctx, "argument type mismatch, using zero value",
				"service", inv.desc.Name(), "param", p.Name, "error", err.Error())
			in = append(in, reflect.Zero(p.Type))
			continue
		}
		in = append(in, cv)
	}
	return in
}

// isIncrementalValue reports whether a unary handler's return value behaves
// as an incremental producer (channel, iterator or stream) rather than a
// produced value.
func isIncrementalValue(v reflect.Value) bool {
	if !v.IsValid() || v.IsZero() {
		return false
	}
	if _, ok := v.Interface().(service.Stream); ok {
		return true
	}
	t := v.Type()
	if t.Kind() == reflect.Interface {
		t = v.Elem().Type()
	}
	switch t.Kind() {
	case reflect.Chan:
		return true
	case reflect.Func:
		// iter.Seq[T] form.
		return t.NumIn() == 1 && t.NumOut() == 0 &&
			t.In(0).Kind() == reflect.Func && t.In(0).NumIn() == 1 &&
			t.In(0).NumOut() == 1 && t.In(0).Out(0).Kind() == reflect.Bool
	default:
		return false
	}
}
