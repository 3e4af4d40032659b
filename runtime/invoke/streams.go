package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync"

	"goa.design/maas/runtime/service"
)

// oneShot yields a single value then io.EOF.
type oneShot struct {
	value any
	done  bool
}

func (s *oneShot) Recv() (any, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.value, nil
}

func (s *oneShot) Close() error {
	s.done = true
	return nil
}

// seqStream adapts a reflected iter.Seq[T] into a pull stream. The iterator
// body runs in its own goroutine and blocks handing each element over; when
// the consumer closes early the yield callback returns false, so the
// handler's deferred cleanup runs exactly as it would for an abandoned range
// loop.
type seqStream struct {
	vals chan any
	stop chan struct{}
	fail chan error

	closeOnce sync.Once
}

func newSeqStream(ctx context.Context, seq reflect.Value) *seqStream {
	s := &seqStream{
		vals: make(chan any),
		stop: make(chan struct{}),
		fail: make(chan error, 1),
	}
	yieldType := seq.Type().In(0)
	yield := reflect.MakeFunc(yieldType, func(args []reflect.Value) []reflect.Value {
		select {
		case s.vals <- args[0].Interface():
			return []reflect.Value{reflect.ValueOf(true)}
		case <-s.stop:
			return []reflect.Value{reflect.ValueOf(false)}
		case <-ctx.Done():
			return []reflect.Value{reflect.ValueOf(false)}
		}
	})
	go func() {
		defer close(s.vals)
		defer func() {
			if r := recover(); r != nil {
				s.fail <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		seq.Call([]reflect.Value{yield})
	}()
	return s
}

func (s *seqStream) Recv() (any, error) {
	v, ok := <-s.vals
	if !ok {
		select {
		case err := <-s.fail:
			return nil, err
		default:
			return nil, io.EOF
		}
	}
	return v, nil
}

func (s *seqStream) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// chanStream adapts a reflected receive channel. Closing the stream does not
// force the producer goroutine down; the handler owns it and is expected to
// observe the request context.
type chanStream struct {
	ctx context.Context
	ch  reflect.Value
}

func (s *chanStream) Recv() (any, error) {
	chosen, v, ok := reflect.Select([]reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: s.ch},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.ctx.Done())},
	})
	if chosen == 1 {
		return nil, s.ctx.Err()
	}
	if !ok {
		return nil, io.EOF
	}
	return v.Interface(), nil
}

func (s *chanStream) Close() error { return nil }

// guardedStream wraps a handler-provided stream with context awareness and
// panic recovery.
type guardedStream struct {
	ctx   context.Context
	inner service.Stream
}

func (s *guardedStream) Recv() (v any, err error) {
	if cerr := s.ctx.Err(); cerr != nil {
		return nil, cerr
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.inner.Recv()
}

func (s *guardedStream) Close() error { return s.inner.Close() }

// coerce converts a decoded JSON value into the declared parameter type.
// Assignable and convertible values convert directly, JSON numbers narrow to
// integer kinds, and structured values fall back to a JSON round trip.
func coerce(v any, t reflect.Type) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return reflect.Zero(t), nil
	}
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if t.Kind() == reflect.Pointer && rv.Type().AssignableTo(t.Elem()) {
		pv := reflect.New(t.Elem())
		pv.Elem().Set(rv)
		return pv, nil
	}
	if rv.Kind() == reflect.Float64 {
		// JSON numbers decode as float64; narrow to the declared kind.
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return reflect.ValueOf(int64(rv.Float())).Convert(t), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return reflect.ValueOf(uint64(rv.Float())).Convert(t), nil
		case reflect.Float32:
			return rv.Convert(t), nil
		}
	}
	if rv.Type().ConvertibleTo(t) && rv.Kind() != reflect.String && t.Kind() != reflect.String {
		return rv.Convert(t), nil
	}
	// Structured values (maps, slices) into declared structs or typed
	// slices via a JSON round trip.
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		data, err := json.Marshal(v)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("cannot convert %T to %s: %w", v, t, err)
		}
		pv := reflect.New(t)
		if err := json.Unmarshal(data, pv.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("cannot convert %T to %s: %w", v, t, err)
		}
		return pv.Elem(), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", v, t)
}
