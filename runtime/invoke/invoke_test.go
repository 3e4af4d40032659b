package invoke_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/maas/runtime/invoke"
	"goa.design/maas/runtime/service"
)

func mustDescriptor(t *testing.T, name string, handler any, opts ...service.Option) *service.Descriptor {
	t.Helper()
	d, err := service.NewDescriptor(name, handler, opts...)
	require.NoError(t, err)
	return d
}

func args(vals ...any) []service.Arg {
	out := make([]service.Arg, len(vals))
	for i, v := range vals {
		out[i] = service.Arg{Name: fmt.Sprintf("arg%d", i), Value: v, Set: true}
	}
	return out
}

func drain(t *testing.T, inv *invoke.Invocation) []any {
	t.Helper()
	var vals []any
	for {
		v, err := inv.Recv()
		if errors.Is(err, io.EOF) {
			return vals
		}
		require.NoError(t, err)
		vals = append(vals, v)
	}
}

func TestInvokeUnary(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(_ context.Context, content string) (string, error) { return "got " + content, nil },
		service.WithParams("content"))
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("hi"))
	require.Equal(t, invoke.StateNotStarted, inv.State())
	vals := drain(t, inv)
	require.Equal(t, []any{"got hi"}, vals)
	require.Equal(t, invoke.StateCompleted, inv.State())
	require.NoError(t, inv.Close())
}

func TestInvokeUnaryHandlerError(t *testing.T) {
	boom := errors.New("boom")
	d := mustDescriptor(t, "svc",
		func(context.Context, string) (string, error) { return "", boom },
		service.WithParams("content"))
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("hi"))
	_, err := inv.Recv()
	var he *invoke.HandlerError
	require.ErrorAs(t, err, &he)
	require.Equal(t, "svc", he.Service)
	require.ErrorIs(t, err, boom)
	require.Equal(t, invoke.StateFailed, inv.State())
}

func TestInvokeUnaryPanicRecovered(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(context.Context, string) (string, error) { panic("kaboom") },
		service.WithParams("content"))
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("hi"))
	_, err := inv.Recv()
	var he *invoke.HandlerError
	require.ErrorAs(t, err, &he)
	require.Contains(t, he.Error(), "kaboom")
}

func TestInvokeSeq(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(_ context.Context, content string) iter.Seq[string] {
			return func(yield func(string) bool) {
				for _, c := range []string{"a", "b", "c"} {
					if !yield(content + c) {
						return
					}
				}
			}
		},
		service.WithParams("content"), service.WithStreaming())
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("x"))
	vals := drain(t, inv)
	require.Equal(t, []any{"xa", "xb", "xc"}, vals)
	require.Equal(t, invoke.StateCompleted, inv.State())
}

func TestInvokeSeqEarlyCloseStopsIteration(t *testing.T) {
	cleaned := make(chan struct{})
	d := mustDescriptor(t, "svc",
		func(context.Context, string) iter.Seq[int] {
			return func(yield func(int) bool) {
				defer close(cleaned)
				for i := 0; ; i++ {
					if !yield(i) {
						return
					}
				}
			}
		},
		service.WithParams("content"), service.WithStreaming())
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("x"))
	v, err := inv.Recv()
	require.NoError(t, err)
	require.Equal(t, 0, v)
	v, err = inv.Recv()
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.NoError(t, inv.Close())

	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("iterator cleanup did not run after Close")
	}
}

func TestInvokeChan(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(ctx context.Context, n int) (<-chan int, error) {
			out := make(chan int)
			go func() {
				defer close(out)
				for i := range n {
					select {
					case out <- i:
					case <-ctx.Done():
						return
					}
				}
			}()
			return out, nil
		},
		service.WithParams("n"), service.WithStreaming())
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args(3))
	vals := drain(t, inv)
	require.Equal(t, []any{0, 1, 2}, vals)
}

func TestInvokeNilChannelFails(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(context.Context, string) (<-chan string, error) { return nil, nil },
		service.WithParams("content"), service.WithStreaming())
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("x"))
	done := make(chan error, 1)
	go func() {
		_, err := inv.Recv()
		done <- err
	}()
	select {
	case err := <-done:
		var he *invoke.HandlerError
		require.ErrorAs(t, err, &he)
		require.Contains(t, err.Error(), "nil channel")
	case <-time.After(time.Second):
		t.Fatal("Recv blocked on nil channel")
	}
	require.Equal(t, invoke.StateFailed, inv.State())
}

func TestInvokeChanCancellation(t *testing.T) {
	started := make(chan struct{})
	d := mustDescriptor(t, "svc",
		func(ctx context.Context, n int) (<-chan int, error) {
			out := make(chan int)
			go func() {
				close(started)
				<-ctx.Done()
				// Delay the close so the consumer observes the
				// cancellation, not channel exhaustion.
				time.Sleep(100 * time.Millisecond)
				close(out)
			}()
			return out, nil
		},
		service.WithParams("n"), service.WithStreaming())
	a := invoke.NewAdapter()

	ctx, cancel := context.WithCancel(context.Background())
	inv := a.Invoke(ctx, d, args(5))
	go func() {
		<-started
		cancel()
	}()
	_, err := inv.Recv()
	require.True(t, invoke.IsCancelled(err), "expected cancellation, got %v", err)
	require.Equal(t, invoke.StateFailed, inv.State())
}

type sliceStream struct {
	vals   []any
	idx    int
	closed bool
}

func (s *sliceStream) Recv() (any, error) {
	if s.idx >= len(s.vals) {
		return nil, io.EOF
	}
	v := s.vals[s.idx]
	s.idx++
	return v, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func TestInvokeStreamShape(t *testing.T) {
	src := &sliceStream{vals: []any{"one", "two"}}
	d := mustDescriptor(t, "svc",
		func(context.Context, string) (service.Stream, error) { return src, nil },
		service.WithParams("content"), service.WithStreaming())
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("x"))
	vals := drain(t, inv)
	require.Equal(t, []any{"one", "two"}, vals)
	require.NoError(t, inv.Close())
	require.True(t, src.closed)
}

func TestInvokeUnaryReturningChannelWithoutStreaming(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(context.Context, string) (any, error) {
			ch := make(chan int)
			close(ch)
			return ch, nil
		},
		service.WithParams("content"))
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("x"))
	_, err := inv.Recv()
	var he *invoke.HandlerError
	require.ErrorAs(t, err, &he)
	require.Contains(t, err.Error(), "streaming is not declared")
}

func TestInvokeZeroValueForUnsetArg(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(_ context.Context, content string, n int) (string, error) {
			return fmt.Sprintf("%q/%d", content, n), nil
		},
		service.WithParams("content", "n"))
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, []service.Arg{
		{Name: "content", Value: "hi", Set: true},
		{Name: "n"},
	})
	vals := drain(t, inv)
	require.Equal(t, []any{`"hi"/0`}, vals)
}

func TestInvokeCoercesJSONNumbers(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(_ context.Context, n int, f float32) (string, error) {
			return fmt.Sprintf("%d-%.1f", n, f), nil
		},
		service.WithParams("n", "f"))
	a := invoke.NewAdapter()

	// JSON decoding produces float64 for every number.
	inv := a.Invoke(context.Background(), d, args(float64(7), float64(1.5)))
	vals := drain(t, inv)
	require.Equal(t, []any{"7-1.5"}, vals)
}

func TestInvokeCloseBeforeFirstRecv(t *testing.T) {
	called := false
	d := mustDescriptor(t, "svc",
		func(context.Context, string) (string, error) {
			called = true
			return "v", nil
		},
		service.WithParams("content"))
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("x"))
	require.NoError(t, inv.Close())
	_, err := inv.Recv()
	require.ErrorIs(t, err, io.EOF)
	require.False(t, called, "handler ran after Close")
}

func TestInvokeRecvAfterCloseReturnsEOF(t *testing.T) {
	d := mustDescriptor(t, "svc",
		func(context.Context, string) (string, error) { return "v", nil },
		service.WithParams("content"))
	a := invoke.NewAdapter()

	inv := a.Invoke(context.Background(), d, args("x"))
	v, err := inv.Recv()
	require.NoError(t, err)
	require.Equal(t, "v", v)
	require.NoError(t, inv.Close())
	_, err = inv.Recv()
	require.ErrorIs(t, err, io.EOF)
}
