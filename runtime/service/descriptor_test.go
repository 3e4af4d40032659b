package service_test

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/service"
)

func TestNewDescriptorShapes(t *testing.T) {
	cases := []struct {
		name    string
		handler any
		opts    []service.Option
		shape   service.Shape
	}{
		{
			name:    "unary",
			handler: func(context.Context, string) (string, error) { return "", nil },
			opts:    []service.Option{service.WithParams("content")},
			shape:   service.ShapeUnary,
		},
		{
			name: "seq",
			handler: func(context.Context, string) iter.Seq[string] {
				return func(func(string) bool) {}
			},
			opts:  []service.Option{service.WithParams("content"), service.WithStreaming()},
			shape: service.ShapeSeq,
		},
		{
			name: "chan",
			handler: func(context.Context, string) (<-chan string, error) {
				return nil, nil
			},
			opts:  []service.Option{service.WithParams("content"), service.WithStreaming()},
			shape: service.ShapeChan,
		},
		{
			name: "stream",
			handler: func(context.Context, string) (service.Stream, error) {
				return nil, nil
			},
			opts:  []service.Option{service.WithParams("content"), service.WithStreaming()},
			shape: service.ShapeStream,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := service.NewDescriptor(tc.name, tc.handler, tc.opts...)
			require.NoError(t, err)
			require.Equal(t, tc.shape, d.Shape())
			require.True(t, d.AutoRequest())
			require.True(t, d.AutoResponse())
		})
	}
}

func TestNewDescriptorRejections(t *testing.T) {
	unary := func(context.Context, string) (string, error) { return "", nil }
	cases := []struct {
		name    string
		svc     string
		handler any
		opts    []service.Option
	}{
		{name: "empty name", svc: "", handler: unary, opts: []service.Option{service.WithParams("content")}},
		{name: "not a function", svc: "s", handler: 42},
		{name: "no context", svc: "s", handler: func(string) (string, error) { return "", nil }},
		{name: "zero parameters", svc: "s", handler: func(context.Context) (string, error) { return "", nil }},
		{name: "param count mismatch", svc: "s", handler: unary, opts: []service.Option{service.WithParams("a", "b")}},
		{name: "duplicate param names", svc: "s",
			handler: func(context.Context, string, string) (string, error) { return "", nil },
			opts:    []service.Option{service.WithParams("a", "a")}},
		{name: "default for unknown param", svc: "s", handler: unary,
			opts: []service.Option{service.WithParams("content"), service.WithDefault("other", 1)}},
		{name: "bad return arity", svc: "s", handler: func(context.Context, string) string { return "" },
			opts: []service.Option{service.WithParams("content")}},
		{name: "second return not error", svc: "s",
			handler: func(context.Context, string) (string, string) { return "", "" },
			opts:    []service.Option{service.WithParams("content")}},
		{name: "incremental without streaming", svc: "s",
			handler: func(context.Context, string) (<-chan string, error) { return nil, nil },
			opts:    []service.Option{service.WithParams("content")}},
		{name: "manual request with two args", svc: "s",
			handler: func(context.Context, *apitypes.ChatCompletionRequest, string) (string, error) { return "", nil },
			opts:    []service.Option{service.WithManualRequest()}},
		{name: "manual request wrong arg type", svc: "s",
			handler: func(context.Context, string) (string, error) { return "", nil },
			opts:    []service.Option{service.WithManualRequest()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.NewDescriptor(tc.svc, tc.handler, tc.opts...)
			require.Error(t, err)
		})
	}
}

func TestNewDescriptorDefaults(t *testing.T) {
	d, err := service.NewDescriptor("svc",
		func(context.Context, string, int) (string, error) { return "", nil },
		service.WithParams("content", "n"),
		service.WithDefault("n", 3),
		service.WithDescription("test service"),
	)
	require.NoError(t, err)
	require.Equal(t, "test service", d.Description())
	params := d.Params()
	require.Len(t, params, 2)
	require.Equal(t, "content", params[0].Name)
	require.False(t, params[0].HasDefault)
	require.Equal(t, "n", params[1].Name)
	require.True(t, params[1].HasDefault)
	require.Equal(t, 3, params[1].Default)
}

func TestEnvelopeParam(t *testing.T) {
	d, err := service.NewDescriptor("svc",
		func(context.Context, *apitypes.ChatCompletionRequest, string) (string, error) { return "", nil },
		service.WithParams("request", "content"),
	)
	require.NoError(t, err)
	require.True(t, service.IsEnvelopeParam(d.Params()[0]))
	require.False(t, service.IsEnvelopeParam(d.Params()[1]))
}

func TestManualRequestParamForms(t *testing.T) {
	_, err := service.NewDescriptor("typed",
		func(context.Context, *apitypes.ChatCompletionRequest) (string, error) { return "", nil },
		service.WithManualRequest(),
	)
	require.NoError(t, err)

	d, err := service.NewDescriptor("plain",
		func(context.Context, map[string]any) (string, error) { return "", nil },
		service.WithManualRequest(),
	)
	require.NoError(t, err)
	require.True(t, service.IsRawMapParam(d.Params()[0]))
}
