package mapper_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/mapper"
	"goa.design/maas/runtime/service"
)

func decodeRequest(t *testing.T, body string) *apitypes.ChatCompletionRequest {
	t.Helper()
	var req apitypes.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func unaryDescriptor(t *testing.T, params []string, opts ...service.Option) *service.Descriptor {
	t.Helper()
	// Build a handler with one any argument per declared parameter.
	var handler any
	switch len(params) {
	case 1:
		handler = func(context.Context, any) (string, error) { return "", nil }
	case 2:
		handler = func(context.Context, any, any) (string, error) { return "", nil }
	case 3:
		handler = func(context.Context, any, any, any) (string, error) { return "", nil }
	default:
		t.Fatalf("unsupported parameter count %d", len(params))
	}
	opts = append(opts, service.WithParams(params...))
	d, err := service.NewDescriptor("svc", handler, opts...)
	require.NoError(t, err)
	return d
}

func TestMapRequestTopLevelParameter(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "svc",
		"messages": [{"role": "user", "content": "hi"}],
		"temperature": 0.7
	}`)
	d := unaryDescriptor(t, []string{"temperature"})
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.True(t, args[0].Set)
	require.Equal(t, 0.7, args[0].Value)
}

func TestMapRequestNestedParameter(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "svc",
		"messages": [{"role": "user", "content": "hi"}],
		"options": {"search": {"depth": 9}}
	}`)
	d := unaryDescriptor(t, []string{"depth"})
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.True(t, args[0].Set)
	require.Equal(t, 9.0, args[0].Value)
}

func TestMapRequestShallowestMatchWins(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "svc",
		"messages": [{"role": "user", "content": "hi", "temperature": 99}],
		"temperature": 0.2
	}`)
	d := unaryDescriptor(t, []string{"temperature"})
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.Equal(t, 0.2, args[0].Value)
}

func TestMapRequestSiblingInsertionOrderFirstMatchWins(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "svc",
		"messages": [{"role": "user", "content": "hi"}],
		"first": {"target": "a"},
		"second": {"target": "b"}
	}`)
	d := unaryDescriptor(t, []string{"target"})
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.Equal(t, "a", args[0].Value)
}

func TestMapRequestContentResolvesLastMessage(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "svc",
		"messages": [
			{"role": "system", "content": "first"},
			{"role": "user", "content": "second"},
			{"role": "assistant", "content": "third"}
		]
	}`)
	d := unaryDescriptor(t, []string{"content"})
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.Equal(t, "third", args[0].Value)
}

func TestMapRequestContentWithoutMessagesIsMalformed(t *testing.T) {
	req := &apitypes.ChatCompletionRequest{Model: "svc"}
	d := unaryDescriptor(t, []string{"content"})
	_, err := mapper.New().MapRequest(context.Background(), d, req)
	var malformed *apitypes.MalformedRequestError
	require.ErrorAs(t, err, &malformed)
}

func TestMapRequestUnmappedDefaultsToUnset(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "svc",
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	d := unaryDescriptor(t, []string{"content", "missing"})
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.True(t, args[0].Set)
	require.False(t, args[1].Set)
	require.Nil(t, args[1].Value)
}

func TestMapRequestDeclaredDefaultApplies(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "svc",
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	d := unaryDescriptor(t, []string{"content", "n"}, service.WithDefault("n", 5))
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.True(t, args[1].Set)
	require.Equal(t, 5, args[1].Value)
}

func TestMapRequestEnvelopeParameterBypassesSearch(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "svc",
		"messages": [{"role": "user", "content": "hi"}],
		"request": "decoy"
	}`)
	d, err := service.NewDescriptor("svc",
		func(context.Context, *apitypes.ChatCompletionRequest, any) (string, error) { return "", nil },
		service.WithParams("request", "content"),
	)
	require.NoError(t, err)
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.Same(t, req, args[0].Value)
	require.Equal(t, "hi", args[1].Value)
}

func TestMapRequestManualTyped(t *testing.T) {
	req := decodeRequest(t, `{"model": "svc", "messages": [{"role": "user", "content": "hi"}]}`)
	d, err := service.NewDescriptor("svc",
		func(context.Context, *apitypes.ChatCompletionRequest) (string, error) { return "", nil },
		service.WithManualRequest(),
	)
	require.NoError(t, err)
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.Len(t, args, 1)
	require.Same(t, req, args[0].Value)
}

func TestMapRequestManualPlainMap(t *testing.T) {
	req := decodeRequest(t, `{"model": "svc", "messages": [{"role": "user", "content": "hi"}], "extra": {"k": 1}}`)
	d, err := service.NewDescriptor("svc",
		func(context.Context, map[string]any) (string, error) { return "", nil },
		service.WithManualRequest(),
	)
	require.NoError(t, err)
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	plain, ok := args[0].Value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "svc", plain["model"])
	require.Equal(t, map[string]any{"k": 1.0}, plain["extra"])
}

func TestMapRequestProgrammaticEnvelope(t *testing.T) {
	// Envelopes built in code carry no raw tree; the mapper rebuilds one
	// from the typed fields.
	temp := 0.3
	req := &apitypes.ChatCompletionRequest{
		Model:       "svc",
		Messages:    []*apitypes.Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
	}
	d := unaryDescriptor(t, []string{"temperature"})
	args, err := mapper.New().MapRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.Equal(t, 0.3, args[0].Value)
}
