package main

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/service"
)

// registerDemoServices exposes a few sample functions covering the supported
// handler shapes. Replace these with real functions in your own binary.
func registerDemoServices(reg *service.Registry) error {
	if _, err := reg.Register("echo", echo,
		service.WithDescription("echoes the last user message"),
		service.WithParams("content"),
	); err != nil {
		return err
	}
	if _, err := reg.Register("shout", shout,
		service.WithDescription("upper-cases the last user message, repeated n times"),
		service.WithParams("content", "n"),
		service.WithDefault("n", 1),
	); err != nil {
		return err
	}
	if _, err := reg.Register("spell", spell,
		service.WithDescription("streams the last user message one word at a time"),
		service.WithParams("content"),
		service.WithStreaming(),
	); err != nil {
		return err
	}
	if _, err := reg.Register("countdown", countdown,
		service.WithDescription("streams a countdown from n"),
		service.WithParams("n"),
		service.WithDefault("n", 3),
		service.WithStreaming(),
	); err != nil {
		return err
	}
	if _, err := reg.Register("inspect", inspect,
		service.WithDescription("returns request diagnostics, raw envelope in and raw response out"),
		service.WithManualRequest(),
		service.WithManualResponse(),
	); err != nil {
		return err
	}
	return nil
}

func echo(_ context.Context, content string) (string, error) {
	return content, nil
}

func shout(_ context.Context, content string, n int) (string, error) {
	if n < 1 {
		n = 1
	}
	return strings.TrimSpace(strings.Repeat(strings.ToUpper(content)+" ", n)), nil
}

func spell(ctx context.Context, content string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, word := range strings.Fields(content) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			if !yield(word + " ") {
				return
			}
		}
	}
}

func countdown(ctx context.Context, n int) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for i := n; i > 0; i-- {
			select {
			case out <- fmt.Sprintf("%d... ", i):
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- "liftoff":
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func inspect(_ context.Context, req *apitypes.ChatCompletionRequest) (*apitypes.ChatCompletionResponse, error) {
	content := fmt.Sprintf("model=%s messages=%d stream=%v", req.Model, len(req.Messages), req.Stream)
	fr := apitypes.FinishReasonStop
	return &apitypes.ChatCompletionResponse{
		ID:      "chatcmpl-inspect",
		Object:  apitypes.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []*apitypes.Choice{{
			Message:      apitypes.Message{Role: apitypes.RoleAssistant, Content: content},
			FinishReason: &fr,
		}},
	}, nil
}
