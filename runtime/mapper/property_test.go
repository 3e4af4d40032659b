package mapper_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/mapper"
)

// TestMapRequestExtractionDepthProperty verifies that a declared parameter
// present exactly once in the request body is extracted with its value intact
// no matter how deeply it is nested or how many plain siblings surround it.
func TestMapRequestExtractionDepthProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	desc := unaryDescriptor(t, []string{"needle"})
	m := mapper.New()

	properties.Property("parameter found at any depth", prop.ForAll(
		func(depth int, siblings int, value string) bool {
			inner := map[string]any{"needle": value}
			for i := 0; i < siblings; i++ {
				inner[fmt.Sprintf("filler_%d", i)] = i
			}
			var node any = inner
			for i := 0; i < depth; i++ {
				node = map[string]any{fmt.Sprintf("wrap_%d", i): node}
			}
			body := map[string]any{
				"model":    "svc",
				"messages": []any{map[string]any{"role": "user", "content": "hi"}},
				"payload":  node,
			}
			raw, err := json.Marshal(body)
			if err != nil {
				return false
			}
			var req apitypes.ChatCompletionRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return false
			}

			args, err := m.MapRequest(context.Background(), desc, &req)
			if err != nil {
				return false
			}
			for _, a := range args {
				if a.Name == "needle" {
					return a.Set && a.Value == value
				}
			}
			return false
		},
		gen.IntRange(0, 8),
		gen.IntRange(0, 5),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestMapStreamFramingProperty verifies the chunk framing contract for any
// produced string sequence: one data chunk per element with verbatim content
// and monotonic indices, one closing chunk, a finish reason on the closing
// chunk only, and identity fields constant across the stream.
func TestMapStreamFramingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	desc := streamingDescriptor(t)

	properties.Property("streams frame correctly", prop.ForAll(
		func(vals []string) bool {
			src := &produceStream{}
			for _, v := range vals {
				src.vals = append(src.vals, v)
			}
			cs := mapper.New().MapStream(context.Background(), desc, chatRequest(t), src)
			defer cs.Close()

			var chunks []*apitypes.ChatCompletionChunk
			for {
				v, err := cs.Recv()
				if err == io.EOF {
					break
				}
				if err != nil {
					return false
				}
				chunks = append(chunks, v.(*apitypes.ChatCompletionChunk))
			}

			if len(chunks) != len(vals)+1 {
				return false
			}
			for i, ch := range chunks {
				if len(ch.Choices) != 1 || ch.Choices[0].Index != i {
					return false
				}
				if ch.ID != chunks[0].ID || ch.Created != chunks[0].Created {
					return false
				}
				terminal := i == len(chunks)-1
				if terminal {
					if ch.Choices[0].FinishReason == nil || ch.Choices[0].Delta.Content != "" {
						return false
					}
				} else {
					if ch.Choices[0].FinishReason != nil || ch.Choices[0].Delta.Content != vals[i] {
						return false
					}
				}
			}
			return chunks[0].Choices[0].Delta.Role == apitypes.RoleAssistant
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
