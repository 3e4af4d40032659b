package mapper

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/service"
	"goa.design/maas/runtime/telemetry"
)

// Recognized overlay fields of the standard response template. Response
// mapping is the deliberate inverse of request mapping: instead of an
// open-ended search, produced mapping keys are matched against this fixed,
// finite set and everything else is dropped with a warning.
var standardFields = map[string]struct{}{
	"content":           {},
	"role":              {},
	"finish_reason":     {},
	"prompt_tokens":     {},
	"completion_tokens": {},
	"total_tokens":      {},
}

// Recognized overlay fields of the chunk template.
var chunkFields = map[string]struct{}{
	"content":       {},
	"role":          {},
	"finish_reason": {},
}

// MapResponse converts a produced value into the standard response object.
// With manual mapping, response-shaped values pass through unchanged and
// anything else degrades to a templated fallback with a warning; failing a
// live response is worse than returning a degraded one, so this never
// errors. With automatic mapping the produced value is overlaid on a fresh
// template: scalars become the message content, mappings populate the
// recognized field set, and sequences become one choice per element.
func (m *Mapper) MapResponse(ctx context.Context, desc *service.Descriptor, req *apitypes.ChatCompletionRequest, produced any) any {
	m.metrics.IncCounter(telemetry.MetricResponsesMapped, 1, "service", desc.Name())
	if !desc.AutoResponse() {
		switch v := produced.(type) {
		case *apitypes.ChatCompletionResponse:
			return v
		case map[string]any:
			return v
		default:
			m.log.Warn(ctx, "manual response mapping received a non-mapping value, wrapping as content",
				"service", desc.Name(), "type", fmt.Sprintf("%T", produced))
			resp := m.newResponse(desc, req)
			resp.Choices = []*apitypes.Choice{{Message: apitypes.Message{
				Role:    apitypes.RoleAssistant,
				Content: stringify(produced),
			}}}
			m.estimateUsage(req, resp)
			return resp
		}
	}

	resp := m.newResponse(desc, req)
	switch v := normalize(produced).(type) {
	case map[string]any:
		choice, usage := m.overlayStandard(ctx, desc, v)
		resp.Choices = []*apitypes.Choice{choice}
		resp.Usage = usage
	case []any:
		resp.Choices = make([]*apitypes.Choice, len(v))
		for i, item := range v {
			var choice *apitypes.Choice
			if mv, ok := normalize(item).(map[string]any); ok {
				choice, _ = m.overlayStandard(ctx, desc, mv)
			} else {
				choice = &apitypes.Choice{Message: apitypes.Message{
					Role:    apitypes.RoleAssistant,
					Content: stringify(item),
				}}
			}
			choice.Index = i
			resp.Choices[i] = choice
		}
	default:
		resp.Choices = []*apitypes.Choice{{Message: apitypes.Message{
			Role:    apitypes.RoleAssistant,
			Content: stringify(produced),
		}}}
	}
	m.estimateUsage(req, resp)
	return resp
}

// newResponse builds the standard template with its always-generated fields
// populated.
func (m *Mapper) newResponse(desc *service.Descriptor, req *apitypes.ChatCompletionRequest) *apitypes.ChatCompletionResponse {
	model := desc.Name()
	if req != nil && req.Model != "" {
		model = req.Model
	}
	return &apitypes.ChatCompletionResponse{
		ID:      m.newID(),
		Object:  apitypes.ObjectChatCompletion,
		Created: m.now().Unix(),
		Model:   model,
	}
}

// overlayStandard populates one choice (and usage counts) from a produced
// mapping. Keys outside the template's field set are dropped, one warning
// per key, in sorted key order so the diagnostics are reproducible.
func (m *Mapper) overlayStandard(ctx context.Context, desc *service.Descriptor, v map[string]any) (*apitypes.Choice, apitypes.Usage) {
	choice := &apitypes.Choice{Message: apitypes.Message{Role: apitypes.RoleAssistant}}
	var usage apitypes.Usage
	fr := apitypes.FinishReasonStop
	choice.FinishReason = &fr
	for _, key := range sortedKeys(v) {
		val := v[key]
		if _, ok := standardFields[key]; !ok {
			m.log.Warn(ctx, "dropping unrecognized response field",
				"service", desc.Name(), "field", key)
			m.metrics.IncCounter(telemetry.MetricDroppedFields, 1, "service", desc.Name(), "field", key)
			continue
		}
		switch key {
		case "content":
			choice.Message.Content = stringify(val)
		case "role":
			choice.Message.Role = stringify(val)
		case "finish_reason":
			if val == nil {
				choice.FinishReason = nil
			} else {
				s := stringify(val)
				choice.FinishReason = &s
			}
		case "prompt_tokens":
			usage.PromptTokens = toInt(val)
		case "completion_tokens":
			usage.CompletionTokens = toInt(val)
		case "total_tokens":
			usage.TotalTokens = toInt(val)
		}
	}
	return choice, usage
}

// estimateUsage fills in usage counts the handler did not supply, using
// whitespace tokenization of the prompt and completion text.
func (m *Mapper) estimateUsage(req *apitypes.ChatCompletionRequest, resp *apitypes.ChatCompletionResponse) {
	if resp.Usage.PromptTokens == 0 && req != nil {
		for _, msg := range req.Messages {
			if msg != nil {
				resp.Usage.PromptTokens += len(strings.Fields(msg.Content))
			}
		}
	}
	if resp.Usage.CompletionTokens == 0 {
		for _, c := range resp.Choices {
			resp.Usage.CompletionTokens += len(strings.Fields(c.Message.Content))
		}
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
}

// normalize reduces produced values to the plain JSON forms the overlay
// works on: structs and typed maps/slices become map[string]any / []any,
// scalars pass through.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, map[string]any, []any:
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[stringify(iter.Key().Interface())] = iter.Value().Interface()
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = rv.Index(i).Interface()
		}
		return out
	default:
		return v
	}
}

// stringify renders a produced scalar as message content.
func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sortedKeys returns the mapping keys in sorted order so per-key warnings
// and metrics come out the same across runs.
func sortedKeys(v map[string]any) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toInt converts JSON numbers (and ints) to int, defaulting to zero.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Checks that produced values forwarded by manual streaming look like chunk
// objects. Kept alongside the field sets so the two manual paths stay in
// sync.
func isChunkShaped(v any) bool {
	switch v.(type) {
	case *apitypes.ChatCompletionChunk, map[string]any:
		return true
	default:
		return false
	}
}
