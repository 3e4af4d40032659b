package mapper

import (
	"context"
	"errors"
	"fmt"
	"io"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/invoke"
	"goa.design/maas/runtime/service"
	"goa.design/maas/runtime/telemetry"
)

// ChunkStream maps a lazy sequence of produced values into protocol chunk
// objects, one in one out, pulling from the source only when the consumer
// asks for the next chunk. The identifier and creation timestamp are
// generated once and held constant across every chunk of the invocation.
//
// Framing: the first mapped chunk carries the assistant role in its delta,
// data chunks carry a null finish reason, and exhaustion of the source emits
// one terminal chunk whose finish reason is non-null ("stop" normally, an
// error indication when the handler failed mid-stream). After the terminal
// chunk Recv returns io.EOF. Cancellation emits nothing further.
type ChunkStream struct {
	m    *Mapper
	ctx  context.Context
	desc *service.Descriptor
	src  service.Stream

	id      string
	created int64
	model   string

	index int
	first bool
	done  bool
}

// MapStream wraps the produced-value stream src for the descriptor. Callers
// must Close the returned stream, which closes src.
func (m *Mapper) MapStream(ctx context.Context, desc *service.Descriptor, req *apitypes.ChatCompletionRequest, src service.Stream) *ChunkStream {
	model := desc.Name()
	if req != nil && req.Model != "" {
		model = req.Model
	}
	return &ChunkStream{
		m:       m,
		ctx:     ctx,
		desc:    desc,
		src:     src,
		id:      m.newID(),
		created: m.now().Unix(),
		model:   model,
		first:   true,
	}
}

// Recv returns the next chunk object. The concrete type is
// *apitypes.ChatCompletionChunk except when manual response mapping passes a
// handler-built mapping through unchanged.
func (s *ChunkStream) Recv() (any, error) {
	if s.done {
		return nil, io.EOF
	}
	v, err := s.src.Recv()
	switch {
	case err == nil:
		s.m.metrics.IncCounter(telemetry.MetricChunksMapped, 1, "service", s.desc.Name())
		return s.mapChunk(v), nil
	case errors.Is(err, io.EOF):
		s.done = true
		return s.terminal(apitypes.FinishReasonStop), nil
	case invoke.IsCancelled(err):
		// Client went away: nobody is listening for a terminal chunk.
		s.done = true
		return nil, err
	default:
		// Handler failed mid-stream. The stream must still end with a
		// terminal chunk rather than hang open; the error itself was
		// already logged by the invocation adapter.
		s.done = true
		return s.terminal(apitypes.FinishReasonError), nil
	}
}

// Close stops the underlying invocation.
func (s *ChunkStream) Close() error {
	s.done = true
	return s.src.Close()
}

// mapChunk converts one produced element. Index increments monotonically
// from zero in production order.
func (s *ChunkStream) mapChunk(v any) any {
	defer func() {
		s.index++
		s.first = false
	}()

	if !s.desc.AutoResponse() {
		if isChunkShaped(v) {
			return v
		}
		s.m.log.Warn(s.ctx, "manual response mapping received a non-chunk value, wrapping as delta content",
			"service", s.desc.Name(), "type", fmt.Sprintf("%T", v))
		return s.newChunk(stringify(v), nil)
	}

	switch mv := normalize(v).(type) {
	case map[string]any:
		return s.overlayChunk(mv)
	default:
		return s.newChunk(stringify(v), nil)
	}
}

// newChunk builds a chunk with the stream-constant identity fields and the
// positional defaults applied.
func (s *ChunkStream) newChunk(content string, finish *string) *apitypes.ChatCompletionChunk {
	delta := apitypes.Delta{Content: content}
	if s.first {
		delta.Role = apitypes.RoleAssistant
	}
	return &apitypes.ChatCompletionChunk{
		ID:      s.id,
		Object:  apitypes.ObjectChatCompletionChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []*apitypes.ChunkChoice{{
			Index:        s.index,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

// overlayChunk populates a chunk from a produced mapping, matching keys
// against the chunk template's field set and dropping the rest with a
// warning, in sorted key order.
func (s *ChunkStream) overlayChunk(v map[string]any) *apitypes.ChatCompletionChunk {
	ch := s.newChunk("", nil)
	for _, key := range sortedKeys(v) {
		val := v[key]
		if _, ok := chunkFields[key]; !ok {
			s.m.log.Warn(s.ctx, "dropping unrecognized response field",
				"service", s.desc.Name(), "field", key)
			s.m.metrics.IncCounter(telemetry.MetricDroppedFields, 1, "service", s.desc.Name(), "field", key)
			continue
		}
		switch key {
		case "content":
			ch.Choices[0].Delta.Content = stringify(val)
		case "role":
			ch.Choices[0].Delta.Role = stringify(val)
		case "finish_reason":
			if val != nil {
				fr := stringify(val)
				ch.Choices[0].FinishReason = &fr
			}
		}
	}
	return ch
}

// terminal builds the closing chunk: empty delta, non-null finish reason.
func (s *ChunkStream) terminal(reason string) *apitypes.ChatCompletionChunk {
	ch := s.newChunk("", &reason)
	s.index++
	s.first = false
	return ch
}
