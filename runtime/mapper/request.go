package mapper

import (
	"context"
	"encoding/json"
	"strings"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/service"
	"goa.design/maas/runtime/telemetry"
)

// ParamContent is the one reserved parameter name: it never triggers an
// envelope search and instead resolves to the content of the last message,
// role independent. This hard-coded convenience reflects the dominant
// single-turn use case.
const ParamContent = "content"

// MapRequest resolves the handler arguments for one invocation of desc from
// the inbound envelope. With manual mapping the whole envelope becomes the
// sole argument; with automatic mapping each declared parameter is searched
// for by name in the envelope's nested structure. Only structurally invalid
// envelopes fail; parameters the search cannot resolve degrade to their
// default or the zero value and are reported in a single warning.
func (m *Mapper) MapRequest(ctx context.Context, desc *service.Descriptor, req *apitypes.ChatCompletionRequest) ([]service.Arg, error) {
	if req == nil {
		return nil, &apitypes.MalformedRequestError{Reason: "empty request"}
	}
	m.metrics.IncCounter(telemetry.MetricRequestsMapped, 1, "service", desc.Name())

	if !desc.AutoRequest() {
		return m.mapManual(desc, req)
	}

	root := rawTree(req)
	params := desc.Params()
	args := make([]service.Arg, len(params))
	var unmapped []string
	for i, p := range params {
		switch {
		case service.IsEnvelopeParam(p):
			args[i] = service.Arg{Name: p.Name, Value: req, Set: true}
		case p.Name == ParamContent:
			last := req.LastMessage()
			if last == nil {
				return nil, &apitypes.MalformedRequestError{Reason: "no messages to resolve content parameter from"}
			}
			args[i] = service.Arg{Name: p.Name, Value: last.Content, Set: true}
		default:
			if v, ok := search(root, p.Name); ok {
				args[i] = service.Arg{Name: p.Name, Value: v, Set: true}
				continue
			}
			if p.HasDefault {
				args[i] = service.Arg{Name: p.Name, Value: p.Default, Set: true}
				continue
			}
			args[i] = service.Arg{Name: p.Name}
			unmapped = append(unmapped, p.Name)
		}
	}
	if len(unmapped) > 0 {
		declared := make([]string, len(params))
		for i, p := range params {
			declared[i] = p.Name
		}
		m.log.Warn(ctx, "request parameters not found in envelope",
			"service", desc.Name(),
			"unmapped", strings.Join(unmapped, ","),
			"declared", strings.Join(declared, ","))
		m.metrics.IncCounter(telemetry.MetricUnmappedParams, float64(len(unmapped)), "service", desc.Name())
	}
	return args, nil
}

// mapManual passes the entire envelope as the sole argument, typed or as a
// plain nested mapping depending on the declared parameter type.
func (m *Mapper) mapManual(desc *service.Descriptor, req *apitypes.ChatCompletionRequest) ([]service.Arg, error) {
	p := desc.Params()[0]
	if service.IsRawMapParam(p) {
		plain, ok := rawTree(req).Interface().(map[string]any)
		if !ok {
			return nil, &apitypes.MalformedRequestError{Reason: "request document is not an object"}
		}
		return []service.Arg{{Name: p.Name, Value: plain, Set: true}}, nil
	}
	return []service.Arg{{Name: p.Name, Value: req, Set: true}}, nil
}

// rawTree returns the envelope's ordered document, rebuilding it from the
// typed fields when the envelope was constructed in code rather than decoded
// off the wire.
func rawTree(req *apitypes.ChatCompletionRequest) *apitypes.Node {
	if n := req.Raw(); n != nil {
		return n
	}
	data, err := json.Marshal(req)
	if err != nil {
		return &apitypes.Node{Kind: apitypes.KindObject}
	}
	n, err := apitypes.ParseNode(data)
	if err != nil {
		return &apitypes.Node{Kind: apitypes.KindObject}
	}
	req.SetRaw(n)
	return n
}

// search performs a breadth-first walk of the envelope document looking for
// an object key equal to name. Breadth-first order makes the documented
// tie-break rule structural: a key at a shallower depth always beats one
// nested deeper, so top-level generation parameters win over same-named keys
// buried in message metadata. Within one object, keys are checked in wire
// insertion order and the first match wins.
func search(root *apitypes.Node, name string) (any, bool) {
	if root == nil {
		return nil, false
	}
	queue := []*apitypes.Node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		switch n.Kind {
		case apitypes.KindObject:
			for _, k := range n.Keys {
				if k == name {
					return n.Fields[k].Interface(), true
				}
			}
			for _, k := range n.Keys {
				if c := n.Fields[k]; c.Kind != apitypes.KindScalar {
					queue = append(queue, c)
				}
			}
		case apitypes.KindArray:
			for _, it := range n.Items {
				if it.Kind != apitypes.KindScalar {
					queue = append(queue, it)
				}
			}
		}
	}
	return nil, false
}
