package apitypes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// NodeKind discriminates the three JSON shapes a Node can hold.
type NodeKind int

const (
	// KindScalar is a string, number, boolean or null.
	KindScalar NodeKind = iota
	// KindObject is a JSON object with key order preserved.
	KindObject
	// KindArray is a JSON array.
	KindArray
)

// Node is a decoded JSON document that, unlike map[string]any, preserves the
// order in which object keys appeared on the wire. The request mapper depends
// on that order: sibling keys are searched in insertion order and the first
// match wins.
type Node struct {
	Kind   NodeKind
	Keys   []string
	Fields map[string]*Node
	Items  []*Node
	Value  any
}

// ParseNode decodes a JSON document into an ordered node tree.
func ParseNode(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	n, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	// Reject trailing garbage.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON document")
	}
	return n, nil
}

func parseValue(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(dec)
		case '[':
			return parseArray(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	default:
		// string, float64, bool or nil.
		return &Node{Kind: KindScalar, Value: tok}, nil
	}
}

func parseObject(dec *json.Decoder) (*Node, error) {
	n := &Node{Kind: KindObject, Fields: make(map[string]*Node)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is not a string: %v", tok)
		}
		child, err := parseValue(dec)
		if err != nil {
			return nil, err
		}
		if _, dup := n.Fields[key]; !dup {
			n.Keys = append(n.Keys, key)
		}
		n.Fields[key] = child
	}
	// Consume '}'.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return n, nil
}

func parseArray(dec *json.Decoder) (*Node, error) {
	n := &Node{Kind: KindArray}
	for dec.More() {
		child, err := parseValue(dec)
		if err != nil {
			return nil, err
		}
		n.Items = append(n.Items, child)
	}
	// Consume ']'.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return n, nil
}

// Field returns the child node for key, or nil for non-objects and missing
// keys.
func (n *Node) Field(key string) *Node {
	if n == nil || n.Kind != KindObject {
		return nil
	}
	return n.Fields[key]
}

// Interface materializes the subtree as the plain values encoding/json would
// produce: map[string]any, []any, string, float64, bool and nil.
func (n *Node) Interface() any {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindObject:
		m := make(map[string]any, len(n.Keys))
		for _, k := range n.Keys {
			m[k] = n.Fields[k].Interface()
		}
		return m
	case KindArray:
		items := make([]any, len(n.Items))
		for i, it := range n.Items {
			items[i] = it.Interface()
		}
		return items
	default:
		return n.Value
	}
}

// ObjectNode builds an object node from alternating key/value pairs, in the
// order given. Values may be *Node or any scalar/map/slice accepted by
// ValueNode. Intended for tests and in-process envelope construction.
func ObjectNode(pairs ...any) *Node {
	if len(pairs)%2 != 0 {
		panic("apitypes: ObjectNode requires key/value pairs")
	}
	n := &Node{Kind: KindObject, Fields: make(map[string]*Node, len(pairs)/2)}
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("apitypes: ObjectNode key %d is not a string", i/2))
		}
		if _, dup := n.Fields[key]; !dup {
			n.Keys = append(n.Keys, key)
		}
		n.Fields[key] = ValueNode(pairs[i+1])
	}
	return n
}

// ArrayNode builds an array node from the given values.
func ArrayNode(items ...any) *Node {
	n := &Node{Kind: KindArray, Items: make([]*Node, len(items))}
	for i, it := range items {
		n.Items[i] = ValueNode(it)
	}
	return n
}

// ValueNode wraps an arbitrary value as a node. *Node values pass through;
// everything else round-trips through encoding/json so numbers normalize to
// float64 exactly as wire decoding would produce.
func ValueNode(v any) *Node {
	if n, ok := v.(*Node); ok {
		return n
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("apitypes: ValueNode: %v", err))
	}
	n, err := ParseNode(data)
	if err != nil {
		panic(fmt.Sprintf("apitypes: ValueNode: %v", err))
	}
	return n
}
