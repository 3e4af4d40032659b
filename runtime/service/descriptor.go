// Package service defines the descriptor and registry at the heart of maas:
// each exposed function is described once, at registration time, by an
// immutable Descriptor that records its public name, declared parameters,
// mapping strategies and execution shape. The process-wide Registry keys
// descriptors by name, which doubles as the protocol "model" field.
package service

import (
	"context"
	"fmt"
	"reflect"

	"goa.design/maas/apitypes"
)

// Shape classifies how a handler produces values. The classification happens
// once, at registration, so no per-request probing of the handler type is
// needed.
type Shape int

const (
	// ShapeUnary is func(ctx, args...) (T, error): a single produced value.
	ShapeUnary Shape = iota
	// ShapeSeq is func(ctx, args...) iter.Seq[T]: incremental production
	// driven by the consumer pulling the iterator.
	ShapeSeq
	// ShapeChan is func(ctx, args...) (<-chan T, error): incremental
	// production from a goroutine owned by the handler.
	ShapeChan
	// ShapeStream is func(ctx, args...) (Stream, error): incremental
	// production through an explicit Recv/Close streamer.
	ShapeStream
)

// String returns the shape name for diagnostics.
func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeSeq:
		return "seq"
	case ShapeChan:
		return "chan"
	case ShapeStream:
		return "stream"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Incremental reports whether the shape produces more than one value.
func (s Shape) Incremental() bool { return s != ShapeUnary }

type (
	// Stream delivers incrementally produced values. Successive calls to
	// Recv return values until io.EOF. Implementations must release any
	// underlying resources when Close is invoked, including on early
	// termination.
	Stream interface {
		// Recv returns the next produced value.
		Recv() (any, error)
		// Close releases handler-held resources and stops production.
		Close() error
	}

	// Param describes one declared handler parameter. Parameters are
	// positional: the i-th Param binds the i-th handler argument after the
	// leading context.Context.
	Param struct {
		// Name is the key searched for in the request envelope.
		Name string
		// Type is the handler argument type, derived at registration.
		Type reflect.Type
		// Default is the value used when the envelope yields no match.
		Default any
		// HasDefault distinguishes an explicit default from none.
		HasDefault bool
	}

	// Arg is one resolved argument for an invocation. Set is false when the
	// envelope search found nothing and no default was declared; the
	// handler then receives the zero value.
	Arg struct {
		Name  string
		Value any
		Set   bool
	}

	// Descriptor is the immutable record of one exposed function. Create
	// descriptors through Registry.Register; all fields are fixed
	// thereafter and safe for unsynchronized concurrent reads.
	Descriptor struct {
		name              string
		description       string
		handler           reflect.Value
		shape             Shape
		params            []Param
		autoRequest       bool
		autoResponse      bool
		supportsStreaming bool
	}

	// Option configures a registration.
	Option func(*config)

	config struct {
		description       string
		paramNames        []string
		defaults          map[string]any
		autoRequest       bool
		autoResponse      bool
		supportsStreaming bool
	}
)

var (
	ctxType      = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType      = reflect.TypeOf((*error)(nil)).Elem()
	streamType   = reflect.TypeOf((*Stream)(nil)).Elem()
	envelopeType = reflect.TypeOf((*apitypes.ChatCompletionRequest)(nil))
	rawMapType   = reflect.TypeOf(map[string]any(nil))
)

// WithDescription sets the service description. It has no effect on mapping.
func WithDescription(desc string) Option {
	return func(c *config) { c.description = desc }
}

// WithParams names the handler parameters, in declaration order, excluding
// the leading context.Context. Required for automatic request mapping.
func WithParams(names ...string) Option {
	return func(c *config) { c.paramNames = append(c.paramNames, names...) }
}

// WithDefault declares a default for the named parameter, used when the
// envelope search finds no match.
func WithDefault(name string, value any) Option {
	return func(c *config) {
		if c.defaults == nil {
			c.defaults = make(map[string]any)
		}
		c.defaults[name] = value
	}
}

// WithManualRequest disables automatic request mapping: the handler receives
// the entire envelope as its sole argument, either typed
// (*apitypes.ChatCompletionRequest) or as a plain nested map[string]any.
func WithManualRequest() Option {
	return func(c *config) { c.autoRequest = false }
}

// WithManualResponse disables automatic response mapping: the handler must
// produce complete response (or chunk) objects itself.
func WithManualResponse() Option {
	return func(c *config) { c.autoResponse = false }
}

// WithStreaming declares that the service may be invoked in incremental
// mode. Required for handlers with an incremental shape.
func WithStreaming() Option {
	return func(c *config) { c.supportsStreaming = true }
}

// NewDescriptor builds and validates a descriptor for handler. Most callers
// use Registry.Register instead; this is exposed for tests and custom
// registries.
func NewDescriptor(name string, handler any, opts ...Option) (*Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("service: name is required")
	}
	cfg := config{autoRequest: true, autoResponse: true}
	for _, o := range opts {
		o(&cfg)
	}
	fv := reflect.ValueOf(handler)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("service %q: handler must be a function, got %s", name, ft.Kind())
	}
	if ft.NumIn() == 0 || ft.In(0) != ctxType {
		return nil, fmt.Errorf("service %q: handler first argument must be context.Context", name)
	}
	shape, err := classify(ft)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", name, err)
	}
	if shape.Incremental() && !cfg.supportsStreaming {
		return nil, fmt.Errorf("service %q: handler shape %s requires WithStreaming", name, shape)
	}

	nargs := ft.NumIn() - 1
	var params []Param
	if cfg.autoRequest {
		if nargs == 0 {
			return nil, fmt.Errorf("service %q: handler declares no parameters", name)
		}
		if len(cfg.paramNames) != nargs {
			return nil, fmt.Errorf("service %q: %d parameter names declared for %d handler arguments",
				name, len(cfg.paramNames), nargs)
		}
		seen := make(map[string]bool, nargs)
		params = make([]Param, nargs)
		for i, pname := range cfg.paramNames {
			if pname == "" {
				return nil, fmt.Errorf("service %q: parameter %d has no name", name, i)
			}
			if seen[pname] {
				return nil, fmt.Errorf("service %q: duplicate parameter name %q", name, pname)
			}
			seen[pname] = true
			p := Param{Name: pname, Type: ft.In(i + 1)}
			if dv, ok := cfg.defaults[pname]; ok {
				p.Default = dv
				p.HasDefault = true
			}
			params[i] = p
		}
		for pname := range cfg.defaults {
			if !seen[pname] {
				return nil, fmt.Errorf("service %q: default declared for unknown parameter %q", name, pname)
			}
		}
	} else {
		if nargs != 1 {
			return nil, fmt.Errorf("service %q: manual request mapping requires exactly one handler argument", name)
		}
		at := ft.In(1)
		if at != envelopeType && at != rawMapType {
			return nil, fmt.Errorf("service %q: manual request mapping argument must be %s or map[string]any, got %s",
				name, envelopeType, at)
		}
		params = []Param{{Name: "request", Type: at}}
	}

	return &Descriptor{
		name:              name,
		description:       cfg.description,
		handler:           fv,
		shape:             shape,
		params:            params,
		autoRequest:       cfg.autoRequest,
		autoResponse:      cfg.autoResponse,
		supportsStreaming: cfg.supportsStreaming,
	}, nil
}

// classify resolves the handler execution shape from its type. The shape set
// is closed: anything else is a registration error.
func classify(ft reflect.Type) (Shape, error) {
	switch ft.NumOut() {
	case 1:
		if isSeq(ft.Out(0)) {
			return ShapeSeq, nil
		}
		return 0, fmt.Errorf("handler returning a single value must return iter.Seq[T], got %s", ft.Out(0))
	case 2:
		if ft.Out(1) != errType {
			return 0, fmt.Errorf("handler second return value must be error, got %s", ft.Out(1))
		}
		out := ft.Out(0)
		switch {
		case out == streamType:
			return ShapeStream, nil
		case out.Kind() == reflect.Chan:
			if out.ChanDir() == reflect.SendDir {
				return 0, fmt.Errorf("handler channel return must be receivable")
			}
			return ShapeChan, nil
		default:
			return ShapeUnary, nil
		}
	default:
		return 0, fmt.Errorf("handler must return (T, error), (<-chan T, error), (Stream, error) or iter.Seq[T]")
	}
}

// isSeq reports whether t has the iter.Seq[T] form func(yield func(T) bool).
func isSeq(t reflect.Type) bool {
	if t.Kind() != reflect.Func || t.NumIn() != 1 || t.NumOut() != 0 {
		return false
	}
	y := t.In(0)
	return y.Kind() == reflect.Func && y.NumIn() == 1 && y.NumOut() == 1 && y.Out(0).Kind() == reflect.Bool
}

// Name returns the unique public name, used as the protocol model field.
func (d *Descriptor) Name() string { return d.name }

// Description returns the free-text description.
func (d *Descriptor) Description() string { return d.description }

// Shape returns the handler execution shape cached at registration.
func (d *Descriptor) Shape() Shape { return d.shape }

// Params returns the declared parameters in positional order. Callers must
// not mutate the returned slice.
func (d *Descriptor) Params() []Param { return d.params }

// Handler returns the reflected handler function.
func (d *Descriptor) Handler() reflect.Value { return d.handler }

// AutoRequest reports whether automatic request mapping is selected.
func (d *Descriptor) AutoRequest() bool { return d.autoRequest }

// AutoResponse reports whether automatic response mapping is selected.
func (d *Descriptor) AutoResponse() bool { return d.autoResponse }

// SupportsStreaming reports whether the service may be invoked in
// incremental mode.
func (d *Descriptor) SupportsStreaming() bool { return d.supportsStreaming }

// IsEnvelopeParam reports whether p receives the raw request envelope rather
// than a searched value.
func IsEnvelopeParam(p Param) bool {
	return p.Type == envelopeType
}

// IsRawMapParam reports whether p receives the envelope as a plain nested
// map, which manual request mapping supports as an alternative to the typed
// envelope.
func IsRawMapParam(p Param) bool {
	return p.Type == rawMapType
}
