// Package gateway exposes registered services over the chat-completion HTTP
// surface. It composes the mapping engine (request mapper, invocation
// adapter, response mapper) into unary and streaming handlers with
// middleware support, and mounts them on a Goa HTTP muxer.
package gateway

import (
	"context"
	"errors"
	"io"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/invoke"
	"goa.design/maas/runtime/mapper"
	"goa.design/maas/runtime/service"
	"goa.design/maas/runtime/telemetry"
)

// ErrRegistryRequired indicates that a service registry must be supplied.
var ErrRegistryRequired = errors.New("gateway: registry is required")

type (
	// UnaryHandler processes one non-streaming completion request and
	// returns the response object to encode.
	UnaryHandler func(ctx context.Context, req *apitypes.ChatCompletionRequest) (any, error)

	// StreamHandler processes a streaming completion request by invoking
	// send for each chunk object in production order. send is called
	// sequentially; returning an error from send aborts the stream.
	StreamHandler func(ctx context.Context, req *apitypes.ChatCompletionRequest, send func(any) error) error

	// UnaryMiddleware wraps a UnaryHandler to add behavior around the
	// invocation. Middleware are applied in registration order, the first
	// registered forming the outermost layer.
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// Server dispatches protocol requests to registered services through
	// the mapping engine.
	Server struct {
		registry *service.Registry
		mapper   *mapper.Mapper
		adapter  *invoke.Adapter
		log      telemetry.Logger
		unary    UnaryHandler
		stream   StreamHandler
	}

	// Option configures a Server during construction.
	Option func(*serverConfig)

	serverConfig struct {
		registry *service.Registry
		mapper   *mapper.Mapper
		adapter  *invoke.Adapter
		log      telemetry.Logger
		unaryMW  []UnaryMiddleware
		streamMW []StreamMiddleware
	}
)

// WithRegistry sets the service registry consulted for the request's model
// field. Required.
func WithRegistry(r *service.Registry) Option {
	return func(c *serverConfig) { c.registry = r }
}

// WithMapper overrides the mapping engine. Defaults to mapper.New().
func WithMapper(m *mapper.Mapper) Option {
	return func(c *serverConfig) { c.mapper = m }
}

// WithAdapter overrides the invocation adapter. Defaults to
// invoke.NewAdapter().
func WithAdapter(a *invoke.Adapter) Option {
	return func(c *serverConfig) { c.adapter = a }
}

// WithLogger sets the logger used for request-level diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(c *serverConfig) { c.log = l }
}

// WithUnary appends middleware to the unary completion chain.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *serverConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends middleware to the streaming completion chain.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *serverConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// NewServer constructs a Server. The base handlers run the mapping engine
// end to end: request mapper, invocation adapter, response mapper.
// Registered middleware wrap them in registration order.
func NewServer(opts ...Option) (*Server, error) {
	cfg := serverConfig{log: telemetry.NewNoopLogger()}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.registry == nil {
		return nil, ErrRegistryRequired
	}
	if cfg.mapper == nil {
		cfg.mapper = mapper.New(mapper.WithLogger(cfg.log))
	}
	if cfg.adapter == nil {
		cfg.adapter = invoke.NewAdapter(invoke.WithLogger(cfg.log))
	}
	s := &Server{
		registry: cfg.registry,
		mapper:   cfg.mapper,
		adapter:  cfg.adapter,
		log:      cfg.log,
	}
	unary := s.baseUnary
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}
	stream := s.baseStream
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}
	s.unary = unary
	s.stream = stream
	return s, nil
}

// Complete processes a non-streaming completion request through the
// middleware chain.
func (s *Server) Complete(ctx context.Context, req *apitypes.ChatCompletionRequest) (any, error) {
	return s.unary(ctx, req)
}

// Stream processes a streaming completion request through the middleware
// chain, invoking send per chunk. Backpressure is the transport's: the
// engine pulls the next produced value only after send returns.
func (s *Server) Stream(ctx context.Context, req *apitypes.ChatCompletionRequest, send func(any) error) error {
	return s.stream(ctx, req, send)
}

// baseUnary drains the invocation and maps the produced value(s) into one
// response object. Incremental handlers invoked without streaming have
// their elements collected and mapped as multiple choices.
func (s *Server) baseUnary(ctx context.Context, req *apitypes.ChatCompletionRequest) (any, error) {
	desc, err := s.registry.Lookup(req.Model)
	if err != nil {
		return nil, err
	}
	args, err := s.mapper.MapRequest(ctx, desc, req)
	if err != nil {
		return nil, err
	}
	inv := s.adapter.Invoke(ctx, desc, args)
	defer func() { _ = inv.Close() }()

	var values []any
	for {
		v, rerr := inv.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, rerr
		}
		values = append(values, v)
		if desc.Shape() == service.ShapeUnary {
			break
		}
	}
	var produced any
	switch {
	case len(values) == 1:
		produced = values[0]
	case len(values) > 1:
		produced = values
	}
	return s.mapper.MapResponse(ctx, desc, req, produced), nil
}

// baseStream wires the invocation through the chunk mapper and forwards
// each chunk, last of which carries the non-null finish reason.
func (s *Server) baseStream(ctx context.Context, req *apitypes.ChatCompletionRequest, send func(any) error) error {
	desc, err := s.registry.Lookup(req.Model)
	if err != nil {
		return err
	}
	args, err := s.mapper.MapRequest(ctx, desc, req)
	if err != nil {
		return err
	}
	inv := s.adapter.Invoke(ctx, desc, args)
	cs := s.mapper.MapStream(ctx, desc, req, inv)
	defer func() { _ = cs.Close() }()

	for {
		chunk, rerr := cs.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
		if serr := send(chunk); serr != nil {
			return serr
		}
	}
}

// Registry returns the registry the server serves from.
func (s *Server) Registry() *service.Registry { return s.registry }
