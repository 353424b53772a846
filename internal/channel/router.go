package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// RequestHandler serves one typed request frame. The returned value is
// marshalled into the reply payload; a returned error becomes a reply
// with ok=false.
type RequestHandler func(ctx context.Context, peer string, payload json.RawMessage) (any, error)

// PushHandler consumes one typed push frame.
type PushHandler func(ctx context.Context, peer string, payload json.RawMessage)

// Router dispatches incoming frames by their type string. Handlers
// are registered once at startup; registration after serving begins
// is not supported.
type Router struct {
	mu       sync.RWMutex
	requests map[string]RequestHandler
	pushes   map[string]PushHandler
	logger   *slog.Logger
}

func NewRouter() *Router {
	return &Router{
		requests: map[string]RequestHandler{},
		pushes:   map[string]PushHandler{},
		logger:   slog.Default().With("component", "router"),
	}
}

// OnRequest registers the handler for a request method.
func (r *Router) OnRequest(typ string, h RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[typ] = h
}

// OnPush registers the handler for a push event.
func (r *Router) OnPush(typ string, h PushHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes[typ] = h
}

func (r *Router) handleRequest(ctx context.Context, peer, typ string, payload json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.requests[typ]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown request type", "peer", peer, "type", typ)
		return nil, fmt.Errorf("unknown type: %s", typ)
	}
	return h(ctx, peer, payload)
}

func (r *Router) handlePush(ctx context.Context, peer, typ string, payload json.RawMessage) {
	r.mu.RLock()
	h, ok := r.pushes[typ]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("dropping unknown push", "peer", peer, "type", typ)
		return
	}
	h(ctx, peer, payload)
}
