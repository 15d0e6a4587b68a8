package bridge

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Handler consumes the single result eventually produced for a token.
type Handler func(result any)

// Registry correlates opaque string tokens with single-shot result
// handlers. Resolving a token invokes its handler exactly once;
// resolving an unknown or already-consumed token is a silent no-op.
// Caller-facing requests carry caller-chosen tokens; write/notify
// correlation uses internally generated monotonic tokens from
// NextToken. Tokens are never reused.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	entropy  *ulid.MonotonicEntropy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NextToken returns a fresh internally generated token. Tokens from one
// registry are monotonically ordered.
func (r *Registry) NextToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
}

// Register binds a handler to token. Registering an already-bound token
// replaces the previous handler without invoking it.
func (r *Registry) Register(token string, h Handler) {
	if token == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[token] = h
	r.mu.Unlock()
}

// Resolve invokes and consumes the handler bound to token. It reports
// whether a handler ran.
func (r *Registry) Resolve(token string, result any) bool {
	r.mu.Lock()
	h, ok := r.handlers[token]
	if ok {
		delete(r.handlers, token)
	}
	r.mu.Unlock()
	if !ok {
		slog.Debug("[bridge] ignoring resolution for unknown token", "token", token)
		return false
	}
	h(result)
	return true
}

// Drop removes token without invoking its handler.
func (r *Registry) Drop(token string) {
	r.mu.Lock()
	delete(r.handlers, token)
	r.mu.Unlock()
}

// DropAll clears every pending token without invoking handlers. Callers
// must not expect late resolution after teardown.
func (r *Registry) DropAll() {
	r.mu.Lock()
	r.handlers = make(map[string]Handler)
	r.mu.Unlock()
}

// Pending reports the number of unresolved tokens.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
