package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/blipee/pulse/pulse/jobs"
)

// Handler executes one job type.
//
// Execute receives the claimed job (its Config carries the caller's payload)
// and returns the result document stored on completion. Handlers must watch
// ctx.Done(): the context is cancelled when the job is cancelled, when the
// handler timeout elapses, and on shutdown. A per-job execution logger is
// available through execlog.FromContext(ctx).
type Handler interface {
	Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *jobs.Job) (json.RawMessage, error)

// Execute calls f
func (f HandlerFunc) Execute(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// HandlerRegistry maps job types to handlers.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[jobs.JobType]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[jobs.JobType]Handler)}
}

// Register adds the handler for jobType.
// Panics on an unknown job type or a second registration for the same type.
func (r *HandlerRegistry) Register(jobType jobs.JobType, h Handler) {
	if !jobType.IsValid() {
		panic(fmt.Sprintf("unknown job type: %s", jobType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.handlers[jobType] = h
}

// Get returns the handler for jobType, or nil
func (r *HandlerRegistry) Get(jobType jobs.JobType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has reports whether jobType has a handler
func (r *HandlerRegistry) Has(jobType jobs.JobType) bool {
	return r.Get(jobType) != nil
}

// Types returns the registered job types, sorted
func (r *HandlerRegistry) Types() []jobs.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]jobs.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
