// Package skill invokes Level-2 skills, either in-process through registered
// handlers or remotely through the skill execution service.
package skill

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/sequencer/model"
)

// Request is the body sent to the skill execution service.
type Request struct {
	SkillKey        string         `json:"skill_key"`
	Context         map[string]any `json:"context"`
	OrganizationID  string         `json:"organization_id"`
	UserID          string         `json:"user_id"`
	InstanceID      string         `json:"instance_id,omitempty"`
	StoreFullOutput bool           `json:"store_full_output"`
	DryRun          bool           `json:"dry_run"`
}

// Executor runs a single skill. A returned error means the skill could not
// be invoked at all; a skill that ran and failed reports it through the
// result status instead.
type Executor interface {
	Execute(ctx context.Context, req Request) (model.SkillResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (model.SkillResult, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (model.SkillResult, error) {
	return f(ctx, req)
}

// HandlerRegistry stores in-process skill handlers keyed by skill key.
// It is safe for concurrent use after initial registration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Executor
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Executor)}
}

// Register adds a handler for skillKey. Panics if the key is already
// registered, since this indicates a wiring mistake at startup.
func (r *HandlerRegistry) Register(skillKey string, handler Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[skillKey]; exists {
		panic(fmt.Sprintf("skill: handler %q already registered", skillKey))
	}
	r.handlers[skillKey] = handler
}

// Get returns the handler registered for skillKey.
func (r *HandlerRegistry) Get(skillKey string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[skillKey]
	return h, ok
}

// Keys returns all registered skill keys, sorted.
func (r *HandlerRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
