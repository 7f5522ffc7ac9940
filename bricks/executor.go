package bricks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/play-engine/types"
)

var (
	// ErrNotRegistered indicates no executor is registered for a brick category.
	ErrNotRegistered = errors.New("executor not registered")
	// ErrConfigMismatch indicates an executor received the config of another category.
	ErrConfigMismatch = errors.New("brick config does not match executor")
)

// Request is the input of one executor invocation. Context is read-only.
type Request struct {
	Config  types.BrickConfig
	Inputs  map[string]interface{}
	Context *types.ExecutionContext
}

// Result is what an executor reports back to the engine.
type Result struct {
	Status      types.NodeStatus
	Outputs     map[string]interface{}
	Description string
	// RuntimeConfig is merged over the static node config in the pending action, so the
	// next invocation sees the state the executor wrote while waiting.
	RuntimeConfig map[string]interface{}
	Error         string
}

// Executor runs the logic of one brick category.
//
// A returned types.ValidationErrors means the caller's submission was rejected and the node
// state must not change. Any other error is an infrastructure problem; the node keeps its
// previous state and the caller may retry.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

// Execute implements the Executor interface.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps brick categories to executors. It is built once and injected.
type Registry struct {
	mu        sync.RWMutex
	executors map[types.BrickCategory]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[types.BrickCategory]Executor)}
}

// DefaultRegistry registers the five built-in executors. docs and signatures may be nil,
// in which case documentation and commitment nodes fail with a configuration message.
func DefaultRegistry(docs, signatures JobService) *Registry {
	r := NewRegistry()
	_ = r.Register(types.CategoryCollection, Collection{})
	_ = r.Register(types.CategoryApproval, Approval{})
	_ = r.Register(types.CategoryReview, Review{})
	_ = r.Register(types.CategoryDocumentation, Documentation{Jobs: docs})
	_ = r.Register(types.CategoryCommitment, Commitment{Jobs: signatures})
	return r
}

// Register adds or replaces the executor of category.
func (r *Registry) Register(category types.BrickCategory, executor Executor) error {
	if category == "" || executor == nil {
		return errors.New("category and executor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[category] = executor
	return nil
}

// Lookup returns the executor of category.
func (r *Registry) Lookup(category types.BrickCategory) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, category)
	}
	return ex, nil
}

func completed(outputs map[string]interface{}) Result {
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	return Result{Status: types.StatusCompleted, Outputs: outputs}
}

func failed(format string, args ...interface{}) Result {
	return Result{Status: types.StatusFailed, Error: fmt.Sprintf(format, args...)}
}

func mismatch(want types.BrickCategory, got types.BrickConfig) error {
	if got == nil {
		return fmt.Errorf("%w: %s executor got no config", ErrConfigMismatch, want)
	}
	return fmt.Errorf("%w: %s executor got %s config", ErrConfigMismatch, want, got.Category())
}

// execContext never returns nil so executors can read submissions unconditionally.
func execContext(req Request) *types.ExecutionContext {
	if req.Context == nil {
		return &types.ExecutionContext{}
	}
	return req.Context
}
