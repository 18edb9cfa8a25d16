// Package callable is the adapter between RPC dispatch and compiled
// functions: a per-process registry of callables addressable by qualified
// name, with signature-driven argument binding.
//
// Binding is deliberately asymmetric in when it validates. Arity and
// missing-argument errors are caught when the call is constructed, before
// any network activity (Validate). Unknown keyword names are only caught
// when the callee binds for execution (Bind).
package callable

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/refnet/refnet/future"
	"github.com/refnet/refnet/value"
)

// Param is one declared parameter of a compiled function.
type Param struct {
	Name    string
	Default *value.Value
}

// Required reports whether the parameter must be supplied by the caller.
func (p Param) Required() bool {
	return p.Default == nil
}

// Runtime is the surface a compiled function body sees while executing on a
// worker. It exposes the reference operations and nested call shapes a body
// may use; the rpc package implements it.
type Runtime interface {
	// SelfRank returns the executing worker's rank.
	SelfRank() int

	// WorkerName maps a rank to its stable worker name.
	WorkerName(rank int) string

	// ToHere fetches the value behind a reference, blocking the calling
	// goroutine until it is available.
	ToHere(ctx context.Context, ref value.Ref) (value.Value, error)

	// LocalValue returns the owned value without a network round trip.
	// Owner-only.
	LocalValue(ctx context.Context, ref value.Ref) (value.Value, error)

	// IsOwner reports whether this worker owns the reference.
	IsOwner(ref value.Ref) bool

	// ConfirmedByOwner reports the confirmation flag. Never blocks.
	ConfirmedByOwner(ref value.Ref) bool

	// OwnerName returns the owning worker's name.
	OwnerName(ref value.Ref) string

	// CreateRef makes this worker the owner of v and returns the ref value.
	CreateRef(v value.Value, typeTag string) value.Value

	// CallAsync issues a nested asynchronous call to dst.
	CallAsync(ctx context.Context, dst string, fn string, args []value.Value, kwargs map[string]value.Value) *future.Future

	// Remote issues a nested remote-reference creation on dst.
	Remote(ctx context.Context, dst string, fn string, args []value.Value, kwargs map[string]value.Value) (value.Value, error)
}

// Body executes a compiled function over fully bound arguments; args has
// exactly one entry per declared parameter.
type Body func(ctx context.Context, rt Runtime, args []value.Value) (value.Value, error)

// Function is a compiled callable with a statically known signature.
type Function struct {
	Name   string
	Params []Param
	Body   Body
}

// Registry is the per-process table of compiled callables, keyed by
// qualified name. Every participating worker must register the same
// functions for remote resolution to succeed.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]*Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]*Function)}
}

// Register adds a compiled function.
func (r *Registry) Register(fn *Function) error {
	if fn == nil || fn.Name == "" {
		return fmt.Errorf("function must have a name")
	}
	if fn.Body == nil {
		return fmt.Errorf("function %s has no body", fn.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[fn.Name]; exists {
		return fmt.Errorf("function %s already registered", fn.Name)
	}
	r.funcs[fn.Name] = fn
	return nil
}

// MustRegister registers a function and panics on conflict. Intended for
// process-startup registration of the shared function space.
func (r *Registry) MustRegister(fn *Function) {
	if err := r.Register(fn); err != nil {
		panic(err)
	}
}

// Lookup resolves a qualified name.
func (r *Registry) Lookup(name string) (*Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("attempted to get undefined function %s", name)
	}
	return fn, nil
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a call against the signature at construction time:
// positional arity and required-parameter coverage. Unknown keyword names
// pass here; they are the callee's to reject.
func Validate(fn *Function, args []value.Value, kwargs map[string]value.Value) error {
	if len(args) > len(fn.Params) {
		return fmt.Errorf("%s() expected at most %d arguments but found %d positional arguments",
			fn.Name, len(fn.Params), len(args))
	}

	for i, p := range fn.Params {
		if i < len(args) {
			continue
		}
		if _, ok := kwargs[p.Name]; ok {
			continue
		}
		if p.Required() {
			return fmt.Errorf("Argument %s not provided", p.Name)
		}
	}
	return nil
}

// Bind resolves arguments for execution: positional first, then keywords,
// then declared defaults. It enforces everything Validate enforces plus
// duplicate and unknown keyword rejection.
func Bind(fn *Function, args []value.Value, kwargs map[string]value.Value) ([]value.Value, error) {
	if err := Validate(fn, args, kwargs); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(fn.Params))
	for i, p := range fn.Params {
		index[p.Name] = i
	}

	for name := range kwargs {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("Unknown keyword argument '%s'", name)
		}
		if i < len(args) {
			return nil, fmt.Errorf("%s() got multiple values for argument '%s'", fn.Name, name)
		}
	}

	bound := make([]value.Value, len(fn.Params))
	for i, p := range fn.Params {
		switch {
		case i < len(args):
			bound[i] = args[i]
		default:
			if v, ok := kwargs[p.Name]; ok {
				bound[i] = v
			} else {
				bound[i] = *p.Default
			}
		}
	}
	return bound, nil
}
