package resolver

import (
	"context"
	"sync"

	"github.com/calliopehq/calliope/errors"
)

// Method is one dynamic data-fetch strategy. Implementations are selected by
// name through a definition's dynamic_method config and must be safe for
// concurrent use: the resolver fans independent calls out in parallel.
type Method interface {
	// Name identifies the method for definition config (e.g. "crm.account-owner").
	Name() string

	// Resolve computes the placeholder value from the merged argument set
	// (static config + tenant injection + caller overrides).
	Resolve(ctx context.Context, args map[string]string) (string, error)
}

// MethodRegistry maps dynamic-method names to implementations. It is built
// explicitly at startup and passed into the Resolver by reference; there is
// no ambient process-global lookup.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]Method),
	}
}

// Register adds a method by its name.
// Panics if a method is already registered with that name.
func (r *MethodRegistry) Register(m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.methods[name]; exists {
		panic("method already registered: " + name)
	}
	r.methods[name] = m
}

// Get retrieves a method by name.
func (r *MethodRegistry) Get(name string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.methods[name]
	if !ok {
		return nil, errors.NewNotFoundError("dynamic method %q not registered", name)
	}
	return m, nil
}

// Names returns all registered method names.
func (r *MethodRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

// MethodFunc adapts a plain function into a Method.
type MethodFunc struct {
	MethodName string
	Fn         func(ctx context.Context, args map[string]string) (string, error)
}

func (f MethodFunc) Name() string { return f.MethodName }

func (f MethodFunc) Resolve(ctx context.Context, args map[string]string) (string, error) {
	return f.Fn(ctx, args)
}
