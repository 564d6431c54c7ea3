// Package registry is the function_name -> handler dispatch table the
// engine's scheduler resolves against: one namespaced map for
// orchestrators, one for activities, generalized from flow's
// ActionRegistry/HandlerRegistry/GuardRegistry family.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-durable/engine"
)

// Registry implements engine.FunctionRegistry and engine.ActivityRegistry.
// Unlike its flow/*_registry.go ancestors (registered once at config-build
// time, read single-threaded thereafter), a Registry here is read
// concurrently by every scheduler poll cycle, so lookups take a read lock.
type Registry struct {
	mu          sync.RWMutex
	orchestrators map[string]engine.OrchestratorFunc
	activities    map[string]engine.ActivityFunc
	namespacer    func(string, string) string
}

func New() *Registry {
	return &Registry{
		orchestrators: make(map[string]engine.OrchestratorFunc),
		activities:    make(map[string]engine.ActivityFunc),
		namespacer:    defaultNamespace,
	}
}

// SetNamespacer customizes how registration namespaces combine with names.
func (r *Registry) SetNamespacer(fn func(string, string) string) {
	if fn != nil {
		r.mu.Lock()
		r.namespacer = fn
		r.mu.Unlock()
	}
}

// RegisterOrchestratorFunc registers fn under name.
func (r *Registry) RegisterOrchestratorFunc(name string, fn engine.OrchestratorFunc) error {
	return r.RegisterOrchestratorNamespaced("", name, fn)
}

// RegisterOrchestratorNamespaced registers fn under namespace+name.
func (r *Registry) RegisterOrchestratorNamespaced(namespace, name string, fn engine.OrchestratorFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("orchestrator name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.key(namespace, name)
	if _, exists := r.orchestrators[key]; exists {
		return fmt.Errorf("orchestrator %s already registered", key)
	}
	r.orchestrators[key] = fn
	return nil
}

// Lookup implements engine.FunctionRegistry.
func (r *Registry) Lookup(functionName string) (engine.OrchestratorFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.orchestrators[functionName]
	return fn, ok
}

// RegisterActivityFunc registers fn under name.
func (r *Registry) RegisterActivityFunc(name string, fn engine.ActivityFunc) error {
	return r.RegisterActivityNamespaced("", name, fn)
}

// RegisterActivityNamespaced registers fn under namespace+name.
func (r *Registry) RegisterActivityNamespaced(namespace, name string, fn engine.ActivityFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("activity name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.key(namespace, name)
	if _, exists := r.activities[key]; exists {
		return fmt.Errorf("activity %s already registered", key)
	}
	r.activities[key] = fn
	return nil
}

// LookupActivity implements engine.ActivityRegistry.
func (r *Registry) LookupActivity(functionName string) (engine.ActivityFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[functionName]
	return fn, ok
}

// OrchestratorNames returns sorted registered orchestrator names.
func (r *Registry) OrchestratorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.orchestrators))
	for name := range r.orchestrators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActivityNames returns sorted registered activity names.
func (r *Registry) ActivityNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) key(namespace, name string) string {
	if r.namespacer != nil {
		return r.namespacer(namespace, name)
	}
	return name
}
