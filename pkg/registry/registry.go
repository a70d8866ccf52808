// Package registry manages the named exports a server offers, along with
// the reference-counted lifetime of each export.
package registry

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps names to exports. Naming an export takes a reference on its
// behalf, so a published export can never be freed out from under a lookup.
//
// Example usage:
//
//	reg := NewRegistry()
//	exp, _ := reg.NewExport(ctx, ExportConfig{Backend: dev, Size: -1})
//	reg.SetName(exp, "disk0")
//	...
//	reg.CloseAll()
type Registry struct {
	mu      sync.RWMutex
	exports map[string]*Export

	// order preserves publication order for listings
	order []*Export
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exports: make(map[string]*Export),
	}
}

// SetName publishes the export under the given name. Naming takes a registry
// reference; renaming drops the previous registration's reference and takes
// one for the new. Setting the name the export already has is a no-op.
// Returns an error if another export holds the name.
func (r *Registry) SetName(exp *Export, name string) error {
	return r.setName(exp, name, true)
}

// ClearName withdraws the export from the registry and drops the reference
// its registration held. A no-op for unnamed exports.
func (r *Registry) ClearName(exp *Export) {
	// cannot collide, so the error is structurally nil
	_ = r.setName(exp, "", false)
}

func (r *Registry) setName(exp *Export, name string, named bool) error {
	var puts int

	r.mu.Lock()
	exp.mu.Lock()
	if exp.named == named && exp.name == name {
		exp.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	if named {
		if other, exists := r.exports[name]; exists && other != exp {
			exp.mu.Unlock()
			r.mu.Unlock()
			return fmt.Errorf("export %q already registered", name)
		}
	}

	exp.refs++ // pin across the rename
	if exp.named {
		delete(r.exports, exp.name)
		r.order = slices.DeleteFunc(r.order, func(e *Export) bool { return e == exp })
		exp.name = ""
		exp.named = false
		puts++
	}
	if named {
		exp.refs++
		exp.name = name
		exp.named = true
		r.exports[name] = exp
		r.order = append(r.order, exp)
	}
	exp.mu.Unlock()
	r.mu.Unlock()

	// the pin and the dropped registration, released outside the locks so a
	// final Put can run the teardown path
	for i := 0; i <= puts; i++ {
		exp.Put()
	}
	return nil
}

// Find looks up an export by name. The returned export carries a reference
// taken for the caller, who must Put it when done. Returns nil when no
// export holds the name.
func (r *Registry) Find(name string) *Export {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exp, exists := r.exports[name]
	if !exists {
		return nil
	}
	exp.Get()
	return exp
}

// Names returns the published export names in publication order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, exp := range r.order {
		exp.mu.Lock()
		if exp.named {
			names = append(names, exp.name)
		}
		exp.mu.Unlock()
	}
	return names
}

// CloseAll closes every published export, used at process shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	exports := slices.Clone(r.order)
	r.mu.RUnlock()

	for _, exp := range exports {
		exp.Close()
	}
}
