package tooling

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sahan-penakalapati/hedwig/pkg/faults"
)

// ErrRegistrySealed is returned by Register after Seal.
var ErrRegistrySealed = fmt.Errorf("tool registry is sealed")

type entry struct {
	desc        Descriptor
	tool        Tool
	validator   *ArgValidator
	fingerprint string
}

type snapshot struct {
	byName map[string]*entry
	order  []*entry
}

// Registry maps tool names to descriptors and implementations.
//
// Registration happens once at startup and ends with Seal. Every read loads an
// immutable snapshot through an atomic pointer, so lookups never lock.
type Registry struct {
	mu     sync.Mutex
	sealed atomic.Bool
	snap   atomic.Pointer[snapshot]
}

// NewRegistry creates an empty, open registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{byName: map[string]*entry{}})
	return r
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	d := t.Descriptor()
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid tool descriptor: %w", err)
	}
	v, err := NewArgValidator(d.Name, d.ArgSchema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	cur := r.snap.Load()
	if _, ok := cur.byName[d.Name]; ok {
		return faults.New(faults.KindDuplicateTool, "registry.register", d.Name, nil)
	}

	next := &snapshot{
		byName: make(map[string]*entry, len(cur.byName)+1),
		order:  make([]*entry, 0, len(cur.order)+1),
	}
	for k, e := range cur.byName {
		next.byName[k] = e
	}
	next.order = append(next.order, cur.order...)

	e := &entry{desc: d, tool: t, validator: v, fingerprint: d.Fingerprint()}
	next.byName[d.Name] = e
	next.order = append(next.order, e)
	r.snap.Store(next)
	return nil
}

// Seal closes the registration phase.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether registration is closed.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

func (r *Registry) lookup(name string) (*entry, error) {
	e, ok := r.snap.Load().byName[name]
	if !ok {
		return nil, faults.New(faults.KindUnknownTool, "registry.get", name, nil)
	}
	return e, nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Descriptor{}, err
	}
	return e.desc, nil
}

// Tool returns the implementation registered under name.
func (r *Registry) Tool(name string) (Tool, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.tool, nil
}

// Validator returns the argument validator for name.
func (r *Registry) Validator(name string) (*ArgValidator, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.validator, nil
}

// Fingerprint returns the fingerprint recorded at registration.
func (r *Registry) Fingerprint(name string) (string, error) {
	e, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	return e.fingerprint, nil
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	snap := r.snap.Load()
	out := make([]Descriptor, len(snap.order))
	for i, e := range snap.order {
		out[i] = e.desc
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}
