// Package ids interns the external string identifiers of a simulation
// (persons, links, vehicles, activity types, modes) into compact handles.
//
// A Registry keeps one table per Category. Within a table the mapping between
// external strings and handles is a bijection: handles are dense, start at
// zero, follow insertion order, and are never reused. Registries are plain
// values; callers construct one (usually with Load) and pass it down.
package ids

import (
	"fmt"
	"sort"
	"sync"
)

// Category scopes a handle space. The numeric values are the type ids written
// by the simulation into its identifier snapshot.
type Category uint64

const (
	CategoryString      Category = 1
	CategoryPerson      Category = 2
	CategoryLink        Category = 3
	CategoryNode        Category = 4
	CategoryVehicleType Category = 5
	CategoryVehicle     Category = 6
	CategoryInt         Category = 7
	CategoryLong        Category = 8
	CategoryU32         Category = 9
	CategoryFloat       Category = 10
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryString:
		return "string"
	case CategoryPerson:
		return "person"
	case CategoryLink:
		return "link"
	case CategoryNode:
		return "node"
	case CategoryVehicleType:
		return "vehicle_type"
	case CategoryVehicle:
		return "vehicle"
	case CategoryInt:
		return "int"
	case CategoryLong:
		return "long"
	case CategoryU32:
		return "u32"
	case CategoryFloat:
		return "float"
	default:
		return fmt.Sprintf("category(%d)", uint64(c))
	}
}

// ID is an interned identifier. The zero value is not a valid identifier of
// any registry; IDs are obtained from Registry.Create, Get or Resolve.
type ID struct {
	category Category
	handle   uint64
	valid    bool
}

// Category returns the category the handle belongs to.
func (id ID) Category() Category { return id.category }

// Handle returns the compact handle.
func (id ID) Handle() uint64 { return id.handle }

// IsValid reports whether the ID was produced by a registry.
func (id ID) IsValid() bool { return id.valid }

// String formats the ID without resolving it, e.g. "person#12".
func (id ID) String() string {
	if !id.valid {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d", id.category, id.handle)
}

type table struct {
	external []string
	handles  map[string]uint64
}

func newTable() *table {
	return &table{handles: make(map[string]uint64)}
}

// Registry holds the interning tables of all categories.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tables map[Category]*table
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tables: make(map[Category]*table)}
}

// Create interns external in category and returns its ID. Interning the same
// string again returns the same ID.
func (r *Registry) Create(category Category, external string) ID {
	if id, ok := r.Get(category, external); ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[category]
	if !ok {
		t = newTable()
		r.tables[category] = t
	}
	// Another writer may have won the race between the read and write lock.
	if h, ok := t.handles[external]; ok {
		return ID{category: category, handle: h, valid: true}
	}

	h := uint64(len(t.external))
	t.external = append(t.external, external)
	t.handles[external] = h
	return ID{category: category, handle: h, valid: true}
}

// Get looks up an already interned string.
func (r *Registry) Get(category Category, external string) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[category]
	if !ok {
		return ID{}, false
	}
	h, ok := t.handles[external]
	if !ok {
		return ID{}, false
	}
	return ID{category: category, handle: h, valid: true}, true
}

// Resolve turns a handle read from the wire into an ID, failing when the
// handle was never allocated in this registry.
func (r *Registry) Resolve(category Category, handle uint64) (ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[category]
	if !ok || handle >= uint64(len(t.external)) {
		return ID{}, fmt.Errorf("unknown %s handle %d", category, handle)
	}
	return ID{category: category, handle: handle, valid: true}, nil
}

// Lookup returns the external string of id and whether it belongs to this
// registry.
func (r *Registry) Lookup(id ID) (string, bool) {
	if !id.valid {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[id.category]
	if !ok || id.handle >= uint64(len(t.external)) {
		return "", false
	}
	return t.external[id.handle], true
}

// External returns the external string of id, or "" for an ID that does not
// belong to this registry.
func (r *Registry) External(id ID) string {
	s, _ := r.Lookup(id)
	return s
}

// Len returns the number of identifiers interned in category.
func (r *Registry) Len(category Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tables[category]; ok {
		return len(t.external)
	}
	return 0
}

// Categories returns the populated categories in ascending order.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cats := make([]Category, 0, len(r.tables))
	for c := range r.tables {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// externals returns a copy of a category's strings in handle order.
func (r *Registry) externals(category Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[category]
	if !ok {
		return nil
	}
	out := make([]string, len(t.external))
	copy(out, t.external)
	return out
}

// setTable installs a complete category table, rejecting duplicates.
func (r *Registry) setTable(category Category, external []string) error {
	t := newTable()
	t.external = external
	for i, s := range external {
		if prev, dup := t.handles[s]; dup {
			return fmt.Errorf("%s %q appears at handles %d and %d", category, s, prev, i)
		}
		t.handles[s] = uint64(i)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[category]; exists {
		return fmt.Errorf("%s table appears twice", category)
	}
	r.tables[category] = t
	return nil
}
