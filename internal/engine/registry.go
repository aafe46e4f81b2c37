package engine

import (
	"errors"
	"fmt"
	"sync"

	"studio-backend/internal/schema"
	"studio-backend/internal/store"
)

// ErrNotRegistered is returned when no repository exists for an entity name
// or table. It always indicates a wiring bug, not user input.
var ErrNotRegistered = errors.New("entity not registered")

// Descriptor declares everything the engine needs to serve one entity:
// its table, fixed columns, presentation joins, searchable columns and the
// mapping from filter keys to joined column expressions.
type Descriptor struct {
	// Entity is the registry key, also used as the module name unless
	// Module is set.
	Entity string
	Table  string
	Module string

	// PrimaryKey defaults to "id".
	PrimaryKey string

	// Columns are the writable fixed columns of the base table. Payload
	// keys outside this list are treated as dynamic attributes.
	Columns []string

	// SelectExprs overrides the column selection; defaults to table.*.
	SelectExprs []string

	// Joins are rendered left-join clauses applied to every listing.
	Joins []string

	// SearchFields are the columns the search term is OR-LIKE'd across.
	SearchFields []string

	// ColumnMap translates filter keys to qualified (possibly joined)
	// column expressions, e.g. "role" -> "r.name".
	ColumnMap map[string]string

	// BoolFields are base columns that need int-to-bool normalization on
	// SQLite reads.
	BoolFields []string

	// AssignedResolver supplies the id set for assigned-scope filtering.
	AssignedResolver AssignedResolver
}

// Registry holds one Repository per registered entity, keyed by entity name
// and by table. It is populated once at process start; the relation resolver
// uses the table index to reach other entities' repositories.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Repository
	byTable map[string]*Repository
}

func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Repository),
		byTable: make(map[string]*Repository),
	}
}

// Register creates a Repository for the descriptor and indexes it.
func (r *Registry) Register(s *store.Store, schemas *schema.Service, desc Descriptor) *Repository {
	if desc.PrimaryKey == "" {
		desc.PrimaryKey = "id"
	}
	if desc.Module == "" {
		desc.Module = desc.Entity
	}
	repo := &Repository{store: s, schemas: schemas, desc: desc}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[desc.Entity] = repo
	r.byTable[desc.Table] = repo
	return repo
}

// Repository returns the repository registered under the entity name.
func (r *Registry) Repository(name string) (*Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return repo, nil
}

// ByTable returns the repository whose base table matches.
func (r *Registry) ByTable(table string) (*Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.byTable[table]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", ErrNotRegistered, table)
	}
	return repo, nil
}

// Entities returns the names of all registered entities.
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
