package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"studio-backend/internal/store"
)

// Service resolves the full inheritance-aware schema for a module and caches
// the result until Invalidate is called (after schema administration).
type Service struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[int64]*Resolved
	ids   map[string]int64
}

func NewService(s *store.Store) *Service {
	return &Service{
		store: s,
		cache: make(map[int64]*Resolved),
		ids:   make(map[string]int64),
	}
}

// ModuleByName looks up a module row by its unique name.
func (s *Service) ModuleByName(ctx context.Context, name string) (*Module, error) {
	return loadModuleByName(ctx, s.store.DB, s.store.Dialect, name)
}

// ResolveByName resolves the schema tree for the named module.
func (s *Service) ResolveByName(ctx context.Context, name string) (*Resolved, error) {
	return s.ResolveByNameIn(ctx, s.store.DB, name)
}

// ResolveByNameIn resolves the named module's schema using the given querier
// for any metadata loads. Callers holding a transaction pass it here so
// resolution never has to wait on a second pool connection; cache hits touch
// no connection at all. The name-to-id mapping is cached alongside the trees
// so repeated lookups skip the module-row query.
func (s *Service) ResolveByNameIn(ctx context.Context, q store.Querier, name string) (*Resolved, error) {
	s.mu.RLock()
	id, ok := s.ids[name]
	s.mu.RUnlock()
	if ok {
		return s.ResolveIn(ctx, q, id)
	}

	m, err := loadModuleByName(ctx, q, s.store.Dialect, name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.ids[name] = m.ID
	s.mu.Unlock()
	return s.ResolveIn(ctx, q, m.ID)
}

// Resolve returns the module's blocks and fields, including blocks inherited
// from its parent chain.
func (s *Service) Resolve(ctx context.Context, moduleID int64) (*Resolved, error) {
	return s.ResolveIn(ctx, s.store.DB, moduleID)
}

// ResolveIn is Resolve against a caller-supplied querier. Own blocks are
// appended after inherited ones and the dedup pass keeps the first occurrence
// of a block id, so an inherited block shadows an own block with the same id.
// That tie-break is load-bearing override semantics; do not flip it to
// last-wins.
func (s *Service) ResolveIn(ctx context.Context, q store.Querier, moduleID int64) (*Resolved, error) {
	s.mu.RLock()
	if cached, ok := s.cache[moduleID]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	resolved, err := s.resolve(ctx, q, moduleID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[moduleID] = resolved
	s.mu.Unlock()
	return resolved, nil
}

// Invalidate drops all cached schemas and name mappings. Called after any
// module/block/field mutation.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[int64]*Resolved)
	s.ids = make(map[string]int64)
	s.mu.Unlock()
}

func (s *Service) resolve(ctx context.Context, q store.Querier, moduleID int64) (*Resolved, error) {
	d := s.store.Dialect

	module, err := loadModuleByID(ctx, q, d, moduleID)
	if err != nil {
		return nil, fmt.Errorf("resolve module %d: %w", moduleID, err)
	}

	own, err := loadBlocks(ctx, q, d, module.ID)
	if err != nil {
		return nil, fmt.Errorf("load blocks for module %d: %w", moduleID, err)
	}

	inherited, err := s.inheritedBlocks(ctx, q, module)
	if err != nil {
		return nil, err
	}

	merged := mergeBlocks(inherited, own)

	resolved := &Resolved{Module: *module}
	for _, mb := range merged {
		fields, err := loadFields(ctx, q, d, mb.ID)
		if err != nil {
			return nil, fmt.Errorf("load fields for block %d: %w", mb.ID, err)
		}
		if err := s.injectRoleOptions(ctx, q, fields); err != nil {
			return nil, err
		}
		mb.Fields = fields
		resolved.Blocks = append(resolved.Blocks, mb)
	}
	return resolved, nil
}

// inheritedBlocks walks the parent chain (nearest parent first) collecting
// blocks marked inherited. Current data only ever has one level, but a
// longer chain is tolerated; a cycle guard stops runaway configurations.
func (s *Service) inheritedBlocks(ctx context.Context, q store.Querier, module *Module) ([]ResolvedBlock, error) {
	var out []ResolvedBlock
	seen := map[int64]bool{module.ID: true}

	parentID := module.ParentModuleID
	for parentID != nil {
		if seen[*parentID] {
			log.Warn().Int64("module_id", module.ID).Int64("parent_id", *parentID).
				Msg("module inheritance cycle detected, stopping walk")
			break
		}
		seen[*parentID] = true

		parent, err := loadModuleByID(ctx, q, s.store.Dialect, *parentID)
		if err != nil {
			return nil, fmt.Errorf("load parent module %d: %w", *parentID, err)
		}
		blocks, err := loadBlocks(ctx, q, s.store.Dialect, parent.ID)
		if err != nil {
			return nil, fmt.Errorf("load blocks for parent module %d: %w", parent.ID, err)
		}
		for _, b := range blocks {
			out = append(out, ResolvedBlock{Block: b, Inherited: true})
		}
		parentID = parent.ParentModuleID
	}
	return out, nil
}

// mergeBlocks concatenates inherited blocks then own blocks and deduplicates
// by block id keeping the first occurrence.
func mergeBlocks(inherited []ResolvedBlock, own []Block) []ResolvedBlock {
	merged := make([]ResolvedBlock, 0, len(inherited)+len(own))
	merged = append(merged, inherited...)
	for _, b := range own {
		merged = append(merged, ResolvedBlock{Block: b})
	}

	seen := make(map[int64]bool, len(merged))
	out := merged[:0]
	for _, b := range merged {
		if seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		out = append(out, b)
	}
	return out
}

// injectRoleOptions replaces the options of any field literally named "role"
// with the live list of role names.
func (s *Service) injectRoleOptions(ctx context.Context, q store.Querier, fields []Field) error {
	for i := range fields {
		if fields[i].Name != "role" {
			continue
		}
		names, err := loadRoleNames(ctx, q)
		if err != nil {
			return fmt.Errorf("load role names: %w", err)
		}
		fields[i].Options = names
	}
	return nil
}
