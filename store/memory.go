package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/pkg/uuidx"
)

// MemoryStore keeps spells and requests in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	spells   map[string]grimoire.Spell
	requests []Request
	closed   bool
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ RequestLog = (*MemoryStore)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{spells: make(map[string]grimoire.Spell)}
}

func key(projectID, name string) string {
	return projectID + "/" + name
}

func (m *MemoryStore) Create(_ context.Context, spell grimoire.Spell) (grimoire.Spell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return grimoire.Spell{}, ErrClosed
	}

	k := key(spell.ProjectID, spell.Name)
	if _, ok := m.spells[k]; ok {
		return grimoire.Spell{}, fmt.Errorf("%w: %s", ErrExists, spell.Name)
	}
	if spell.ID == "" {
		spell.ID = uuidx.NewString()
	}
	ts := now()
	if isZero(spell.CreatedAt) {
		spell.CreatedAt = ts
	}
	spell.UpdatedAt = ts
	return m.put(k, spell)
}

func (m *MemoryStore) put(k string, spell grimoire.Spell) (grimoire.Spell, error) {
	stored, err := spell.Clone()
	if err != nil {
		return grimoire.Spell{}, err
	}
	m.spells[k] = stored
	return spell, nil
}

func (m *MemoryStore) Get(_ context.Context, projectID, name string) (grimoire.Spell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return grimoire.Spell{}, ErrClosed
	}

	spell, ok := m.spells[key(projectID, name)]
	if !ok {
		return grimoire.Spell{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return spell.Clone()
}

func (m *MemoryStore) Find(_ context.Context, q Query) ([]grimoire.Spell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var result []grimoire.Spell
	for _, spell := range m.spells {
		if q.ProjectID != "" && spell.ProjectID != q.ProjectID {
			continue
		}
		if q.Name != "" && spell.Name != q.Name {
			continue
		}
		c, err := spell.Clone()
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b grimoire.Spell) int {
		return cmp.Or(cmp.Compare(a.ProjectID, b.ProjectID), cmp.Compare(a.Name, b.Name))
	})
	return page(result, q.Limit, q.Offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *MemoryStore) Update(_ context.Context, spell grimoire.Spell) (grimoire.Spell, error) {
	return m.update(spell, nil)
}

func (m *MemoryStore) UpdateIfHash(_ context.Context, spell grimoire.Spell, prevHash string) (grimoire.Spell, error) {
	return m.update(spell, &prevHash)
}

func (m *MemoryStore) update(spell grimoire.Spell, prevHash *string) (grimoire.Spell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return grimoire.Spell{}, ErrClosed
	}

	k := key(spell.ProjectID, spell.Name)
	existing, ok := m.spells[k]
	if !ok {
		return grimoire.Spell{}, fmt.Errorf("%w: %s", ErrNotFound, spell.Name)
	}
	if prevHash != nil && existing.Hash != *prevHash {
		return grimoire.Spell{}, fmt.Errorf("%w: %s", ErrConflict, spell.Name)
	}
	spell.ID = existing.ID
	spell.CreatedAt = existing.CreatedAt
	spell.UpdatedAt = now()
	return m.put(k, spell)
}

func (m *MemoryStore) Delete(_ context.Context, projectID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	k := key(projectID, name)
	if _, ok := m.spells[k]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(m.spells, k)
	return nil
}

func (m *MemoryStore) SaveRequest(_ context.Context, req Request) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Request{}, ErrClosed
	}

	if req.ID == "" {
		req.ID = uuidx.NewString()
	}
	if isZero(req.CreatedAt) {
		req.CreatedAt = now()
	}
	m.requests = append(m.requests, req)
	return req, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, projectID string) ([]Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var result []Request
	for _, r := range m.requests {
		if projectID == "" || r.ProjectID == projectID {
			result = append(result, r)
		}
	}
	return result, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
