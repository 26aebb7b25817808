package affiliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type tripleKey struct {
	identity      uuid.UUID
	establishment uuid.UUID
	role          Role
}

// MemoryRepo is a Repository held in process memory. Create is atomic under
// its mutex, so it honours the same insert-if-absent contract as the
// PostgreSQL store. It backs tests and local tooling.
type MemoryRepo struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*Affiliation
	byTriple map[tripleKey]uuid.UUID
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:     make(map[uuid.UUID]*Affiliation),
		byTriple: make(map[tripleKey]uuid.UUID),
	}
}

var _ Repository = (*MemoryRepo)(nil)

func keyOf(a *Affiliation) tripleKey {
	return tripleKey{identity: a.IdentityID, establishment: a.EstablishmentID, role: a.Role}
}

func clone(a *Affiliation) *Affiliation {
	c := *a
	c.Permissions = a.Permissions.With(nil)
	return &c
}

func (m *MemoryRepo) Create(_ context.Context, a *Affiliation) (*Affiliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byTriple[keyOf(a)]; ok {
		return clone(m.byID[id]), ErrDuplicateAffiliation
	}
	stored := clone(a)
	m.byID[stored.ID] = stored
	m.byTriple[keyOf(stored)] = stored.ID
	return clone(stored), nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Affiliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *MemoryRepo) ListByIdentity(_ context.Context, identityID uuid.UUID) ([]*Affiliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Affiliation
	for _, a := range m.byID {
		if a.IdentityID == identityID {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := out[i].EstablishmentID.String(), out[j].EstablishmentID.String()
		if ei != ej {
			return ei < ej
		}
		return out[i].Role.String() < out[j].Role.String()
	})
	return out, nil
}

func (m *MemoryRepo) ListByEstablishment(_ context.Context, establishmentID uuid.UUID, f ListFilter, limit, offset int) ([]*Affiliation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*Affiliation
	for _, a := range m.byID {
		if a.EstablishmentID != establishmentID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Role.Valid() && a.Role != f.Role {
			continue
		}
		all = append(all, clone(a))
	}
	sort.Slice(all, func(i, j int) bool {
		ri, rj := all[i].Role.String(), all[j].Role.String()
		if ri != rj {
			return ri < rj
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepo) Update(_ context.Context, id uuid.UUID, p Patch) (*Affiliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(cur)
	if p.Role != nil {
		next.Role = *p.Role
	}
	if p.Department != nil {
		next.Department = *p.Department
	}
	if p.JobPosition != nil {
		next.JobPosition = *p.JobPosition
	}
	if p.IsAdmin != nil {
		next.IsAdmin = *p.IsAdmin
	}
	if p.Permissions != nil {
		next.Permissions = p.Permissions.With(nil)
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Matricule != nil {
		next.Matricule = *p.Matricule
	}

	if keyOf(next) != keyOf(cur) {
		if _, taken := m.byTriple[keyOf(next)]; taken {
			return nil, ErrDuplicateAffiliation
		}
		delete(m.byTriple, keyOf(cur))
		m.byTriple[keyOf(next)] = id
	}
	next.UpdatedAt = time.Now().UTC()
	m.byID[id] = next
	return clone(next), nil
}
