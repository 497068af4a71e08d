package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository keeps orders in process memory. One mutex serializes
// every conditional update.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*domain.Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*domain.Order)}
}

func (m *MemoryRepository) Create(ctx context.Context, o *domain.Order) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if err := validateNew(o); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := o.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if _, ok := m.byID[id]; ok {
		return fmt.Errorf("%w: order %s", domain.ErrDuplicateKey, id)
	}
	stored := o.Clone()
	stored.ID = id
	m.byID[id] = stored
	o.ID = id
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryRepository) ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, mut Mutation) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !pred(cur.Clone()) {
		return cur.Clone(), ErrPredicateFailed
	}
	next, err := applyMutation(cur, mut)
	if err != nil {
		return nil, err
	}
	m.byID[id] = next
	return next.Clone(), nil
}

func (m *MemoryRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Order, error) {
	return m.list(ctx, limit, func(o *domain.Order) bool { return o.OwnerID == ownerID })
}

func (m *MemoryRepository) List(ctx context.Context, limit int) ([]*domain.Order, error) {
	return m.list(ctx, limit, func(*domain.Order) bool { return true })
}

func (m *MemoryRepository) list(ctx context.Context, limit int, keep func(*domain.Order) bool) ([]*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	m.mu.Lock()
	out := make([]*domain.Order, 0, len(m.byID))
	for _, o := range m.byID {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }
