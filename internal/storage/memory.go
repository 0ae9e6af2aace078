package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"negotiation-hive/internal/domain"
)

// Memory is a process-local ItemStore and DealStore used when no database is
// configured. It keeps the same uniqueness and conditional-update rules as Store.
type Memory struct {
	mu    sync.Mutex
	items map[string]domain.Item
	deals map[uuid.UUID]domain.LockedDeal
	memos map[string]uuid.UUID
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]domain.Item),
		deals: make(map[uuid.UUID]domain.LockedDeal),
		memos: make(map[string]uuid.UUID),
	}
}

func (m *Memory) GetItem(ctx context.Context, id string) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.Item{}, ErrNotFound
	}
	return item, nil
}

func (m *Memory) UpsertItem(ctx context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) CreateDeal(ctx context.Context, deal domain.LockedDeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.memos[deal.PaymentMemo]; taken {
		return ErrDuplicateMemo
	}
	deal.Status = domain.DealPending
	m.deals[deal.ID] = deal
	m.memos[deal.PaymentMemo] = deal.ID
	return nil
}

func (m *Memory) GetDeal(ctx context.Context, id uuid.UUID) (domain.LockedDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[id]
	if !ok {
		return domain.LockedDeal{}, ErrNotFound
	}
	return deal, nil
}

func (m *Memory) GetDealByMemo(ctx context.Context, memo string) (domain.LockedDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.memos[memo]
	if !ok {
		return domain.LockedDeal{}, ErrNotFound
	}
	return m.deals[id], nil
}

func (m *Memory) MarkDealPaid(ctx context.Context, id uuid.UUID, proof domain.PaymentProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[id]
	if !ok || deal.Status != domain.DealPending {
		return ErrStatusConflict
	}
	paidAt := proof.ConfirmedAt
	hash, block, from := proof.TransactionHash, proof.BlockNumber, proof.FromAddress
	deal.Status = domain.DealPaid
	deal.PaidAt = &paidAt
	deal.TransactionHash = &hash
	deal.BlockNumber = &block
	deal.FromAddress = &from
	m.deals[id] = deal
	return nil
}

func (m *Memory) MarkDealExpired(ctx context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[id]
	if !ok || deal.Status != domain.DealPending || !now.After(deal.ExpiresAt) {
		return ErrStatusConflict
	}
	deal.Status = domain.DealExpired
	m.deals[id] = deal
	return nil
}

func (m *Memory) ListRecentDeals(ctx context.Context, limit int) ([]domain.LockedDeal, error) {
	deals := m.sorted()
	for i, j := 0, len(deals)-1; i < j; i, j = i+1, j-1 {
		deals[i], deals[j] = deals[j], deals[i]
	}
	if limit > 0 && len(deals) > limit {
		deals = deals[:limit]
	}
	return deals, nil
}

func (m *Memory) ListDealsBetween(ctx context.Context, from, to time.Time) ([]domain.LockedDeal, error) {
	out := make([]domain.LockedDeal, 0)
	for _, deal := range m.sorted() {
		if !deal.CreatedAt.Before(from) && deal.CreatedAt.Before(to) {
			out = append(out, deal)
		}
	}
	return out, nil
}

func (m *Memory) sorted() []domain.LockedDeal {
	m.mu.Lock()
	defer m.mu.Unlock()
	deals := make([]domain.LockedDeal, 0, len(m.deals))
	for _, deal := range m.deals {
		deals = append(deals, deal)
	}
	sort.Slice(deals, func(i, j int) bool { return deals[i].CreatedAt.Before(deals[j].CreatedAt) })
	return deals
}

var (
	_ ItemStore = (*Memory)(nil)
	_ DealStore = (*Memory)(nil)
)
