package repository

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velora-exchange/velora/pkg/models"
)

// Memory is an in-memory store implementing the same surface as Repository.
// Used in tests and as a fallback when no database is configured.
type Memory struct {
	mu        sync.RWMutex
	orders    map[uuid.UUID]models.Order
	trades    map[uuid.UUID]models.Trade
	balances  map[string]models.Balance // user/asset
	positions map[string]models.Position
	events    map[string]time.Time
	cursor    uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:    make(map[uuid.UUID]models.Order),
		trades:    make(map[uuid.UUID]models.Trade),
		balances:  make(map[string]models.Balance),
		positions: make(map[string]models.Position),
		events:    make(map[string]time.Time),
	}
}

func (m *Memory) SaveOrder(o *models.Order) error {
	m.mu.Lock()
	m.orders[o.ID] = *o
	m.mu.Unlock()
	return nil
}

func (m *Memory) OrderHistory(user uuid.UUID, limit, offset int) ([]models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	m.mu.RLock()
	var all []models.Order
	for _, o := range m.orders {
		if o.UserID == user {
			all = append(all, o)
		}
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) LoadOpenOrders() ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderStatusPending || o.Status == models.OrderStatusPartiallyFilled {
			cp := o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveTrade(t *models.Trade) error {
	m.mu.Lock()
	m.trades[t.ID] = *t
	m.mu.Unlock()
	return nil
}

func (m *Memory) TradeByID(id uuid.UUID) (*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) TradesBySettlementStatus(statuses ...string) ([]*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trade
	for _, t := range m.trades {
		for _, s := range statuses {
			if t.SettlementStatus == s {
				cp := t
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.Before(out[j].MatchedAt) })
	return out, nil
}

func (m *Memory) RecordBalance(userID uuid.UUID, asset string, b models.Balance) error {
	m.mu.Lock()
	m.balances[userID.String()+"/"+asset] = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadBalances() (map[uuid.UUID]map[string]models.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]map[string]models.Balance)
	for k, b := range m.balances {
		user, err := uuid.Parse(k[:36])
		if err != nil {
			continue
		}
		asset := k[37:]
		if out[user] == nil {
			out[user] = make(map[string]models.Balance)
		}
		out[user][asset] = b
	}
	return out, nil
}

func (m *Memory) SavePosition(p *models.Position) error {
	m.mu.Lock()
	m.positions[p.Trader.String()+"/"+p.MarketID] = *p
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadPositions() ([]*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Position
	for _, p := range m.positions {
		cp := p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) MarkEventProcessed(id string) error {
	m.mu.Lock()
	m.events[id] = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Memory) EventProcessed(id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.events[id]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) SaveSettlementCursor(cursor uint64) error {
	m.mu.Lock()
	m.cursor = cursor
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadSettlementCursor() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor, nil
}
