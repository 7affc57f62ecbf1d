// Package positions derives open positions and mark-to-market PnL from
// confirmed trade fills. It never originates prices: mark prices come from
// an external source.
package positions

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velora-exchange/velora/pkg/models"
)

// MarkPriceSource supplies the mark price for a market (last trade price or
// a bid/ask midpoint fallback).
type MarkPriceSource interface {
	MarkPrice(marketID string) (decimal.Decimal, bool)
}

// Store persists position changes. May be nil-free: the tracker always has
// a store, the in-memory one in tests.
type Store interface {
	SavePosition(p *models.Position) error
}

// Tracker maintains per-(trader, market) positions.
type Tracker struct {
	logger *zap.Logger
	marks  MarkPriceSource
	store  Store

	mu        sync.RWMutex
	positions map[string]*models.Position
}

// NewTracker creates a tracker backed by the given mark price source.
func NewTracker(logger *zap.Logger, marks MarkPriceSource, store Store) *Tracker {
	return &Tracker{
		logger:    logger,
		marks:     marks,
		store:     store,
		positions: make(map[string]*models.Position),
	}
}

func posKey(trader uuid.UUID, marketID string) string {
	return trader.String() + "/" + marketID
}

// ApplyTrade updates both counterparties' positions for a confirmed trade.
// Must only be called for trades whose settlement has been confirmed.
func (t *Tracker) ApplyTrade(trade *models.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyFill(trade.Buyer, trade.MarketID, trade.Quantity, trade.Price, true)
	t.applyFill(trade.Seller, trade.MarketID, trade.Quantity, trade.Price, false)
}

// applyFill applies one side of a fill. Same-direction fills grow the
// position at a size-weighted average entry price; opposite-direction fills
// realize PnL against the entry price and flip the position on excess.
func (t *Tracker) applyFill(trader uuid.UUID, marketID string, qty, price decimal.Decimal, long bool) {
	k := posKey(trader, marketID)
	p, ok := t.positions[k]
	if !ok {
		p = &models.Position{Trader: trader, MarketID: marketID, Long: long}
		t.positions[k] = p
	}

	switch {
	case p.Quantity.IsZero():
		p.Long = long
		p.Quantity = qty
		p.EntryPrice = price
	case p.Long == long:
		// size-weighted average entry
		notional := p.EntryPrice.Mul(p.Quantity).Add(price.Mul(qty))
		p.Quantity = p.Quantity.Add(qty)
		p.EntryPrice = notional.Div(p.Quantity)
	default:
		closed := decimal.Min(p.Quantity, qty)
		pnl := closed.Mul(price.Sub(p.EntryPrice))
		if !p.Long {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Quantity = p.Quantity.Sub(closed)
		if excess := qty.Sub(closed); excess.IsPositive() {
			// flip into the new direction
			p.Long = long
			p.Quantity = excess
			p.EntryPrice = price
		} else if p.Quantity.IsZero() {
			p.EntryPrice = decimal.Zero
		}
	}
	p.Collateral = p.EntryPrice.Mul(p.Quantity)
	p.UpdatedAt = time.Now()

	if t.store != nil {
		if err := t.store.SavePosition(p); err != nil {
			t.logger.Error("position persist failed",
				zap.String("trader", trader.String()),
				zap.String("market", marketID),
				zap.Error(err))
		}
	}
}

// Restore installs a position directly during crash recovery.
func (t *Tracker) Restore(p *models.Position) {
	t.mu.Lock()
	t.positions[posKey(p.Trader, p.MarketID)] = p
	t.mu.Unlock()
}

// Position returns a copy of the trader's position in a market.
func (t *Tracker) Position(trader uuid.UUID, marketID string) (models.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[posKey(trader, marketID)]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// PnL summarises a trader's realized and unrealized PnL in one market.
type PnL struct {
	Trader        uuid.UUID       `json:"trader"`
	MarketID      string          `json:"market_id"`
	Position      decimal.Decimal `json:"position"` // signed, negative = short
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// UserPnL computes the trader's PnL in a market against the current mark
// price. With no mark available, unrealized PnL is reported as zero.
func (t *Tracker) UserPnL(trader uuid.UUID, marketID string) PnL {
	t.mu.RLock()
	var p models.Position
	stored, ok := t.positions[posKey(trader, marketID)]
	if ok {
		p = *stored
	}
	t.mu.RUnlock()

	out := PnL{Trader: trader, MarketID: marketID}
	if !ok {
		return out
	}
	out.EntryPrice = p.EntryPrice
	out.RealizedPnL = p.RealizedPnL
	out.Position = p.Quantity
	if !p.Long {
		out.Position = p.Quantity.Neg()
	}

	mark, hasMark := t.marks.MarkPrice(marketID)
	if hasMark && p.Quantity.IsPositive() {
		out.MarkPrice = mark
		diff := mark.Sub(p.EntryPrice)
		if !p.Long {
			diff = diff.Neg()
		}
		out.UnrealizedPnL = p.Quantity.Mul(diff)
	}
	return out
}
