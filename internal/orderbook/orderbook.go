// Package orderbook implements a single market's central limit order book:
// two price-ordered sides holding FIFO queues of resting orders, matched
// with price-time priority. All mutating calls for one book are expected to
// come from a single goroutine (the market's engine loop); the internal
// mutex also makes read-only snapshots safe from other goroutines.
package orderbook

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	commonerrors "github.com/velora-exchange/velora/common/errors"
	"github.com/velora-exchange/velora/pkg/models"
)

// Fill is a single match produced while processing an incoming order.
// Trades always execute at the resting (maker) order's price.
type Fill struct {
	MakerOrder *models.Order
	Price      decimal.Decimal
	Quantity   decimal.Decimal
}

// SubmitResult is the outcome of submitting one order.
type SubmitResult struct {
	Order  *models.Order
	Fills  []Fill
	Rested bool
	Deltas []models.BookDelta
}

// Book is the order book for one market.
type Book struct {
	market models.Market
	logger *zap.Logger

	mu        sync.Mutex
	bids      *btree.BTreeG[*PriceLevel] // Min() = best (highest) bid
	asks      *btree.BTreeG[*PriceLevel] // Min() = best (lowest) ask
	ordersByID map[uuid.UUID]*models.Order
	seq       uint64
	lastTrade decimal.Decimal
	hasTrade  bool
}

// NewBook creates an empty book for the given market.
func NewBook(market models.Market, logger *zap.Logger) *Book {
	return &Book{
		market: market,
		logger: logger,
		bids: btree.NewBTreeG(func(a, b *PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewBTreeG(func(a, b *PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}),
		ordersByID: make(map[uuid.UUID]*models.Order),
	}
}

func (b *Book) Market() models.Market { return b.market }

// Validate checks tick/lot alignment, size limits and order shape without
// touching book state. Called by the engine before any collateral moves.
func (b *Book) Validate(o *models.Order) error {
	if o.Side != models.SideBuy && o.Side != models.SideSell {
		return commonerrors.New(commonerrors.CodeInvalidOrder, "unknown side %q", o.Side)
	}
	if o.Type != models.OrderTypeLimit && o.Type != models.OrderTypeMarket {
		return commonerrors.New(commonerrors.CodeInvalidOrder, "unknown order type %q", o.Type)
	}
	if !o.StopPrice.IsZero() {
		return commonerrors.New(commonerrors.CodeInvalidOrder, "stop orders are not supported")
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return commonerrors.New(commonerrors.CodeInvalidOrder, "quantity must be positive")
	}
	if !o.Quantity.Mod(b.market.LotSize).IsZero() {
		return commonerrors.New(commonerrors.CodeInvalidOrder,
			"quantity %s not a multiple of lot size %s", o.Quantity, b.market.LotSize)
	}
	if o.Quantity.LessThan(b.market.MinOrderSize) {
		return commonerrors.New(commonerrors.CodeInvalidOrder,
			"quantity %s below minimum order size %s", o.Quantity, b.market.MinOrderSize)
	}
	if o.IcebergQuantity.IsNegative() || o.IcebergQuantity.GreaterThan(o.Quantity) {
		return commonerrors.New(commonerrors.CodeInvalidOrder, "invalid iceberg quantity")
	}
	switch o.TimeInForce {
	case models.TimeInForceGTC, models.TimeInForceIOC, models.TimeInForceFOK:
	case models.TimeInForceGTD:
		if o.ExpireAt == nil {
			return commonerrors.New(commonerrors.CodeInvalidOrder, "GTD order requires expiry time")
		}
	default:
		return commonerrors.New(commonerrors.CodeInvalidOrder, "unknown time in force %q", o.TimeInForce)
	}

	switch o.Type {
	case models.OrderTypeMarket:
		// A market order without a worst-acceptable price bound has
		// unbounded notional and must be rejected outright.
		if o.WorstPrice.LessThanOrEqual(decimal.Zero) {
			return commonerrors.New(commonerrors.CodeExcessiveSlippageRisk,
				"market order requires a positive worst-price bound")
		}
		if o.PostOnly {
			return commonerrors.New(commonerrors.CodeInvalidOrder, "market order cannot be post-only")
		}
		if o.IcebergQuantity.IsPositive() {
			return commonerrors.New(commonerrors.CodeInvalidOrder, "market order cannot be iceberg")
		}
	case models.OrderTypeLimit:
		if o.Price.LessThanOrEqual(decimal.Zero) {
			return commonerrors.New(commonerrors.CodeInvalidOrder, "price must be positive")
		}
		if !o.Price.Mod(b.market.TickSize).IsZero() {
			return commonerrors.New(commonerrors.CodeInvalidOrder,
				"price %s not a multiple of tick size %s", o.Price, b.market.TickSize)
		}
	}
	if o.PostOnly && o.TimeInForce != models.TimeInForceGTC && o.TimeInForce != models.TimeInForceGTD {
		return commonerrors.New(commonerrors.CodeInvalidOrder, "post-only order must be GTC or GTD")
	}
	return nil
}

func priceCrosses(isBuy bool, levelPrice, bound decimal.Decimal) bool {
	if isBuy {
		return levelPrice.LessThanOrEqual(bound)
	}
	return levelPrice.GreaterThanOrEqual(bound)
}

// Submit matches the order against the opposite side and rests any
// remainder according to its time-in-force. The order must already have
// passed Validate.
func (b *Book) Submit(o *models.Order) (*SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isBuy := o.IsBuy()
	bound := o.LimitPrice()
	opp := b.asks
	own := b.bids
	if !isBuy {
		opp = b.bids
		own = b.asks
	}

	if o.PostOnly && b.wouldCross(isBuy, bound) {
		return nil, commonerrors.New(commonerrors.CodeWouldMatch,
			"post-only order would cross at %s", bound)
	}
	if o.TimeInForce == models.TimeInForceFOK && !b.canFullyFill(isBuy, bound, o.Remaining()) {
		return nil, commonerrors.New(commonerrors.CodeInvalidOrder,
			"fill-or-kill order cannot be fully filled")
	}
	if b.mayRest(o) && b.market.MaxOrdersPerSide > 0 && b.sideCount(own) >= b.market.MaxOrdersPerSide {
		return nil, commonerrors.New(commonerrors.CodeInvalidOrder,
			"side order limit %d reached", b.market.MaxOrdersPerSide)
	}

	res := &SubmitResult{Order: o}
	touched := make(map[string]*PriceLevel)

	for o.Remaining().IsPositive() {
		best, ok := opp.Min()
		if !ok || !priceCrosses(isBuy, best.Price, bound) {
			break
		}
		touched[best.Price.String()] = best

		for o.Remaining().IsPositive() && best.Len() > 0 {
			maker := best.queue[0]
			qty := decimal.Min(o.Remaining(), maker.visible)

			o.FilledQuantity = o.FilledQuantity.Add(qty)
			maker.order.FilledQuantity = maker.order.FilledQuantity.Add(qty)
			maker.visible = maker.visible.Sub(qty)

			res.Fills = append(res.Fills, Fill{
				MakerOrder: maker.order,
				Price:      best.Price,
				Quantity:   qty,
			})
			b.lastTrade = best.Price
			b.hasTrade = true

			if maker.order.Remaining().IsZero() {
				maker.order.TransitionTo(models.OrderStatusFilled)
				best.popFront()
				delete(b.ordersByID, maker.order.ID)
			} else {
				maker.order.TransitionTo(models.OrderStatusPartiallyFilled)
				if maker.visible.IsZero() {
					// iceberg tranche exhausted: refill and requeue with
					// fresh time priority
					maker.refill()
					best.rotate()
				}
			}
		}
		if best.Len() == 0 {
			opp.Delete(best)
		}
	}

	// remainder handling per time-in-force
	rem := o.Remaining()
	switch {
	case rem.IsZero():
		o.TransitionTo(models.OrderStatusFilled)
	case o.Type == models.OrderTypeMarket || o.TimeInForce == models.TimeInForceIOC:
		if o.FilledQuantity.IsPositive() {
			o.TransitionTo(models.OrderStatusPartiallyFilled)
		}
		o.TransitionTo(models.OrderStatusCancelled)
	default:
		if o.FilledQuantity.IsPositive() {
			o.TransitionTo(models.OrderStatusPartiallyFilled)
		}
		b.rest(own, o)
		res.Rested = true
	}

	b.seq++
	res.Deltas = b.deltasFor(isBuy, touched, res.Rested, o)
	return res, nil
}

func (b *Book) mayRest(o *models.Order) bool {
	if o.Type == models.OrderTypeMarket {
		return false
	}
	return o.TimeInForce == models.TimeInForceGTC || o.TimeInForce == models.TimeInForceGTD
}

func (b *Book) rest(side *btree.BTreeG[*PriceLevel], o *models.Order) {
	level, ok := side.Get(&PriceLevel{Price: o.Price})
	if !ok {
		level = &PriceLevel{Price: o.Price}
		side.Set(level)
	}
	level.push(newResting(o))
	b.ordersByID[o.ID] = o
}

func (b *Book) sideCount(side *btree.BTreeG[*PriceLevel]) int {
	n := 0
	side.Scan(func(pl *PriceLevel) bool {
		n += pl.Len()
		return true
	})
	return n
}

// wouldCross reports whether any opposite liquidity exists within the bound.
func (b *Book) wouldCross(isBuy bool, bound decimal.Decimal) bool {
	opp := b.asks
	if !isBuy {
		opp = b.bids
	}
	best, ok := opp.Min()
	return ok && priceCrosses(isBuy, best.Price, bound)
}

// canFullyFill is the FOK dry run: walks opposite liquidity within the
// price bound without committing anything.
func (b *Book) canFullyFill(isBuy bool, bound, qty decimal.Decimal) bool {
	opp := b.asks
	if !isBuy {
		opp = b.bids
	}
	need := qty
	opp.Scan(func(pl *PriceLevel) bool {
		if !priceCrosses(isBuy, pl.Price, bound) {
			return false
		}
		// icebergs refill while matching, so hidden quantity counts
		for _, r := range pl.queue {
			need = need.Sub(r.order.Remaining())
		}
		return need.IsPositive()
	})
	return !need.IsPositive()
}

// Owner reports who a resting order belongs to.
func (b *Book) Owner(orderID uuid.UUID) (uuid.UUID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.ordersByID[orderID]
	if !ok {
		return uuid.Nil, false
	}
	return o.UserID, true
}

// Cancel removes the unfilled remainder of a resting order. Returns the
// cancelled quantity and the book delta for the affected level; an order
// that already matched fully is a no-op reported as ORDER_NOT_FOUND to the
// caller.
func (b *Book) Cancel(orderID uuid.UUID) (*models.Order, decimal.Decimal, models.BookDelta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.ordersByID[orderID]
	if !ok {
		return nil, decimal.Zero, models.BookDelta{}, commonerrors.New(commonerrors.CodeOrderNotFound,
			"order %s not resting", orderID)
	}
	b.unlink(o)
	rem := o.Remaining()
	o.TransitionTo(models.OrderStatusCancelled)
	b.seq++
	return o, rem, b.levelDelta(o), nil
}

// ExpireDue transitions resting GTD orders past their expiry to EXPIRED and
// removes them, returning the expired orders and the book deltas for their
// levels. Runs under the same lock as matching, so an order cannot be
// expired and matched at once. Safe to call repeatedly.
func (b *Book) ExpireDue(now time.Time) ([]*models.Order, []models.BookDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*models.Order
	for _, o := range b.ordersByID {
		if o.TimeInForce == models.TimeInForceGTD && o.ExpireAt != nil && !o.ExpireAt.After(now) {
			due = append(due, o)
		}
	}
	for _, o := range due {
		b.unlink(o)
		o.TransitionTo(models.OrderStatusExpired)
	}
	var deltas []models.BookDelta
	seen := make(map[string]struct{})
	for _, o := range due {
		k := o.Side + "/" + o.Price.String()
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			deltas = append(deltas, b.levelDelta(o))
		}
	}
	if len(due) > 0 {
		b.seq++
	}
	return due, deltas
}

// levelDelta reports the new visible quantity at a removed order's former
// level, zero when the level emptied out. Must be called with b.mu held.
func (b *Book) levelDelta(o *models.Order) models.BookDelta {
	d := models.BookDelta{MarketID: b.market.ID, Side: o.Side, Price: o.Price}
	side := b.bids
	if !o.IsBuy() {
		side = b.asks
	}
	if lv, ok := side.Get(&PriceLevel{Price: o.Price}); ok {
		d.Quantity = lv.visibleQuantity()
	}
	return d
}

// unlink removes a resting order from its side and price level.
func (b *Book) unlink(o *models.Order) {
	side := b.bids
	if !o.IsBuy() {
		side = b.asks
	}
	if level, ok := side.Get(&PriceLevel{Price: o.Price}); ok {
		level.remove(o.ID)
		if level.Len() == 0 {
			side.Delete(level)
		}
	}
	delete(b.ordersByID, o.ID)
}

// Restore re-inserts a previously resting order without matching. Used only
// during crash recovery, before the book serves traffic.
func (b *Book) Restore(o *models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	side := b.bids
	if !o.IsBuy() {
		side = b.asks
	}
	b.rest(side, o)
}

// Snapshot returns the top depth levels of each side.
func (b *Book) Snapshot(depth int) models.BookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := models.BookSnapshot{
		MarketID: b.market.ID,
		Sequence: b.seq,
		TakenAt:  time.Now(),
	}
	collect := func(side *btree.BTreeG[*PriceLevel]) []models.BookLevel {
		var out []models.BookLevel
		side.Scan(func(pl *PriceLevel) bool {
			out = append(out, models.BookLevel{Price: pl.Price, Quantity: pl.visibleQuantity()})
			return depth <= 0 || len(out) < depth
		})
		return out
	}
	snap.Bids = collect(b.bids)
	snap.Asks = collect(b.asks)
	return snap
}

// BestBid returns the highest bid price, if any.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lv, ok := b.bids.Min(); ok {
		return lv.Price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest ask price, if any.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lv, ok := b.asks.Min(); ok {
		return lv.Price, true
	}
	return decimal.Zero, false
}

// MarkPrice returns the last trade price, falling back to the bid/ask
// midpoint when the market has not traded yet.
func (b *Book) MarkPrice() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasTrade {
		return b.lastTrade, true
	}
	bid, okB := b.bids.Min()
	ask, okA := b.asks.Min()
	if okB && okA {
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
	}
	return decimal.Zero, false
}

// OrdersCount returns the number of resting orders.
func (b *Book) OrdersCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ordersByID)
}

// deltasFor builds the book deltas for touched opposite levels and the
// resting side of the incoming order. Must be called with b.mu held.
func (b *Book) deltasFor(isBuy bool, touched map[string]*PriceLevel, rested bool, o *models.Order) []models.BookDelta {
	var deltas []models.BookDelta
	oppSide := models.SideSell
	if !isBuy {
		oppSide = models.SideBuy
	}
	for _, lv := range touched {
		deltas = append(deltas, models.BookDelta{
			MarketID: b.market.ID,
			Side:     oppSide,
			Price:    lv.Price,
			Quantity: lv.visibleQuantity(),
		})
	}
	if rested {
		side := b.bids
		if !isBuy {
			side = b.asks
		}
		if lv, ok := side.Get(&PriceLevel{Price: o.Price}); ok {
			deltas = append(deltas, models.BookDelta{
				MarketID: b.market.ID,
				Side:     o.Side,
				Price:    lv.Price,
				Quantity: lv.visibleQuantity(),
			})
		}
	}
	return deltas
}
