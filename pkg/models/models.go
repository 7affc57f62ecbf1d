package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides, types, statuses and time-in-force options.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	OrderStatusPending         = "PENDING"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusExpired         = "EXPIRED"
	OrderStatusRejected        = "REJECTED"

	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
	TimeInForceGTD = "GTD" // Good Till Date

	SettlementPending   = "PENDING"
	SettlementSubmitted = "SUBMITTED"
	SettlementConfirmed = "CONFIRMED"
	SettlementFailed    = "FAILED"
)

// statusRank orders statuses so that transitions are monotonic. A terminal
// status can never go back to an earlier one.
var statusRank = map[string]int{
	OrderStatusPending:         0,
	OrderStatusPartiallyFilled: 1,
	OrderStatusFilled:          2,
	OrderStatusCancelled:       2,
	OrderStatusExpired:         2,
	OrderStatusRejected:        2,
}

// Order represents a trading order in the system.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	MarketID        string          `json:"market_id"`
	Side            string          `json:"side"`
	Type            string          `json:"type"`
	Price           decimal.Decimal `json:"price"`
	WorstPrice      decimal.Decimal `json:"worst_price,omitempty"` // slippage bound for MARKET orders
	StopPrice       decimal.Decimal `json:"stop_price,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	IcebergQuantity decimal.Decimal `json:"iceberg_quantity,omitempty"` // visible tranche size, zero for plain orders
	TimeInForce     string          `json:"time_in_force"`
	ExpireAt        *time.Time      `json:"expire_at,omitempty"` // for GTD orders
	PostOnly        bool            `json:"post_only,omitempty"`
	Nonce           uint64          `json:"nonce"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o *Order) IsBuy() bool { return o.Side == SideBuy }

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// TransitionTo moves the order to a new status, refusing regressions
// (FILLED can never become PENDING again).
func (o *Order) TransitionTo(status string) bool {
	if o.Terminal() || statusRank[status] < statusRank[o.Status] {
		return false
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return true
}

// LimitPrice returns the effective price bound for collateral and matching:
// the limit price for LIMIT orders, the caller-supplied worst-acceptable
// price for MARKET orders.
func (o *Order) LimitPrice() decimal.Decimal {
	if o.Type == OrderTypeMarket {
		return o.WorstPrice
	}
	return o.Price
}

// Market holds the immutable trading parameters of a single market.
type Market struct {
	ID               string          `json:"id"`
	BaseAsset        string          `json:"base_asset"`
	QuoteAsset       string          `json:"quote_asset"`
	TickSize         decimal.Decimal `json:"tick_size"`
	LotSize          decimal.Decimal `json:"lot_size"`
	MinOrderSize     decimal.Decimal `json:"min_order_size"`
	MaxOrdersPerSide int             `json:"max_orders_per_side"`
}

// Trade represents a single match between two orders. It is immutable except
// for SettlementStatus, which follows PENDING -> SUBMITTED -> CONFIRMED|FAILED.
type Trade struct {
	ID               uuid.UUID       `json:"id"`
	MarketID         string          `json:"market_id"`
	BuyOrderID       uuid.UUID       `json:"buy_order_id"`
	SellOrderID      uuid.UUID       `json:"sell_order_id"`
	Buyer            uuid.UUID       `json:"buyer"`
	Seller           uuid.UUID       `json:"seller"`
	BaseAsset        string          `json:"base_asset"`
	QuoteAsset       string          `json:"quote_asset"`
	Price            decimal.Decimal `json:"price"` // always the resting order's price
	Quantity         decimal.Decimal `json:"quantity"`
	TakerSide        string          `json:"taker_side"`
	MatchedAt        time.Time       `json:"matched_at"`
	SettlementStatus string          `json:"settlement_status"`
	Resubmissions    int             `json:"resubmissions,omitempty"`
}

// QuoteAmount is the quote-asset value of the trade, exact decimal math.
func (t *Trade) QuoteAmount() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Balance tracks a user's funds in one asset. Invariant: all three buckets
// are non-negative and their sum only changes through deposits/withdrawals.
type Balance struct {
	Available decimal.Decimal `json:"available"` // free funds
	Allocated decimal.Decimal `json:"allocated"` // backing resting orders
	Locked    decimal.Decimal `json:"locked"`    // backing trades pending settlement
}

// Total returns available + allocated + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Allocated).Add(b.Locked)
}

// Position is a trader's open position in one market.
type Position struct {
	Trader      uuid.UUID       `json:"trader"`
	MarketID    string          `json:"market_id"`
	Long        bool            `json:"long"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price"` // size-weighted average
	Collateral  decimal.Decimal `json:"collateral"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// BookLevel is one aggregated price level of an order book snapshot.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot is a depth-limited view of one market's book.
type BookSnapshot struct {
	MarketID string      `json:"market_id"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
	Sequence uint64      `json:"sequence"`
	TakenAt  time.Time   `json:"taken_at"`
}

// OrderAck is sent to the submitting client once an order has been durably
// recorded and processed.
type OrderAck struct {
	OrderID        uuid.UUID       `json:"order_id"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Reason         string          `json:"reason,omitempty"`
}

// BookDelta is broadcast to market subscribers after every book mutation.
type BookDelta struct {
	MarketID string          `json:"market_id"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"` // new aggregate at the level, zero when removed
}
