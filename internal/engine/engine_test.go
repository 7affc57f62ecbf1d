package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	commonerrors "github.com/velora-exchange/velora/common/errors"
	"github.com/velora-exchange/velora/internal/ledger"
	"github.com/velora-exchange/velora/internal/repository"
	"github.com/velora-exchange/velora/pkg/models"
)

var testMarket = models.Market{
	ID:           "ELECTION-YES",
	BaseAsset:    "YES",
	QuoteAsset:   "USDC",
	TickSize:     decimal.RequireFromString("0.01"),
	LotSize:      decimal.RequireFromString("0.1"),
	MinOrderSize: decimal.RequireFromString("0.1"),
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type captureSettler struct {
	mu     sync.Mutex
	trades []*models.Trade
}

func (c *captureSettler) Enqueue(t *models.Trade) {
	c.mu.Lock()
	c.trades = append(c.trades, t)
	c.mu.Unlock()
}

func (c *captureSettler) all() []*models.Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Trade, len(c.trades))
	copy(out, c.trades)
	return out
}

type fixture struct {
	svc     *Service
	ledger  *ledger.Ledger
	store   *repository.Memory
	settler *captureSettler
	buyer   uuid.UUID
	seller  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemory()
	l := ledger.New(zap.NewNop(), store)
	settler := &captureSettler{}
	svc := NewService(zap.NewNop(), store, l, settler, nil,
		[]models.Market{testMarket}, Config{ExpiryInterval: 10 * time.Millisecond})
	svc.Start()
	t.Cleanup(svc.Stop)

	f := &fixture{svc: svc, ledger: l, store: store, settler: settler,
		buyer: uuid.New(), seller: uuid.New()}
	require.NoError(t, l.Deposit(f.buyer, "USDC", dec("10")))
	require.NoError(t, l.Deposit(f.seller, "YES", dec("10")))
	return f
}

func limitOrder(user uuid.UUID, side, price, qty string) *models.Order {
	return &models.Order{
		UserID:      user,
		MarketID:    testMarket.ID,
		Side:        side,
		Type:        models.OrderTypeLimit,
		Price:       dec(price),
		Quantity:    dec(qty),
		TimeInForce: models.TimeInForceGTC,
	}
}

func TestMatchLocksCollateralAndMintsTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sell := limitOrder(f.seller, models.SideSell, "0.60", "5")
	ack, err := f.svc.SubmitOrder(ctx, sell)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, ack.Status)

	buy := limitOrder(f.buyer, models.SideBuy, "0.65", "2")
	ack, err = f.svc.SubmitOrder(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, ack.Status)
	assert.True(t, ack.FilledQuantity.Equal(dec("2")))

	trades := f.settler.all()
	require.Len(t, trades, 1)
	// maker price, not the taker's bound
	assert.True(t, trades[0].Price.Equal(dec("0.60")))
	assert.True(t, trades[0].Quantity.Equal(dec("2")))
	assert.Equal(t, models.SettlementPending, trades[0].SettlementStatus)
	assert.Equal(t, f.buyer, trades[0].Buyer)
	assert.Equal(t, f.seller, trades[0].Seller)

	// buyer reserved 2x0.65, paid 2x0.60, got the improvement back
	b := f.ledger.Balance(f.buyer, "USDC")
	assert.True(t, b.Locked.Equal(dec("1.20")), "locked %s", b.Locked)
	assert.True(t, b.Allocated.IsZero())
	assert.True(t, b.Available.Equal(dec("8.80")), "available %s", b.Available)

	// seller's filled base is locked, the resting remainder stays allocated
	sb := f.ledger.Balance(f.seller, "YES")
	assert.True(t, sb.Locked.Equal(dec("2")))
	assert.True(t, sb.Allocated.Equal(dec("3")))
}

func TestMarketOrderInsufficientCollateralLeavesBookUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitOrder(ctx, limitOrder(f.seller, models.SideSell, "0.60", "5"))
	require.NoError(t, err)

	// worst-case cost 1x100 = 100 USDC against a 10 USDC balance
	mkt := &models.Order{
		UserID:      f.buyer,
		MarketID:    testMarket.ID,
		Side:        models.SideBuy,
		Type:        models.OrderTypeMarket,
		WorstPrice:  dec("100"),
		Quantity:    dec("1"),
		TimeInForce: models.TimeInForceIOC,
	}
	_, err = f.svc.SubmitOrder(ctx, mkt)
	require.Error(t, err)
	assert.Equal(t, commonerrors.CodeInsufficientBalance, commonerrors.Code(err))

	assert.Empty(t, f.settler.all())
	snap, err := f.svc.BookState(testMarket.ID, 10)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Asks[0].Quantity.Equal(dec("5")))
	assert.True(t, f.ledger.Balance(f.buyer, "USDC").Available.Equal(dec("10")))
}

func TestRejectedOrderReleasesAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitOrder(ctx, limitOrder(f.seller, models.SideSell, "0.60", "5"))
	require.NoError(t, err)

	po := limitOrder(f.buyer, models.SideBuy, "0.60", "1")
	po.PostOnly = true
	_, err = f.svc.SubmitOrder(ctx, po)
	require.Error(t, err)
	assert.Equal(t, commonerrors.CodeWouldMatch, commonerrors.Code(err))

	b := f.ledger.Balance(f.buyer, "USDC")
	assert.True(t, b.Available.Equal(dec("10")))
	assert.True(t, b.Allocated.IsZero())
}

func TestCancelAfterPartialFillReleasesRemainderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buy := limitOrder(f.buyer, models.SideBuy, "0.50", "4")
	ack, err := f.svc.SubmitOrder(ctx, buy)
	require.NoError(t, err)

	sell := limitOrder(f.seller, models.SideSell, "0.50", "1")
	sell.TimeInForce = models.TimeInForceIOC
	_, err = f.svc.SubmitOrder(ctx, sell)
	require.NoError(t, err)

	cancelAck, err := f.svc.CancelOrder(ctx, f.buyer, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelAck.Status)
	assert.True(t, cancelAck.FilledQuantity.Equal(dec("1")))

	b := f.ledger.Balance(f.buyer, "USDC")
	assert.True(t, b.Locked.Equal(dec("0.50")), "filled slice stays locked")
	assert.True(t, b.Allocated.IsZero())
	assert.True(t, b.Available.Equal(dec("9.50")))

	// cancelled twice is not found
	_, err = f.svc.CancelOrder(ctx, f.buyer, ack.OrderID)
	assert.Equal(t, commonerrors.CodeOrderNotFound, commonerrors.Code(err))
}

func TestCancelRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ack, err := f.svc.SubmitOrder(ctx, limitOrder(f.buyer, models.SideBuy, "0.50", "1"))
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, f.seller, ack.OrderID)
	assert.Equal(t, commonerrors.CodeOrderNotFound, commonerrors.Code(err))

	snap, _ := f.svc.BookState(testMarket.ID, 1)
	require.Len(t, snap.Bids, 1)
}

func TestExpirySweepReleasesCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiry := time.Now().Add(20 * time.Millisecond)
	o := limitOrder(f.buyer, models.SideBuy, "0.50", "2")
	o.TimeInForce = models.TimeInForceGTD
	o.ExpireAt = &expiry
	ack, err := f.svc.SubmitOrder(ctx, o)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.ledger.Balance(f.buyer, "USDC").Allocated.IsZero()
	}, time.Second, 10*time.Millisecond)

	_, err = f.svc.CancelOrder(ctx, f.buyer, ack.OrderID)
	assert.Equal(t, commonerrors.CodeOrderNotFound, commonerrors.Code(err))
	assert.True(t, f.ledger.Balance(f.buyer, "USDC").Available.Equal(dec("10")))
}

func TestUnknownMarketRejected(t *testing.T) {
	f := newFixture(t)
	o := limitOrder(f.buyer, models.SideBuy, "0.50", "1")
	o.MarketID = "NO-SUCH-MARKET"
	_, err := f.svc.SubmitOrder(context.Background(), o)
	assert.Equal(t, commonerrors.CodeMarketNotFound, commonerrors.Code(err))
}

func TestRecoverRebuildsBooksAndRequeuesPendingTrades(t *testing.T) {
	store := repository.NewMemory()
	buyer, seller := uuid.New(), uuid.New()

	require.NoError(t, store.RecordBalance(buyer, "USDC", models.Balance{
		Available: dec("8"), Allocated: dec("2"),
	}))
	open := limitOrder(buyer, models.SideBuy, "0.50", "4")
	open.ID = uuid.New()
	open.Status = models.OrderStatusPending
	open.CreatedAt = time.Now()
	require.NoError(t, store.SaveOrder(open))

	pending := &models.Trade{
		ID:               uuid.New(),
		MarketID:         testMarket.ID,
		Buyer:            buyer,
		Seller:           seller,
		BaseAsset:        "YES",
		QuoteAsset:       "USDC",
		Price:            dec("0.50"),
		Quantity:         dec("1"),
		SettlementStatus: models.SettlementPending,
		MatchedAt:        time.Now(),
	}
	require.NoError(t, store.SaveTrade(pending))

	l := ledger.New(zap.NewNop(), store)
	settler := &captureSettler{}
	svc := NewService(zap.NewNop(), store, l, settler, nil,
		[]models.Market{testMarket}, Config{})
	require.NoError(t, svc.Recover(context.Background()))
	svc.Start()
	t.Cleanup(svc.Stop)

	b := l.Balance(buyer, "USDC")
	assert.True(t, b.Available.Equal(dec("8")))
	assert.True(t, b.Allocated.Equal(dec("2")))

	snap, err := svc.BookState(testMarket.ID, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Quantity.Equal(dec("4")))

	require.Len(t, settler.all(), 1)
	assert.Equal(t, pending.ID, settler.all()[0].ID)

	// the restored order is cancellable
	_, err = svc.CancelOrder(context.Background(), buyer, open.ID)
	require.NoError(t, err)
}

type captureHub struct {
	mu     sync.Mutex
	topics []string
	values []interface{}
}

func (c *captureHub) Publish(topic string, v interface{}) {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.values = append(c.values, v)
	c.mu.Unlock()
}

func (c *captureHub) marketDeltas(marketID string) []models.BookDelta {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.BookDelta
	for i, v := range c.values {
		if d, ok := v.(models.BookDelta); ok && c.topics[i] == "market."+marketID {
			out = append(out, d)
		}
	}
	return out
}

// Cancelling or expiring a resting order changes a price level, so the
// market topic has to see the level's new quantity just like it does for
// fills and rests.
func TestCancelAndExpiryBroadcastLevelChanges(t *testing.T) {
	store := repository.NewMemory()
	l := ledger.New(zap.NewNop(), store)
	hub := &captureHub{}
	svc := NewService(zap.NewNop(), store, l, &captureSettler{}, hub,
		[]models.Market{testMarket}, Config{ExpiryInterval: 10 * time.Millisecond})
	svc.Start()
	t.Cleanup(svc.Stop)

	seller := uuid.New()
	require.NoError(t, l.Deposit(seller, "YES", dec("10")))
	ctx := context.Background()

	sell := limitOrder(seller, models.SideSell, "0.60", "2")
	ack, err := svc.SubmitOrder(ctx, sell)
	require.NoError(t, err)

	_, err = svc.CancelOrder(ctx, seller, ack.OrderID)
	require.NoError(t, err)

	deltas := hub.marketDeltas(testMarket.ID)
	require.NotEmpty(t, deltas)
	last := deltas[len(deltas)-1]
	assert.Equal(t, models.SideSell, last.Side)
	assert.True(t, last.Price.Equal(dec("0.60")))
	assert.True(t, last.Quantity.IsZero(), "cancelled level must be reported empty")

	// a GTD order past its expiry is swept off the book with a delta too
	expireAt := time.Now().Add(20 * time.Millisecond)
	gtd := limitOrder(seller, models.SideSell, "0.70", "1")
	gtd.TimeInForce = models.TimeInForceGTD
	gtd.ExpireAt = &expireAt
	_, err = svc.SubmitOrder(ctx, gtd)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, d := range hub.marketDeltas(testMarket.ID) {
			if d.Price.Equal(dec("0.70")) && d.Quantity.IsZero() {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "expiry sweep must broadcast the emptied level")
}
