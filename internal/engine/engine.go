// Package engine hosts the matching engine service: one serialized
// submission loop per market, collateral checks against the ledger before
// any order reaches a book, and trade handoff to the settlement queue.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	commonerrors "github.com/velora-exchange/velora/common/errors"
	"github.com/velora-exchange/velora/internal/ledger"
	"github.com/velora-exchange/velora/internal/orderbook"
	"github.com/velora-exchange/velora/pkg/metrics"
	"github.com/velora-exchange/velora/pkg/models"
)

// Store is the slice of the repository the engine needs.
type Store interface {
	SaveOrder(o *models.Order) error
	OrderHistory(user uuid.UUID, limit, offset int) ([]models.Order, error)
	LoadOpenOrders() ([]*models.Order, error)
	SaveTrade(t *models.Trade) error
	TradesBySettlementStatus(statuses ...string) ([]*models.Trade, error)
	LoadBalances() (map[uuid.UUID]map[string]models.Balance, error)
}

// Settler accepts matched trades for batched submission.
type Settler interface {
	Enqueue(t *models.Trade)
}

// Broadcaster pushes events to subscribed clients. The engine publishes
// order acks on the owner's private topic and trades plus book deltas on
// the market topic.
type Broadcaster interface {
	Publish(topic string, v interface{})
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(string, interface{}) {}

// Config tunes the per-market loops.
type Config struct {
	QueueDepth     int
	ExpiryInterval time.Duration
}

type request struct {
	order    *models.Order // submit when non-nil
	cancelID uuid.UUID
	userID   uuid.UUID
	expire   bool
	resp     chan response
}

type response struct {
	ack *models.OrderAck
	err error
}

// TradeEvent is the market-topic payload for an executed trade.
type TradeEvent struct {
	TradeID   uuid.UUID       `json:"trade_id"`
	MarketID  string          `json:"market_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	TakerSide string          `json:"taker_side"`
	MatchedAt time.Time       `json:"matched_at"`
}

// Service routes order flow to per-market books.
type Service struct {
	logger  *zap.Logger
	repo    Store
	ledger  *ledger.Ledger
	settler Settler
	hub     Broadcaster
	cfg     Config

	books map[string]*orderbook.Book
	loops map[string]chan request

	idxMu       sync.RWMutex
	orderMarket map[uuid.UUID]string

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
	startedAt time.Time
}

// MarketStats is one market's live matching state.
type MarketStats struct {
	MarketID      string          `json:"market_id"`
	RestingOrders int             `json:"resting_orders"`
	BestBid       decimal.Decimal `json:"best_bid"`
	BestAsk       decimal.Decimal `json:"best_ask"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
}

// Stats is the performance snapshot served to operators.
type Stats struct {
	UptimeSeconds float64       `json:"uptime_seconds"`
	Markets       []MarketStats `json:"markets"`
}

// NewService builds the engine for a fixed set of markets. hub may be nil.
func NewService(logger *zap.Logger, repo Store, l *ledger.Ledger, settler Settler,
	hub Broadcaster, markets []models.Market, cfg Config) *Service {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = time.Second
	}
	if hub == nil {
		hub = nopBroadcaster{}
	}
	s := &Service{
		logger:      logger,
		repo:        repo,
		ledger:      l,
		settler:     settler,
		hub:         hub,
		cfg:         cfg,
		books:       make(map[string]*orderbook.Book),
		loops:       make(map[string]chan request),
		orderMarket: make(map[uuid.UUID]string),
		stop:        make(chan struct{}),
	}
	for _, m := range markets {
		s.books[m.ID] = orderbook.NewBook(m, logger.With(zap.String("market", m.ID)))
		s.loops[m.ID] = make(chan request, cfg.QueueDepth)
	}
	return s
}

// Start launches one loop goroutine per market plus the expiry ticker.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.startedAt = time.Now()
		for marketID, ch := range s.loops {
			s.wg.Add(1)
			go s.runMarket(marketID, ch)
		}
		s.wg.Add(1)
		go s.runExpiry()
		s.logger.Info("matching engine started", zap.Int("markets", len(s.books)))
	})
}

// Stop drains the loops and blocks until they exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.logger.Info("matching engine stopped")
	})
}

func (s *Service) runMarket(marketID string, ch chan request) {
	defer s.wg.Done()
	book := s.books[marketID]
	for {
		select {
		case <-s.stop:
			return
		case req := <-ch:
			switch {
			case req.order != nil:
				ack, err := s.handleSubmit(book, req.order)
				req.resp <- response{ack: ack, err: err}
			case req.expire:
				s.handleExpiry(book)
			default:
				ack, err := s.handleCancel(book, req.userID, req.cancelID)
				req.resp <- response{ack: ack, err: err}
			}
		}
	}
}

func (s *Service) runExpiry() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, ch := range s.loops {
				select {
				case ch <- request{expire: true}:
				default:
				}
			}
		}
	}
}

// SubmitOrder validates, reserves collateral, persists and matches an
// order. The ack is returned after the order's fate is durably recorded.
func (s *Service) SubmitOrder(ctx context.Context, o *models.Order) (*models.OrderAck, error) {
	ch, ok := s.loops[o.MarketID]
	if !ok {
		return nil, commonerrors.New(commonerrors.CodeMarketNotFound, "unknown market %s", o.MarketID)
	}
	req := request{order: o, resp: make(chan response, 1)}
	select {
	case ch <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.ack, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelOrder cancels the unfilled remainder of a resting order owned by
// userID. Fills that already happened stand.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.OrderAck, error) {
	s.idxMu.RLock()
	marketID, ok := s.orderMarket[orderID]
	s.idxMu.RUnlock()
	if !ok {
		return nil, commonerrors.New(commonerrors.CodeOrderNotFound, "order %s not open", orderID)
	}
	req := request{cancelID: orderID, userID: userID, resp: make(chan response, 1)}
	select {
	case s.loops[marketID] <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.ack, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) handleSubmit(book *orderbook.Book, o *models.Order) (*models.OrderAck, error) {
	start := time.Now()
	market := book.Market()

	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.Status = models.OrderStatusPending
	o.CreatedAt = start
	o.UpdatedAt = start

	if err := book.Validate(o); err != nil {
		metrics.OrdersProcessed.WithLabelValues(o.Side, "rejected").Inc()
		return nil, err
	}

	asset, amount := collateralFor(o, market)
	if err := s.ledger.Allocate(o.UserID, asset, amount); err != nil {
		metrics.OrdersProcessed.WithLabelValues(o.Side, "rejected").Inc()
		return nil, err
	}

	// write-before-ack: the order is durable before matching
	if err := s.repo.SaveOrder(o); err != nil {
		s.releaseCollateral(o.UserID, asset, amount)
		return nil, commonerrors.Wrap(commonerrors.CodeInternal, err)
	}

	res, err := book.Submit(o)
	if err != nil {
		s.releaseCollateral(o.UserID, asset, amount)
		o.TransitionTo(models.OrderStatusRejected)
		if saveErr := s.repo.SaveOrder(o); saveErr != nil {
			s.logger.Error("rejected order persist failed",
				zap.String("order", o.ID.String()), zap.Error(saveErr))
		}
		metrics.OrdersProcessed.WithLabelValues(o.Side, "rejected").Inc()
		return nil, err
	}

	for _, fill := range res.Fills {
		s.settleFill(book, market, o, fill)
	}

	// IOC and market remainders are cancelled by the book; release the
	// collateral that never matched
	if o.Status == models.OrderStatusCancelled && o.Remaining().IsPositive() {
		s.releaseRemainder(o, market)
	}
	if res.Rested {
		s.idxMu.Lock()
		s.orderMarket[o.ID] = market.ID
		s.idxMu.Unlock()
	}

	if err := s.repo.SaveOrder(o); err != nil {
		s.logger.Error("order persist failed", zap.String("order", o.ID.String()), zap.Error(err))
	}

	s.publishDeltas(market.ID, res.Deltas)
	ack := &models.OrderAck{OrderID: o.ID, Status: o.Status, FilledQuantity: o.FilledQuantity}
	s.hub.Publish("user."+o.UserID.String(), ack)

	metrics.OrdersProcessed.WithLabelValues(o.Side, "accepted").Inc()
	metrics.OrderLatency.Observe(time.Since(start).Seconds())
	return ack, nil
}

// settleFill moves both parties' allocations into the locked bucket, mints
// the trade and hands it to the settlement queue.
func (s *Service) settleFill(book *orderbook.Book, market models.Market, taker *models.Order, fill orderbook.Fill) {
	maker := fill.MakerOrder
	buyOrder, sellOrder := taker, maker
	if !taker.IsBuy() {
		buyOrder, sellOrder = maker, taker
	}

	quoteAmount := fill.Price.Mul(fill.Quantity)
	if err := s.ledger.Lock(buyOrder.UserID, market.QuoteAsset, quoteAmount); err != nil {
		s.logger.Error("buyer collateral lock failed",
			zap.String("order", buyOrder.ID.String()), zap.Error(err))
	}
	// trades execute at the maker price; a buyer bounded above it gets the
	// difference back
	improvement := buyOrder.LimitPrice().Sub(fill.Price).Mul(fill.Quantity)
	if improvement.IsPositive() {
		s.releaseCollateral(buyOrder.UserID, market.QuoteAsset, improvement)
	}
	if err := s.ledger.Lock(sellOrder.UserID, market.BaseAsset, fill.Quantity); err != nil {
		s.logger.Error("seller collateral lock failed",
			zap.String("order", sellOrder.ID.String()), zap.Error(err))
	}

	trade := &models.Trade{
		ID:               uuid.New(),
		MarketID:         market.ID,
		BuyOrderID:       buyOrder.ID,
		SellOrderID:      sellOrder.ID,
		Buyer:            buyOrder.UserID,
		Seller:           sellOrder.UserID,
		BaseAsset:        market.BaseAsset,
		QuoteAsset:       market.QuoteAsset,
		Price:            fill.Price,
		Quantity:         fill.Quantity,
		TakerSide:        taker.Side,
		MatchedAt:        time.Now(),
		SettlementStatus: models.SettlementPending,
	}
	if err := s.repo.SaveTrade(trade); err != nil {
		s.logger.Error("trade persist failed", zap.String("trade", trade.ID.String()), zap.Error(err))
	}
	if err := s.repo.SaveOrder(maker); err != nil {
		s.logger.Error("maker order persist failed", zap.String("order", maker.ID.String()), zap.Error(err))
	}
	if maker.Terminal() {
		s.idxMu.Lock()
		delete(s.orderMarket, maker.ID)
		s.idxMu.Unlock()
	}

	s.settler.Enqueue(trade)
	metrics.TradesMatched.WithLabelValues(market.ID).Inc()

	s.hub.Publish("market."+market.ID, TradeEvent{
		TradeID:   trade.ID,
		MarketID:  market.ID,
		Price:     trade.Price,
		Quantity:  trade.Quantity,
		TakerSide: trade.TakerSide,
		MatchedAt: trade.MatchedAt,
	})
	s.hub.Publish("user."+maker.UserID.String(), &models.OrderAck{
		OrderID:        maker.ID,
		Status:         maker.Status,
		FilledQuantity: maker.FilledQuantity,
	})
}

func (s *Service) handleCancel(book *orderbook.Book, userID, orderID uuid.UUID) (*models.OrderAck, error) {
	market := book.Market()
	if owner, ok := book.Owner(orderID); !ok || owner != userID {
		return nil, commonerrors.New(commonerrors.CodeOrderNotFound, "order %s not open", orderID)
	}
	o, _, delta, err := book.Cancel(orderID)
	if err != nil {
		return nil, err
	}

	s.releaseRemainder(o, market)
	s.publishDeltas(market.ID, []models.BookDelta{delta})
	s.idxMu.Lock()
	delete(s.orderMarket, orderID)
	s.idxMu.Unlock()

	if err := s.repo.SaveOrder(o); err != nil {
		s.logger.Error("cancelled order persist failed", zap.String("order", o.ID.String()), zap.Error(err))
	}

	ack := &models.OrderAck{OrderID: o.ID, Status: o.Status, FilledQuantity: o.FilledQuantity}
	s.hub.Publish("user."+o.UserID.String(), ack)
	return ack, nil
}

func (s *Service) handleExpiry(book *orderbook.Book) {
	market := book.Market()
	due, deltas := book.ExpireDue(time.Now())
	for _, o := range due {
		s.releaseRemainder(o, market)
		s.idxMu.Lock()
		delete(s.orderMarket, o.ID)
		s.idxMu.Unlock()
		if err := s.repo.SaveOrder(o); err != nil {
			s.logger.Error("expired order persist failed", zap.String("order", o.ID.String()), zap.Error(err))
		}
		s.hub.Publish("user."+o.UserID.String(), &models.OrderAck{
			OrderID:        o.ID,
			Status:         o.Status,
			FilledQuantity: o.FilledQuantity,
		})
	}
	s.publishDeltas(market.ID, deltas)
}

// collateralFor sizes the reservation an order needs up front. Buys reserve
// quote at the order's price bound, sells reserve the base quantity.
func collateralFor(o *models.Order, market models.Market) (string, decimal.Decimal) {
	if o.IsBuy() {
		return market.QuoteAsset, o.Quantity.Mul(o.LimitPrice())
	}
	return market.BaseAsset, o.Quantity
}

// releaseRemainder returns the unmatched slice of an order's reservation.
func (s *Service) releaseRemainder(o *models.Order, market models.Market) {
	rem := o.Remaining()
	if !rem.IsPositive() {
		return
	}
	if o.IsBuy() {
		s.releaseCollateral(o.UserID, market.QuoteAsset, rem.Mul(o.LimitPrice()))
		return
	}
	s.releaseCollateral(o.UserID, market.BaseAsset, rem)
}

func (s *Service) releaseCollateral(userID uuid.UUID, asset string, amount decimal.Decimal) {
	if err := s.ledger.Release(userID, asset, amount); err != nil {
		s.logger.Error("collateral release failed",
			zap.String("user", userID.String()),
			zap.String("asset", asset),
			zap.Error(err))
	}
}

func (s *Service) publishDeltas(marketID string, deltas []models.BookDelta) {
	for _, d := range deltas {
		s.hub.Publish("market."+marketID, d)
	}
}

// BookState snapshots a market's book to the requested depth.
func (s *Service) BookState(marketID string, depth int) (models.BookSnapshot, error) {
	book, ok := s.books[marketID]
	if !ok {
		return models.BookSnapshot{}, commonerrors.New(commonerrors.CodeMarketNotFound, "unknown market %s", marketID)
	}
	return book.Snapshot(depth), nil
}

// MarkPrice reports a market's mark: last trade, falling back to the
// bid/ask midpoint. Implements positions.MarkPriceSource.
func (s *Service) MarkPrice(marketID string) (decimal.Decimal, bool) {
	book, ok := s.books[marketID]
	if !ok {
		return decimal.Zero, false
	}
	return book.MarkPrice()
}

// OrderHistory lists a user's orders, newest first.
func (s *Service) OrderHistory(userID uuid.UUID, limit, offset int) ([]models.Order, error) {
	return s.repo.OrderHistory(userID, limit, offset)
}

// Performance reports uptime and per-market matching state.
func (s *Service) Performance() Stats {
	stats := Stats{Markets: make([]MarketStats, 0, len(s.books))}
	if !s.startedAt.IsZero() {
		stats.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	for id, book := range s.books {
		ms := MarketStats{MarketID: id, RestingOrders: book.OrdersCount()}
		if bid, ok := book.BestBid(); ok {
			ms.BestBid = bid
		}
		if ask, ok := book.BestAsk(); ok {
			ms.BestAsk = ask
		}
		if mark, ok := book.MarkPrice(); ok {
			ms.MarkPrice = mark
		}
		stats.Markets = append(stats.Markets, ms)
	}
	return stats
}

// Markets lists the markets this engine serves.
func (s *Service) Markets() []models.Market {
	out := make([]models.Market, 0, len(s.books))
	for _, b := range s.books {
		out = append(out, b.Market())
	}
	return out
}

// Recover rebuilds in-memory state from the repository log. Call before
// Start so no new flow interleaves with the replay.
func (s *Service) Recover(ctx context.Context) error {
	balances, err := s.repo.LoadBalances()
	if err != nil {
		return err
	}
	for userID, assets := range balances {
		for asset, bal := range assets {
			s.ledger.Restore(userID, asset, bal)
		}
	}

	open, err := s.repo.LoadOpenOrders()
	if err != nil {
		return err
	}
	restored := 0
	for _, o := range open {
		book, ok := s.books[o.MarketID]
		if !ok {
			s.logger.Warn("open order for unknown market dropped",
				zap.String("order", o.ID.String()), zap.String("market", o.MarketID))
			continue
		}
		book.Restore(o)
		s.idxMu.Lock()
		s.orderMarket[o.ID] = o.MarketID
		s.idxMu.Unlock()
		restored++
	}

	pending, err := s.repo.TradesBySettlementStatus(models.SettlementPending)
	if err != nil {
		return err
	}
	for _, t := range pending {
		s.settler.Enqueue(t)
	}

	s.logger.Info("engine state recovered",
		zap.Int("open_orders", restored),
		zap.Int("pending_trades", len(pending)))
	return nil
}
