package settlement

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	commonerrors "github.com/velora-exchange/velora/common/errors"
	"github.com/velora-exchange/velora/internal/ledger"
	"github.com/velora-exchange/velora/internal/positions"
	"github.com/velora-exchange/velora/pkg/metrics"
	"github.com/velora-exchange/velora/pkg/models"
)

const recentEventsPerMarket = 128

// Reconciler consumes confirmation/failure events from the settlement
// network and aligns ledger, trade and position state with them. It is
// idempotent under at-least-once delivery (dedupe by event id) and
// tolerates out-of-order delivery by checkpointing per event.
type Reconciler struct {
	logger  *zap.Logger
	client  Client
	store   Store
	ledger  *ledger.Ledger
	tracker *positions.Tracker
	queue   *Queue

	maxResubmissions int

	mu     sync.Mutex
	cursor uint64
	seen   map[string]struct{} // recent event ids, backed by the store
	recent map[string][]Event  // per-market ring of recent events
}

// NewReconciler creates a reconciler. maxResubmissions bounds how many
// times a trade failed by the network is requeued before its collateral is
// released for good.
func NewReconciler(logger *zap.Logger, client Client, store Store, l *ledger.Ledger,
	tracker *positions.Tracker, queue *Queue, maxResubmissions int) (*Reconciler, error) {
	cursor, err := store.LoadSettlementCursor()
	if err != nil {
		return nil, err
	}
	if maxResubmissions <= 0 {
		maxResubmissions = 3
	}
	return &Reconciler{
		logger:           logger,
		client:           client,
		store:            store,
		ledger:           l,
		tracker:          tracker,
		queue:            queue,
		maxResubmissions: maxResubmissions,
		cursor:           cursor,
		seen:             make(map[string]struct{}),
		recent:           make(map[string][]Event),
	}, nil
}

// Sync pulls events since the last checkpoint and applies them.
func (r *Reconciler) Sync(ctx context.Context) error {
	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()

	events, next, err := r.client.EventsSince(ctx, cursor)
	if err != nil {
		return commonerrors.Wrap(commonerrors.CodeSettlementFailed, err)
	}
	for i := range events {
		r.apply(&events[i])
	}

	r.mu.Lock()
	if next > r.cursor {
		r.cursor = next
	}
	cursor = r.cursor
	r.mu.Unlock()
	if err := r.store.SaveSettlementCursor(cursor); err != nil {
		r.logger.Error("settlement cursor persist failed", zap.Error(err))
	}
	return nil
}

// apply processes one event. Duplicates and events for unknown trades are
// reconciliation conflicts: logged and counted, never raised.
func (r *Reconciler) apply(ev *Event) {
	if r.isDuplicate(ev.ID) {
		metrics.ReconcilerEvents.WithLabelValues("duplicate").Inc()
		r.logger.Warn("duplicate settlement event",
			zap.String("code", commonerrors.CodeReconciliationConflict),
			zap.String("event", ev.ID),
			zap.String("trade", ev.TradeID.String()))
		return
	}

	trade, err := r.store.TradeByID(ev.TradeID)
	if err != nil || trade == nil {
		metrics.ReconcilerEvents.WithLabelValues("unknown_trade").Inc()
		r.logger.Warn("settlement event for unknown trade",
			zap.String("code", commonerrors.CodeReconciliationConflict),
			zap.String("event", ev.ID),
			zap.String("trade", ev.TradeID.String()))
		return
	}

	var applyErr error
	switch ev.Type {
	case EventConfirmed:
		applyErr = r.confirm(trade)
	case EventFailed:
		applyErr = r.fail(trade, ev.Reason)
	default:
		metrics.ReconcilerEvents.WithLabelValues("unknown_type").Inc()
		r.logger.Warn("settlement event with unknown type",
			zap.String("event", ev.ID), zap.String("type", ev.Type))
		return
	}
	if applyErr != nil {
		// leave the event unmarked so the network's at-least-once
		// redelivery retries it; marking it now would strand the
		// trade's locked collateral forever
		metrics.ReconcilerEvents.WithLabelValues("error").Inc()
		r.logger.Error("settlement event application failed, awaiting redelivery",
			zap.String("event", ev.ID),
			zap.String("trade", ev.TradeID.String()),
			zap.Error(applyErr))
		return
	}

	r.markProcessed(ev)
}

// confirm finalizes a trade: locked funds move to the counterparty and the
// position tracker is updated. Both legs apply atomically, so a failure
// leaves the ledger untouched and the caller retries on redelivery.
func (r *Reconciler) confirm(trade *models.Trade) error {
	if trade.SettlementStatus == models.SettlementConfirmed {
		metrics.ReconcilerEvents.WithLabelValues("duplicate").Inc()
		return nil
	}
	if err := r.ledger.SettleTrade(trade.Buyer, trade.Seller,
		trade.QuoteAsset, trade.QuoteAmount(),
		trade.BaseAsset, trade.Quantity); err != nil {
		return err
	}
	trade.SettlementStatus = models.SettlementConfirmed
	if err := r.store.SaveTrade(trade); err != nil {
		// funds already moved; reverting is impossible and retrying the
		// transfer would double-settle, so surface the persist failure
		// without failing the event
		r.logger.Error("confirmed trade persist failed", zap.String("trade", trade.ID.String()), zap.Error(err))
	}
	r.tracker.ApplyTrade(trade)
	metrics.ReconcilerEvents.WithLabelValues("confirmed").Inc()
	return nil
}

// fail handles a network-side failure: the trade is requeued for
// resubmission while its budget lasts, funds staying locked. Once the
// budget is exhausted the locked collateral is released back to both
// parties and the trade is terminal FAILED.
func (r *Reconciler) fail(trade *models.Trade, reason string) error {
	if trade.SettlementStatus == models.SettlementConfirmed {
		metrics.ReconcilerEvents.WithLabelValues("conflict").Inc()
		r.logger.Warn("failure event for confirmed trade",
			zap.String("code", commonerrors.CodeReconciliationConflict),
			zap.String("trade", trade.ID.String()))
		return nil
	}

	if trade.Resubmissions < r.maxResubmissions {
		trade.Resubmissions++
		trade.SettlementStatus = models.SettlementPending
		if err := r.store.SaveTrade(trade); err != nil {
			return err
		}
		r.queue.Enqueue(trade)
		metrics.ReconcilerEvents.WithLabelValues("requeued").Inc()
		r.logger.Warn("settlement failed, trade requeued",
			zap.String("trade", trade.ID.String()),
			zap.Int("resubmission", trade.Resubmissions),
			zap.String("reason", reason))
		return nil
	}

	if err := r.ledger.ReleaseTrade(trade.Buyer, trade.Seller,
		trade.QuoteAsset, trade.QuoteAmount(),
		trade.BaseAsset, trade.Quantity); err != nil {
		return err
	}
	trade.SettlementStatus = models.SettlementFailed
	if err := r.store.SaveTrade(trade); err != nil {
		r.logger.Error("failed trade persist failed", zap.String("trade", trade.ID.String()), zap.Error(err))
	}
	metrics.ReconcilerEvents.WithLabelValues("failed").Inc()
	r.logger.Error("settlement failed permanently, collateral released",
		zap.String("trade", trade.ID.String()),
		zap.String("reason", reason))
	return nil
}

func (r *Reconciler) isDuplicate(eventID string) bool {
	r.mu.Lock()
	_, ok := r.seen[eventID]
	r.mu.Unlock()
	if ok {
		return true
	}
	done, err := r.store.EventProcessed(eventID)
	if err != nil {
		r.logger.Error("event dedupe lookup failed", zap.String("event", eventID), zap.Error(err))
		return false
	}
	return done
}

func (r *Reconciler) markProcessed(ev *Event) {
	r.mu.Lock()
	r.seen[ev.ID] = struct{}{}
	ring := append(r.recent[ev.MarketID], *ev)
	if len(ring) > recentEventsPerMarket {
		ring = ring[len(ring)-recentEventsPerMarket:]
	}
	r.recent[ev.MarketID] = ring
	r.mu.Unlock()
	if err := r.store.MarkEventProcessed(ev.ID); err != nil {
		r.logger.Error("event checkpoint persist failed", zap.String("event", ev.ID), zap.Error(err))
	}
}

// RecentEvents returns recently reconciled events for a market, newest last.
func (r *Reconciler) RecentEvents(marketID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.recent[marketID]
	out := make([]Event, len(ring))
	copy(out, ring)
	return out
}

// Run polls the settlement network on the given interval.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil {
				r.logger.Error("reconciler sync failed", zap.Error(err))
			}
		}
	}
}
