// Package settlement batches confirmed trades, submits them to the external
// settlement network, and reconciles the network's asynchronous
// confirmation/failure events back into ledger and position state.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora-exchange/velora/pkg/metrics"
	"github.com/velora-exchange/velora/pkg/models"
)

// Event types emitted by the settlement network.
const (
	EventConfirmed = "CONFIRMED"
	EventFailed    = "FAILED"
)

// Event is one confirmation or failure emitted by the settlement network.
// Delivery is at-least-once and may be out of order.
type Event struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	TradeID   uuid.UUID `json:"trade_id"`
	MarketID  string    `json:"market_id"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Client is the narrow interface to the external settlement network: an
// unreliable, append-only, eventually consistent ledger.
type Client interface {
	// SubmitBatch submits a batch of trades for settlement. The batch is
	// all-or-nothing: an error means nothing in it was applied.
	SubmitBatch(ctx context.Context, trades []*models.Trade) error
	// EventsSince returns settlement events after the given cursor, along
	// with the new cursor position.
	EventsSince(ctx context.Context, cursor uint64) ([]Event, uint64, error)
}

// Store persists trade status transitions and reconciliation checkpoints.
type Store interface {
	SaveTrade(t *models.Trade) error
	TradeByID(id uuid.UUID) (*models.Trade, error)
	MarkEventProcessed(id string) error
	EventProcessed(id string) (bool, error)
	SaveSettlementCursor(cursor uint64) error
	LoadSettlementCursor() (uint64, error)
}

// Config tunes batching and the bounded retry policy.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int // submission attempts per batch before it is parked
	BaseDelay    time.Duration
}

// Batch is a group of trades submitted to the network together.
type Batch struct {
	ID       uuid.UUID
	Trades   []*models.Trade
	Attempts int
	FailedAt time.Time
}

// Result summarises one processing pass.
type Result struct {
	Submitted int
	Failed    int
}

// Queue batches pending trades and drives their submission.
type Queue struct {
	logger *zap.Logger
	client Client
	store  Store
	cfg    Config

	mu      sync.Mutex
	pending []*models.Trade
	failed  []*Batch

	notify chan struct{}
}

// NewQueue creates a settlement queue.
func NewQueue(logger *zap.Logger, client Client, store Store, cfg Config) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	return &Queue{
		logger: logger,
		client: client,
		store:  store,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue adds a trade awaiting settlement. The trade's funds are already
// locked by the matching engine.
func (q *Queue) Enqueue(t *models.Trade) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PendingTrades returns a copy of the trades not yet submitted.
func (q *Queue) PendingTrades() []*models.Trade {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Trade, len(q.pending))
	copy(out, q.pending)
	return out
}

// FailedBatches returns batches that exhausted their retries and await
// operator intervention. Their funds remain locked.
func (q *Queue) FailedBatches() []*Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Batch, len(q.failed))
	copy(out, q.failed)
	return out
}

// RequeueFailed puts a parked batch's trades back on the pending queue
// (operator action after resolving the underlying problem).
func (q *Queue) RequeueFailed(batchID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, b := range q.failed {
		if b.ID == batchID {
			for _, t := range b.Trades {
				t.SettlementStatus = models.SettlementPending
			}
			q.pending = append(q.pending, b.Trades...)
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			return true
		}
	}
	return false
}

// take removes up to n trades from the head of the pending queue.
func (q *Queue) take(n int) []*models.Trade {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	if n > len(q.pending) {
		n = len(q.pending)
	}
	batch := q.pending[:n]
	q.pending = q.pending[n:]
	return batch
}

func (q *Queue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ProcessPending drains and submits pending trades in batches. Each batch
// is retried with exponential backoff up to MaxRetries attempts; a batch
// that exhausts its attempts is marked FAILED as a whole and parked, with
// its collateral still locked.
func (q *Queue) ProcessPending(ctx context.Context) Result {
	var res Result
	for {
		trades := q.take(q.cfg.BatchSize)
		if len(trades) == 0 {
			return res
		}
		batch := &Batch{ID: uuid.New(), Trades: trades}
		if err := q.submit(ctx, batch); err != nil {
			q.park(batch)
			res.Failed += len(trades)
			continue
		}
		for _, t := range trades {
			t.SettlementStatus = models.SettlementSubmitted
			q.persist(t)
		}
		metrics.SettlementBatches.WithLabelValues("submitted").Inc()
		res.Submitted += len(trades)
	}
}

// submit attempts the batch up to MaxRetries times with exponential backoff.
func (q *Queue) submit(ctx context.Context, batch *Batch) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.BaseDelay
	bo.MaxElapsedTime = 0

	var err error
	for batch.Attempts < q.cfg.MaxRetries {
		batch.Attempts++
		if err = q.client.SubmitBatch(ctx, batch.Trades); err == nil {
			return nil
		}
		q.logger.Warn("settlement batch submission failed",
			zap.String("batch", batch.ID.String()),
			zap.Int("attempt", batch.Attempts),
			zap.Error(err))
		if batch.Attempts >= q.cfg.MaxRetries {
			break
		}
		metrics.SettlementRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return err
}

// park records a batch as FAILED for manual intervention. Funds stay
// locked: not lost, not released, until an operator resolves the batch.
func (q *Queue) park(batch *Batch) {
	batch.FailedAt = time.Now()
	for _, t := range batch.Trades {
		t.SettlementStatus = models.SettlementFailed
		q.persist(t)
	}
	q.mu.Lock()
	q.failed = append(q.failed, batch)
	q.mu.Unlock()
	metrics.SettlementBatches.WithLabelValues("failed").Inc()
	q.logger.Error("settlement batch exhausted retries",
		zap.String("batch", batch.ID.String()),
		zap.Int("trades", len(batch.Trades)),
		zap.Int("attempts", batch.Attempts))
}

func (q *Queue) persist(t *models.Trade) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveTrade(t); err != nil {
		q.logger.Error("trade persist failed", zap.String("trade", t.ID.String()), zap.Error(err))
	}
}

// Run drives batching: a batch is submitted when it reaches BatchSize or
// when BatchTimeout elapses after the first pending trade, whichever comes
// first.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}

		timer := time.NewTimer(q.cfg.BatchTimeout)
	window:
		for q.pendingCount() < q.cfg.BatchSize {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.notify:
			case <-timer.C:
				break window
			}
		}
		timer.Stop()
		q.ProcessPending(ctx)
	}
}
