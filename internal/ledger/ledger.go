// Package ledger implements the collateral ledger: per-user, per-asset
// balances split into available, allocated and locked buckets. Every
// operation is atomic with respect to concurrent calls for the same
// (user, asset) key; different keys never contend.
package ledger

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	commonerrors "github.com/velora-exchange/velora/common/errors"
	"github.com/velora-exchange/velora/pkg/models"
)

// Journal receives every balance mutation for durable recording. Called
// while the key lock is held, so implementations must not call back into
// the ledger.
type Journal interface {
	RecordBalance(userID uuid.UUID, asset string, balance models.Balance) error
}

type entry struct {
	mu  sync.Mutex
	bal models.Balance
}

// Ledger tracks collateral for all users and assets.
type Ledger struct {
	logger  *zap.Logger
	journal Journal

	mu   sync.RWMutex
	keys map[string]*entry
}

// New creates a ledger. journal may be nil, in which case mutations are
// not persisted (tests, dry runs).
func New(logger *zap.Logger, journal Journal) *Ledger {
	return &Ledger{
		logger:  logger,
		journal: journal,
		keys:    make(map[string]*entry),
	}
}

func key(userID uuid.UUID, asset string) string {
	return userID.String() + "/" + asset
}

func (l *Ledger) get(userID uuid.UUID, asset string) *entry {
	k := key(userID, asset)
	l.mu.RLock()
	e, ok := l.keys[k]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.keys[k]; ok {
		return e
	}
	e = &entry{}
	l.keys[k] = e
	return e
}

// record journals the entry's balance. Must be called with e.mu held.
func (l *Ledger) record(userID uuid.UUID, asset string, e *entry) {
	if l.journal == nil {
		return
	}
	if err := l.journal.RecordBalance(userID, asset, e.bal); err != nil {
		l.logger.Error("balance journal write failed",
			zap.String("user", userID.String()),
			zap.String("asset", asset),
			zap.Error(err))
	}
}

// Deposit credits the available bucket.
func (l *Ledger) Deposit(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return commonerrors.New(commonerrors.CodeInvalidOrder, "deposit amount must be positive")
	}
	e := l.get(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bal.Available = e.bal.Available.Add(amount)
	l.record(userID, asset, e)
	return nil
}

// Withdraw debits the available bucket.
func (l *Ledger) Withdraw(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	e := l.get(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bal.Available.LessThan(amount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"withdraw %s %s: available %s", amount, asset, e.bal.Available)
	}
	e.bal.Available = e.bal.Available.Sub(amount)
	l.record(userID, asset, e)
	return nil
}

// Allocate reserves available funds against an open order
// (available -> allocated).
func (l *Ledger) Allocate(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return commonerrors.New(commonerrors.CodeInvalidOrder, "allocation amount must be positive")
	}
	e := l.get(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bal.Available.LessThan(amount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"allocate %s %s: available %s", amount, asset, e.bal.Available)
	}
	e.bal.Available = e.bal.Available.Sub(amount)
	e.bal.Allocated = e.bal.Allocated.Add(amount)
	l.record(userID, asset, e)
	return nil
}

// Release returns allocated funds to available, on cancel/expire/reject or
// price improvement at match time.
func (l *Ledger) Release(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	e := l.get(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bal.Allocated.LessThan(amount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"release %s %s: allocated %s", amount, asset, e.bal.Allocated)
	}
	e.bal.Allocated = e.bal.Allocated.Sub(amount)
	e.bal.Available = e.bal.Available.Add(amount)
	l.record(userID, asset, e)
	return nil
}

// Lock moves allocated funds to the locked bucket when a match is pending
// settlement confirmation.
func (l *Ledger) Lock(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	e := l.get(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bal.Allocated.LessThan(amount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"lock %s %s: allocated %s", amount, asset, e.bal.Allocated)
	}
	e.bal.Allocated = e.bal.Allocated.Sub(amount)
	e.bal.Locked = e.bal.Locked.Add(amount)
	l.record(userID, asset, e)
	return nil
}

// UnlockToAvailable returns locked funds to available after a failed
// settlement that will not be retried.
func (l *Ledger) UnlockToAvailable(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	e := l.get(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bal.Locked.LessThan(amount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"unlock %s %s: locked %s", amount, asset, e.bal.Locked)
	}
	e.bal.Locked = e.bal.Locked.Sub(amount)
	e.bal.Available = e.bal.Available.Add(amount)
	l.record(userID, asset, e)
	return nil
}

// SettleTransfer settles one leg of a confirmed trade: the payer's locked
// funds become the payee's available funds. Both keys are locked in
// deterministic order so concurrent transfers cannot deadlock.
func (l *Ledger) SettleTransfer(from, to uuid.UUID, asset string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	src := l.get(from, asset)
	dst := l.get(to, asset)
	if src == dst {
		// self-trade leg: locked funds return to the same user
		src.mu.Lock()
		defer src.mu.Unlock()
		if src.bal.Locked.LessThan(amount) {
			return commonerrors.New(commonerrors.CodeInsufficientBalance,
				"settle %s %s: locked %s", amount, asset, src.bal.Locked)
		}
		src.bal.Locked = src.bal.Locked.Sub(amount)
		src.bal.Available = src.bal.Available.Add(amount)
		l.record(from, asset, src)
		return nil
	}
	first, second := src, dst
	if key(from, asset) > key(to, asset) {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	if src.bal.Locked.LessThan(amount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"settle %s %s: locked %s", amount, asset, src.bal.Locked)
	}
	src.bal.Locked = src.bal.Locked.Sub(amount)
	dst.bal.Available = dst.bal.Available.Add(amount)
	l.record(from, asset, src)
	l.record(to, asset, dst)
	return nil
}

// lockKeys locks the distinct entries for the given keys in sorted order
// and returns the unlock function. Sorting keeps lock acquisition
// deadlock-free against every other multi-key operation.
func (l *Ledger) lockKeys(keys map[string]*entry) func() {
	order := make([]string, 0, len(keys))
	for k := range keys {
		order = append(order, k)
	}
	sort.Strings(order)
	for _, k := range order {
		keys[k].mu.Lock()
	}
	return func() {
		for _, k := range order {
			keys[k].mu.Unlock()
		}
	}
}

// tradeEntries collects the four (user, asset) entries a trade touches,
// deduplicated for self-trades and shared assets.
func (l *Ledger) tradeEntries(buyer, seller uuid.UUID, quoteAsset, baseAsset string) map[string]*entry {
	keys := make(map[string]*entry, 4)
	for _, p := range []struct {
		user  uuid.UUID
		asset string
	}{
		{buyer, quoteAsset}, {seller, quoteAsset},
		{seller, baseAsset}, {buyer, baseAsset},
	} {
		k := key(p.user, p.asset)
		if _, ok := keys[k]; !ok {
			keys[k] = l.get(p.user, p.asset)
		}
	}
	return keys
}

/// SettleTrade settles both legs of a confirmed trade in one atomic step:
// the buyer's locked quote funds become the seller's available funds and
// the seller's locked base funds become the buyer's available funds.
// Either both legs apply or neither does.
func (l *Ledger) SettleTrade(buyer, seller uuid.UUID,
	quoteAsset string, quoteAmount decimal.Decimal,
	baseAsset string, baseAmount decimal.Decimal) error {
	keys := l.tradeEntries(buyer, seller, quoteAsset, baseAsset)
	unlock := l.lockKeys(keys)
	defer unlock()

	buyerQuote := keys[key(buyer, quoteAsset)]
	sellerQuote := keys[key(seller, quoteAsset)]
	sellerBase := keys[key(seller, baseAsset)]
	buyerBase := keys[key(buyer, baseAsset)]

	if buyerQuote.bal.Locked.LessThan(quoteAmount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"settle %s %s: locked %s", quoteAmount, quoteAsset, buyerQuote.bal.Locked)
	}
	if sellerBase.bal.Locked.LessThan(baseAmount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"settle %s %s: locked %s", baseAmount, baseAsset, sellerBase.bal.Locked)
	}

	buyerQuote.bal.Locked = buyerQuote.bal.Locked.Sub(quoteAmount)
	sellerQuote.bal.Available = sellerQuote.bal.Available.Add(quoteAmount)
	sellerBase.bal.Locked = sellerBase.bal.Locked.Sub(baseAmount)
	buyerBase.bal.Available = buyerBase.bal.Available.Add(baseAmount)

	l.record(buyer, quoteAsset, buyerQuote)
	l.record(seller, quoteAsset, sellerQuote)
	l.record(seller, baseAsset, sellerBase)
	l.record(buyer, baseAsset, buyerBase)
	return nil
}

// ReleaseTrade returns both parties' locked trade collateral to their own
// available balances in one atomic step, for trades that will never
// settle. Either both legs apply or neither does.
func (l *Ledger) ReleaseTrade(buyer, seller uuid.UUID,
	quoteAsset string, quoteAmount decimal.Decimal,
	baseAsset string, baseAmount decimal.Decimal) error {
	keys := l.tradeEntries(buyer, seller, quoteAsset, baseAsset)
	unlock := l.lockKeys(keys)
	defer unlock()

	buyerQuote := keys[key(buyer, quoteAsset)]
	sellerBase := keys[key(seller, baseAsset)]

	if buyerQuote.bal.Locked.LessThan(quoteAmount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"release %s %s: locked %s", quoteAmount, quoteAsset, buyerQuote.bal.Locked)
	}
	if sellerBase.bal.Locked.LessThan(baseAmount) {
		return commonerrors.New(commonerrors.CodeInsufficientBalance,
			"release %s %s: locked %s", baseAmount, baseAsset, sellerBase.bal.Locked)
	}

	buyerQuote.bal.Locked = buyerQuote.bal.Locked.Sub(quoteAmount)
	buyerQuote.bal.Available = buyerQuote.bal.Available.Add(quoteAmount)
	sellerBase.bal.Locked = sellerBase.bal.Locked.Sub(baseAmount)
	sellerBase.bal.Available = sellerBase.bal.Available.Add(baseAmount)

	l.record(buyer, quoteAsset, buyerQuote)
	l.record(seller, baseAsset, sellerBase)
	return nil
}

// Balance returns the current balance for a (user, asset) key.
func (l *Ledger) Balance(userID uuid.UUID, asset string) models.Balance {
	e := l.get(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bal
}

// Restore installs a balance directly, used only during crash recovery
// before the ledger is serving traffic.
func (l *Ledger) Restore(userID uuid.UUID, asset string, bal models.Balance) {
	e := l.get(userID, asset)
	e.mu.Lock()
	e.bal = bal
	e.mu.Unlock()
}
