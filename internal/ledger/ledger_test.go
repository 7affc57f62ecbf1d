package ledger

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	commonerrors "github.com/velora-exchange/velora/common/errors"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAllocateInsufficient(t *testing.T) {
	l := New(zap.NewNop(), nil)
	user := uuid.New()
	require.NoError(t, l.Deposit(user, "USDC", dec("100")))

	err := l.Allocate(user, "USDC", dec("150"))
	assert.ErrorIs(t, err, commonerrors.ErrInsufficientBalance)

	bal := l.Balance(user, "USDC")
	assert.True(t, bal.Available.Equal(dec("100")), "failed allocation must not move funds")
	assert.True(t, bal.Allocated.IsZero())
}

func TestAllocateLockSettleLifecycle(t *testing.T) {
	l := New(zap.NewNop(), nil)
	buyer, seller := uuid.New(), uuid.New()
	require.NoError(t, l.Deposit(buyer, "USDC", dec("1000")))

	require.NoError(t, l.Allocate(buyer, "USDC", dec("200")))
	require.NoError(t, l.Lock(buyer, "USDC", dec("200")))
	require.NoError(t, l.SettleTransfer(buyer, seller, "USDC", dec("200")))

	b := l.Balance(buyer, "USDC")
	assert.True(t, b.Available.Equal(dec("800")))
	assert.True(t, b.Allocated.IsZero())
	assert.True(t, b.Locked.IsZero())

	s := l.Balance(seller, "USDC")
	assert.True(t, s.Available.Equal(dec("200")))
}

func TestReleasePriceImprovement(t *testing.T) {
	l := New(zap.NewNop(), nil)
	user := uuid.New()
	require.NoError(t, l.Deposit(user, "USDC", dec("110")))
	require.NoError(t, l.Allocate(user, "USDC", dec("110")))

	// matched at a better price: lock 90, release the 20 improvement
	require.NoError(t, l.Lock(user, "USDC", dec("90")))
	require.NoError(t, l.Release(user, "USDC", dec("20")))

	b := l.Balance(user, "USDC")
	assert.True(t, b.Available.Equal(dec("20")))
	assert.True(t, b.Allocated.IsZero())
	assert.True(t, b.Locked.Equal(dec("90")))
}

func TestUnlockAfterFailedSettlement(t *testing.T) {
	l := New(zap.NewNop(), nil)
	user := uuid.New()
	require.NoError(t, l.Deposit(user, "USDC", dec("50")))
	require.NoError(t, l.Allocate(user, "USDC", dec("50")))
	require.NoError(t, l.Lock(user, "USDC", dec("50")))

	require.NoError(t, l.UnlockToAvailable(user, "USDC", dec("50")))
	b := l.Balance(user, "USDC")
	assert.True(t, b.Available.Equal(dec("50")))
	assert.True(t, b.Locked.IsZero())
}

// Conservation: available+allocated+locked never changes except via
// deposit/withdraw, under heavy concurrent allocate/release/lock traffic.
func TestConservationUnderConcurrency(t *testing.T) {
	l := New(zap.NewNop(), nil)
	user := uuid.New()
	require.NoError(t, l.Deposit(user, "USDC", dec("10000")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := l.Allocate(user, "USDC", dec("1")); err == nil {
					if err := l.Lock(user, "USDC", dec("1")); err == nil {
						_ = l.UnlockToAvailable(user, "USDC", dec("1"))
					} else {
						_ = l.Release(user, "USDC", dec("1"))
					}
				}
			}
		}()
	}
	wg.Wait()

	b := l.Balance(user, "USDC")
	assert.True(t, b.Total().Equal(dec("10000")), "total drifted: %s", b.Total())
	assert.False(t, b.Available.IsNegative())
	assert.False(t, b.Allocated.IsNegative())
	assert.False(t, b.Locked.IsNegative())
}

func TestSettleTransferDeterministicLockOrder(t *testing.T) {
	l := New(zap.NewNop(), nil)
	a, b := uuid.New(), uuid.New()
	require.NoError(t, l.Deposit(a, "VUSD", dec("500")))
	require.NoError(t, l.Deposit(b, "VUSD", dec("500")))
	for _, u := range []uuid.UUID{a, b} {
		require.NoError(t, l.Allocate(u, "VUSD", dec("500")))
		require.NoError(t, l.Lock(u, "VUSD", dec("500")))
	}

	// opposite-direction transfers in parallel must not deadlock
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.SettleTransfer(a, b, "VUSD", dec("1"))
		}()
		go func() {
			defer wg.Done()
			_ = l.SettleTransfer(b, a, "VUSD", dec("1"))
		}()
	}
	wg.Wait()

	total := l.Balance(a, "VUSD").Total().Add(l.Balance(b, "VUSD").Total())
	assert.True(t, total.Equal(dec("1000")))
}

func TestSelfSettle(t *testing.T) {
	l := New(zap.NewNop(), nil)
	user := uuid.New()
	require.NoError(t, l.Deposit(user, "USDC", dec("10")))
	require.NoError(t, l.Allocate(user, "USDC", dec("10")))
	require.NoError(t, l.Lock(user, "USDC", dec("10")))

	require.NoError(t, l.SettleTransfer(user, user, "USDC", dec("10")))
	b := l.Balance(user, "USDC")
	assert.True(t, b.Available.Equal(dec("10")))
	assert.True(t, b.Locked.IsZero())
}

func TestSettleTradeMovesBothLegs(t *testing.T) {
	l := New(zap.NewNop(), nil)
	buyer, seller := uuid.New(), uuid.New()
	require.NoError(t, l.Deposit(buyer, "USDC", dec("2.00")))
	require.NoError(t, l.Allocate(buyer, "USDC", dec("2.00")))
	require.NoError(t, l.Lock(buyer, "USDC", dec("2.00")))
	require.NoError(t, l.Deposit(seller, "YES", dec("1.0")))
	require.NoError(t, l.Allocate(seller, "YES", dec("1.0")))
	require.NoError(t, l.Lock(seller, "YES", dec("1.0")))

	require.NoError(t, l.SettleTrade(buyer, seller, "USDC", dec("2.00"), "YES", dec("1.0")))

	assert.True(t, l.Balance(buyer, "USDC").Locked.IsZero())
	assert.True(t, l.Balance(buyer, "YES").Available.Equal(dec("1.0")))
	assert.True(t, l.Balance(seller, "YES").Locked.IsZero())
	assert.True(t, l.Balance(seller, "USDC").Available.Equal(dec("2.00")))
}

// One short leg fails the whole settlement and leaves the other leg's
// locked funds untouched.
func TestSettleTradeAtomicWhenOneLegShort(t *testing.T) {
	l := New(zap.NewNop(), nil)
	buyer, seller := uuid.New(), uuid.New()
	require.NoError(t, l.Deposit(buyer, "USDC", dec("2.00")))
	require.NoError(t, l.Allocate(buyer, "USDC", dec("2.00")))
	require.NoError(t, l.Lock(buyer, "USDC", dec("2.00")))
	// seller never locked the base leg

	err := l.SettleTrade(buyer, seller, "USDC", dec("2.00"), "YES", dec("1.0"))
	assert.ErrorIs(t, err, commonerrors.ErrInsufficientBalance)

	b := l.Balance(buyer, "USDC")
	assert.True(t, b.Locked.Equal(dec("2.00")), "quote leg must not move on a failed settlement")
	assert.True(t, l.Balance(seller, "USDC").Available.IsZero())
}

func TestReleaseTradeReturnsCollateralToOwners(t *testing.T) {
	l := New(zap.NewNop(), nil)
	buyer, seller := uuid.New(), uuid.New()
	require.NoError(t, l.Deposit(buyer, "USDC", dec("2.00")))
	require.NoError(t, l.Allocate(buyer, "USDC", dec("2.00")))
	require.NoError(t, l.Lock(buyer, "USDC", dec("2.00")))
	require.NoError(t, l.Deposit(seller, "YES", dec("1.0")))
	require.NoError(t, l.Allocate(seller, "YES", dec("1.0")))
	require.NoError(t, l.Lock(seller, "YES", dec("1.0")))

	require.NoError(t, l.ReleaseTrade(buyer, seller, "USDC", dec("2.00"), "YES", dec("1.0")))

	assert.True(t, l.Balance(buyer, "USDC").Available.Equal(dec("2.00")))
	assert.True(t, l.Balance(buyer, "USDC").Locked.IsZero())
	assert.True(t, l.Balance(seller, "YES").Available.Equal(dec("1.0")))
	assert.True(t, l.Balance(seller, "YES").Locked.IsZero())
}
