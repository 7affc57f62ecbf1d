package orderbook

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velora-exchange/velora/pkg/models"
)

// resting wraps an order sitting in the book with its visible tranche.
// For plain orders visible always equals the remaining quantity; iceberg
// orders expose at most IcebergQuantity at a time.
type resting struct {
	order   *models.Order
	visible decimal.Decimal
}

func newResting(o *models.Order) *resting {
	v := o.Remaining()
	if o.IcebergQuantity.IsPositive() && o.IcebergQuantity.LessThan(v) {
		v = o.IcebergQuantity
	}
	return &resting{order: o, visible: v}
}

// refill resets the visible tranche after it has been fully consumed.
// Returns false when the order has no quantity left.
func (r *resting) refill() bool {
	rem := r.order.Remaining()
	if rem.IsZero() {
		return false
	}
	v := rem
	if r.order.IcebergQuantity.IsPositive() && r.order.IcebergQuantity.LessThan(v) {
		v = r.order.IcebergQuantity
	}
	r.visible = v
	return true
}

// PriceLevel is a FIFO queue of resting orders at a single price.
type PriceLevel struct {
	Price decimal.Decimal
	queue []*resting
}

func (pl *PriceLevel) Len() int { return len(pl.queue) }

func (pl *PriceLevel) push(r *resting) {
	pl.queue = append(pl.queue, r)
}

// rotate moves the front order to the back of the queue, losing its time
// priority. Used when an iceberg tranche refills.
func (pl *PriceLevel) rotate() {
	if len(pl.queue) < 2 {
		return
	}
	front := pl.queue[0]
	copy(pl.queue, pl.queue[1:])
	pl.queue[len(pl.queue)-1] = front
}

func (pl *PriceLevel) popFront() {
	pl.queue[0] = nil
	pl.queue = pl.queue[1:]
}

// remove deletes the order with the given id from the queue, preserving
// the order of the rest.
func (pl *PriceLevel) remove(id uuid.UUID) bool {
	for i, r := range pl.queue {
		if r.order.ID == id {
			pl.queue = append(pl.queue[:i], pl.queue[i+1:]...)
			return true
		}
	}
	return false
}

// visibleQuantity is the displayed aggregate at this level.
func (pl *PriceLevel) visibleQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, r := range pl.queue {
		total = total.Add(r.visible)
	}
	return total
}
