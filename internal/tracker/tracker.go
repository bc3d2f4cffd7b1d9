package tracker

import (
	"sync"

	"bybit-grid-bot-go/internal/models"
)

// OccupantKind enumerates the states a grid level can be in.
type OccupantKind int

const (
	// Empty means the level is free; no order exists or is being placed for it.
	Empty OccupantKind = iota
	// Placing means a placement request for this level is in flight and has not
	// been confirmed or rejected yet.
	Placing
	// Active means a live exchange order occupies the level.
	Active
)

// Occupant describes what currently holds a grid level.
type Occupant struct {
	Kind    OccupantKind
	OrderID string // set only when Kind == Active
}

// Tracker owns the per-level occupancy maps and the set of tracked orders.
// It is the single authority for "which grid levels have a live order, in what
// state". All mutation goes through its methods; the internal mutex makes each
// operation atomic so that concurrent triggers (stream events, sweep ticks,
// price ticks) cannot both claim the same level.
type Tracker struct {
	mu     sync.Mutex
	buy    map[string]Occupant             // level price key -> occupant (buy side)
	sell   map[string]Occupant             // level price key -> occupant (sell side)
	orders map[string]*models.TrackedOrder // exchange order id -> tracked order
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		buy:    make(map[string]Occupant),
		sell:   make(map[string]Occupant),
		orders: make(map[string]*models.TrackedOrder),
	}
}

func (t *Tracker) sideMap(side models.Side) map[string]Occupant {
	if side == models.Buy {
		return t.buy
	}
	return t.sell
}

// TryReserve atomically claims a level for placement by writing the Placing
// sentinel, iff the level is currently unoccupied. It returns false when the
// level already holds a live order or another placement is in flight. A false
// return is the expected outcome under concurrent triggers and is not an error.
func (t *Tracker) TryReserve(side models.Side, levelKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.sideMap(side)
	if occ, ok := m[levelKey]; ok && occ.Kind != Empty {
		return false
	}
	m[levelKey] = Occupant{Kind: Placing}
	return true
}

// Confirm replaces the Placing sentinel with the live order and starts tracking
// it. The caller must hold the reservation obtained from TryReserve.
func (t *Tracker) Confirm(side models.Side, levelKey string, order *models.TrackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sideMap(side)[levelKey] = Occupant{Kind: Active, OrderID: order.OrderID}
	o := *order
	t.orders[order.OrderID] = &o
}

// Release removes whatever occupies the level. Used on placement failure and on
// terminal-state cleanup. Releasing a free level is a no-op (idempotent).
func (t *Tracker) Release(side models.Side, levelKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sideMap(side), levelKey)
}

// Occupant reports what currently holds the given level.
func (t *Tracker) Occupant(side models.Side, levelKey string) Occupant {
	t.mu.Lock()
	defer t.mu.Unlock()

	if occ, ok := t.sideMap(side)[levelKey]; ok {
		return occ
	}
	return Occupant{Kind: Empty}
}

// ApplyUpdate merges an external status update into the matching tracked order
// and returns a copy of the merged order. It returns (zero, false) when the
// order is not tracked, e.g. its terminal state was already processed by the
// other channel; callers treat that as a safe no-op.
func (t *Tracker) ApplyUpdate(orderID string, status models.OrderStatus, cumExecQty float64) (models.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[orderID]
	if !ok {
		return models.TrackedOrder{}, false
	}
	o.Status = status
	if cumExecQty >= 0 {
		o.FilledQuantity = cumExecQty
	}
	return *o, true
}

// Get returns a copy of the tracked order, if any.
func (t *Tracker) Get(orderID string) (models.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[orderID]
	if !ok {
		return models.TrackedOrder{}, false
	}
	return *o, true
}

// Remove drops an order from tracking. The occupied level is not touched;
// callers release it explicitly so that cleanup and cascade can differ.
func (t *Tracker) Remove(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.orders, orderID)
}

// Orders returns a snapshot of all tracked orders.
func (t *Tracker) Orders() []models.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	return out
}

// Len reports the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}

// Restore re-registers a previously persisted order and marks its level as
// occupied. Used when resuming after a restart.
func (t *Tracker) Restore(levelKey string, order models.TrackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sideMap(order.Side)[levelKey] = Occupant{Kind: Active, OrderID: order.OrderID}
	o := order
	t.orders[order.OrderID] = &o
}

// Clear wipes all occupancy and tracking state. Required before the grid plan
// is recalculated (symbol or parameter change).
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buy = make(map[string]Occupant)
	t.sell = make(map[string]Occupant)
	t.orders = make(map[string]*models.TrackedOrder)
}
