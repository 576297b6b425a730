package og

import (
	"sort"
	"sync"

	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/yanun0323/errors"
)

type slot struct {
	order WorkingOrder
	used  bool
	busy  bool
}

// registry is an arena of working orders indexed by position and venue order id.
// A slot is marked busy while an exchange call for it is in flight, so two
// transitions of the same order can never overlap.
type registry struct {
	mu         sync.Mutex
	slots      []slot
	free       []int
	byPosition map[schema.PositionID]int
	byOrder    map[string]schema.PositionID
}

func newRegistry() *registry {
	return &registry{
		byPosition: make(map[schema.PositionID]int),
		byOrder:    make(map[string]schema.PositionID),
	}
}

// insert adds o and leaves it acquired.
func (r *registry) insert(o WorkingOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPosition[o.PositionID]; ok {
		return errors.Wrap(exception.ErrOrderDuplicate, "registry insert").With("position", o.PositionID)
	}

	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = len(r.slots) - 1
	}
	r.slots[idx] = slot{order: o, used: true, busy: true}
	r.byPosition[o.PositionID] = idx
	return nil
}

// acquire marks the order busy and returns a copy of it.
func (r *registry) acquire(id schema.PositionID) (WorkingOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byPosition[id]
	if !ok {
		return WorkingOrder{}, errors.Wrap(exception.ErrOrderUnknown, "registry acquire").With("position", id)
	}
	if r.slots[idx].busy {
		return WorkingOrder{}, errors.Wrap(exception.ErrOrderBusy, "registry acquire").With("position", id)
	}
	r.slots[idx].busy = true
	return r.slots[idx].order, nil
}

// release clears the busy mark. Removed orders are ignored.
func (r *registry) release(id schema.PositionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.byPosition[id]; ok {
		r.slots[idx].busy = false
	}
}

// store writes back an acquired order and keeps the order id index current.
func (r *registry) store(o WorkingOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byPosition[o.PositionID]
	if !ok {
		return
	}
	prev := r.slots[idx].order.OrderID
	if prev != "" && prev != o.OrderID {
		delete(r.byOrder, prev)
	}
	if o.OrderID != "" {
		r.byOrder[o.OrderID] = o.PositionID
	}
	r.slots[idx].order = o
}

// remove drops a terminal order from tracking.
func (r *registry) remove(id schema.PositionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byPosition[id]
	if !ok {
		return
	}
	if oid := r.slots[idx].order.OrderID; oid != "" {
		delete(r.byOrder, oid)
	}
	delete(r.byPosition, id)
	r.slots[idx] = slot{}
	r.free = append(r.free, idx)
}

func (r *registry) get(id schema.PositionID) (WorkingOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byPosition[id]
	if !ok {
		return WorkingOrder{}, false
	}
	return r.slots[idx].order, true
}

func (r *registry) lookup(orderID string) (schema.PositionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byOrder[orderID]
	return id, ok
}

// snapshot returns copies of the orders in the given state, ordered by position.
func (r *registry) snapshot(filter func(WorkingOrder) bool) []WorkingOrder {
	r.mu.Lock()
	out := make([]WorkingOrder, 0, len(r.byPosition))
	for i := range r.slots {
		if r.slots[i].used && (filter == nil || filter(r.slots[i].order)) {
			out = append(out, r.slots[i].order)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].PositionID < out[j].PositionID
	})
	return out
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPosition)
}
