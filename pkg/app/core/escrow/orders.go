package escrow

import (
	"sort"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// OrderLedger stores live orders keyed by ID. IDs start at 1, grow by one
// per created order and are never reused.
type OrderLedger struct {
	journal *journal.Journal
	nextID  uint64
	orders  map[uint64]Order
}

func NewOrderLedger(j *journal.Journal) *OrderLedger {
	return &OrderLedger{
		journal: j,
		nextID:  1,
		orders:  make(map[uint64]Order),
	}
}

// NextID returns the ID the next created order will get
func (l *OrderLedger) NextID() uint64 { return l.nextID }

// allocate reserves the next order ID
func (l *OrderLedger) allocate() uint64 {
	id := l.nextID
	l.nextID++
	l.journal.Append(func() { l.nextID = id })
	return id
}

func (l *OrderLedger) Get(id uint64) (Order, bool) {
	o, ok := l.orders[id]
	return o, ok
}

// put inserts or replaces an order
func (l *OrderLedger) put(o Order) {
	prev, had := l.orders[o.ID]
	l.orders[o.ID] = o
	l.journal.Append(func() {
		if had {
			l.orders[o.ID] = prev
		} else {
			delete(l.orders, o.ID)
		}
	})
}

func (l *OrderLedger) delete(id uint64) {
	prev, ok := l.orders[id]
	if !ok {
		return
	}
	delete(l.orders, id)
	l.journal.Append(func() { l.orders[id] = prev })
}

// Len returns the number of live orders
func (l *OrderLedger) Len() int { return len(l.orders) }

// All returns every live order sorted by ID
func (l *OrderLedger) All() []Order {
	out := make([]Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *OrderLedger) restore(nextID uint64, orders []Order) {
	if nextID == 0 {
		nextID = 1
	}
	l.nextID = nextID
	l.orders = make(map[uint64]Order, len(orders))
	for _, o := range orders {
		l.orders[o.ID] = o
	}
}
