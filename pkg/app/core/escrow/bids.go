package escrow

import (
	"sort"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// BidLedger is a per-order arena of bids. A bid's ID is its append position
// within the order; positions are stable and never reused. Bids outlive the
// order they were placed on.
type BidLedger struct {
	journal *journal.Journal
	bids    map[uint64][]Bid
}

func NewBidLedger(j *journal.Journal) *BidLedger {
	return &BidLedger{journal: j, bids: make(map[uint64][]Bid)}
}

// append stores b at the next position of its order and returns that position
func (l *BidLedger) append(b Bid) uint64 {
	list := l.bids[b.OrderID]
	b.ID = uint64(len(list))
	l.bids[b.OrderID] = append(list, b)
	orderID := b.OrderID
	l.journal.Append(func() {
		cur := l.bids[orderID]
		if len(cur) <= 1 {
			delete(l.bids, orderID)
			return
		}
		l.bids[orderID] = cur[:len(cur)-1]
	})
	return b.ID
}

func (l *BidLedger) Get(orderID, bidID uint64) (Bid, bool) {
	list := l.bids[orderID]
	if bidID >= uint64(len(list)) {
		return Bid{}, false
	}
	return list[bidID], true
}

func (l *BidLedger) setStatus(orderID, bidID uint64, status BidStatus) {
	list := l.bids[orderID]
	prev := list[bidID].Status
	list[bidID].Status = status
	l.journal.Append(func() { l.bids[orderID][bidID].Status = prev })
}

// List returns a copy of every bid placed on the order, in position order
func (l *BidLedger) List(orderID uint64) []Bid {
	list := l.bids[orderID]
	out := make([]Bid, len(list))
	copy(out, list)
	return out
}

// placed returns the positions of the order's bids still in Placed state
func (l *BidLedger) placed(orderID uint64) []uint64 {
	var ids []uint64
	for _, b := range l.bids[orderID] {
		if b.Status == BidPlaced {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// orderIDs returns every order that ever received a bid, ascending
func (l *BidLedger) orderIDs() []uint64 {
	ids := make([]uint64, 0, len(l.bids))
	for id := range l.bids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *BidLedger) restore(bids map[uint64][]Bid) {
	l.bids = make(map[uint64][]Bid, len(bids))
	for id, list := range bids {
		cp := make([]Bid, len(list))
		copy(cp, list)
		l.bids[id] = cp
	}
}
