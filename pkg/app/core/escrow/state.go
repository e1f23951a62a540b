package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// State is the persisted content of the engine's ledgers. The registry and
// custody balances are persisted by their owners.
type State struct {
	NextOrderID    uint64                                      `json:"next_order_id"`
	PlatformFeeBps int64                                       `json:"platform_fee_bps"`
	Orders         []Order                                     `json:"orders"`
	Bids           map[uint64][]Bid                            `json:"bids,omitempty"`
	Fees           map[common.Address]FeeEntry                 `json:"fees,omitempty"`
	Credits        map[common.Address]map[common.Address]int64 `json:"credits,omitempty"`
}

// Export copies the ledgers. Orders come out sorted by ID.
func (e *Engine) Export() State {
	st := State{
		NextOrderID:    e.orders.NextID(),
		PlatformFeeBps: e.feeBps,
		Orders:         e.orders.All(),
		Bids:           make(map[uint64][]Bid),
		Fees:           make(map[common.Address]FeeEntry),
		Credits:        e.credits.export(),
	}
	for _, id := range e.bids.orderIDs() {
		st.Bids[id] = e.bids.List(id)
	}
	for _, a := range e.fees.Assets() {
		st.Fees[a] = e.fees.Entry(a)
	}
	return st
}

// Import replaces the ledgers with st after checking its invariants
func (e *Engine) Import(st State) error {
	if st.PlatformFeeBps < 0 || st.PlatformFeeBps > e.cfg.MaxPlatformFeeBps {
		return fmt.Errorf("import: fee %d bps outside [0, %d]", st.PlatformFeeBps, e.cfg.MaxPlatformFeeBps)
	}
	for _, o := range st.Orders {
		if o.Remaining <= 0 {
			return fmt.Errorf("import: order %d has remaining %d", o.ID, o.Remaining)
		}
		if o.ID >= st.NextOrderID {
			return fmt.Errorf("import: order %d not below next id %d", o.ID, st.NextOrderID)
		}
	}
	for id, list := range st.Bids {
		for i, b := range list {
			if b.OrderID != id || b.ID != uint64(i) {
				return fmt.Errorf("import: bid %d/%d stored at %d/%d", b.OrderID, b.ID, id, i)
			}
		}
	}
	for a, f := range st.Fees {
		if f.Claimed > f.Generated {
			return fmt.Errorf("import: fees for %s claimed %d > generated %d", a.Hex(), f.Claimed, f.Generated)
		}
	}

	e.feeBps = st.PlatformFeeBps
	e.orders.restore(st.NextOrderID, st.Orders)
	e.bids.restore(st.Bids)
	e.fees.restore(st.Fees)
	e.credits.restore(st.Credits)
	return nil
}
