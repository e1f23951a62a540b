package escrow

import (
	"math"
	"math/bits"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// FeeOf returns floor(total * bps / 10000). bps must be within [0, 10000].
func FeeOf(total, bps int64) int64 {
	if total <= 0 || bps <= 0 {
		return 0
	}
	// hi < bps <= 10000, so the division cannot overflow
	hi, lo := bits.Mul64(uint64(total), uint64(bps))
	q, _ := bits.Div64(hi, lo, BpsDenominator)
	return int64(q)
}

// mulAmount multiplies two non-negative amounts, reporting overflow
func mulAmount(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}

// FeeLedger accumulates generated and claimed platform fees per payment asset
type FeeLedger struct {
	journal *journal.Journal
	entries map[common.Address]FeeEntry
}

func NewFeeLedger(j *journal.Journal) *FeeLedger {
	return &FeeLedger{journal: j, entries: make(map[common.Address]FeeEntry)}
}

func (l *FeeLedger) Entry(asset common.Address) FeeEntry {
	return l.entries[asset]
}

func (l *FeeLedger) generate(asset common.Address, fee int64) {
	if fee <= 0 {
		return
	}
	prev, had := l.entries[asset]
	next := prev
	next.Generated += fee
	l.set(asset, next, prev, had)
}

// markClaimed sets Claimed = Generated and returns the amount that became claimed
func (l *FeeLedger) markClaimed(asset common.Address) int64 {
	prev, had := l.entries[asset]
	amount := prev.Claimable()
	if amount <= 0 {
		return 0
	}
	next := prev
	next.Claimed = next.Generated
	l.set(asset, next, prev, had)
	return amount
}

func (l *FeeLedger) set(asset common.Address, next, prev FeeEntry, had bool) {
	l.entries[asset] = next
	l.journal.Append(func() {
		if had {
			l.entries[asset] = prev
		} else {
			delete(l.entries, asset)
		}
	})
}

// Assets lists every asset with a fee entry, in address order
func (l *FeeLedger) Assets() []common.Address {
	out := make([]common.Address, 0, len(l.entries))
	for a := range l.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (l *FeeLedger) restore(entries map[common.Address]FeeEntry) {
	l.entries = make(map[common.Address]FeeEntry, len(entries))
	for a, e := range entries {
		l.entries[a] = e
	}
}
