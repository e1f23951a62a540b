package escrow

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// CreditLedger holds refunds owed to bidders when the engine runs in
// RefundCredit mode, keyed by bidder then payment asset
type CreditLedger struct {
	journal *journal.Journal
	credits map[common.Address]map[common.Address]int64
}

func NewCreditLedger(j *journal.Journal) *CreditLedger {
	return &CreditLedger{journal: j, credits: make(map[common.Address]map[common.Address]int64)}
}

func (l *CreditLedger) Balance(bidder, asset common.Address) int64 {
	return l.credits[bidder][asset]
}

func (l *CreditLedger) add(bidder, asset common.Address, amount int64) {
	if amount <= 0 {
		return
	}
	prev := l.Balance(bidder, asset)
	l.set(bidder, asset, prev+amount)
	l.journal.Append(func() { l.set(bidder, asset, prev) })
}

// take zeroes the bidder's credit and returns what it held
func (l *CreditLedger) take(bidder, asset common.Address) int64 {
	prev := l.Balance(bidder, asset)
	if prev == 0 {
		return 0
	}
	l.set(bidder, asset, 0)
	l.journal.Append(func() { l.set(bidder, asset, prev) })
	return prev
}

// Total sums outstanding credits in one asset
func (l *CreditLedger) Total(asset common.Address) int64 {
	var sum int64
	for _, m := range l.credits {
		sum += m[asset]
	}
	return sum
}

func (l *CreditLedger) set(bidder, asset common.Address, amount int64) {
	if amount == 0 {
		if m, ok := l.credits[bidder]; ok {
			delete(m, asset)
			if len(m) == 0 {
				delete(l.credits, bidder)
			}
		}
		return
	}
	m, ok := l.credits[bidder]
	if !ok {
		m = make(map[common.Address]int64)
		l.credits[bidder] = m
	}
	m[asset] = amount
}

func (l *CreditLedger) export() map[common.Address]map[common.Address]int64 {
	out := make(map[common.Address]map[common.Address]int64, len(l.credits))
	for b, m := range l.credits {
		cp := make(map[common.Address]int64, len(m))
		for a, n := range m {
			cp[a] = n
		}
		out[b] = cp
	}
	return out
}

func (l *CreditLedger) restore(credits map[common.Address]map[common.Address]int64) {
	l.credits = make(map[common.Address]map[common.Address]int64, len(credits))
	for b, m := range credits {
		for a, n := range m {
			l.set(b, a, n)
		}
	}
}
