package custody

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// Native is the reference native-currency ledger
type Native struct {
	Hook ValueHook

	journal  *journal.Journal
	balances map[common.Address]int64
}

func newNative(j *journal.Journal) *Native {
	return &Native{journal: j, balances: make(map[common.Address]int64)}
}

// Mint credits native currency out of thin air. Genesis only.
func (n *Native) Mint(to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint native: %w", ErrInvalidAmount)
	}
	n.credit(to, amount)
	return nil
}

func (n *Native) BalanceOf(owner common.Address) int64 {
	return n.balances[owner]
}

func (n *Native) Transfer(from, to common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("native transfer %d: %w", amount, ErrInvalidAmount)
	}
	if amount == 0 {
		return nil
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if n.balances[from] < amount {
		return fmt.Errorf("native balance %d < %d: %w", n.balances[from], amount, ErrInsufficientBalance)
	}
	snap := n.journal.Snapshot()
	n.credit(from, -amount)
	n.credit(to, amount)
	if n.Hook != nil {
		if err := n.Hook(from, to, amount); err != nil {
			n.journal.RevertToSnapshot(snap)
			return err
		}
	}
	return nil
}

func (n *Native) credit(holder common.Address, delta int64) {
	prev, had := n.balances[holder]
	n.balances[holder] = prev + delta
	n.journal.Append(func() {
		if had {
			n.balances[holder] = prev
		} else {
			delete(n.balances, holder)
		}
	})
}
