package custody

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// ValueHook runs after a fungible movement is applied. Returning an error
// fails the movement.
type ValueHook func(from, to common.Address, amount int64) error

// Token is a reference fungible payment asset with allowances
type Token struct {
	Address common.Address
	Symbol  string
	Hook    ValueHook

	journal    *journal.Journal
	balances   map[common.Address]int64
	allowances map[common.Address]map[common.Address]int64
}

func newToken(addr common.Address, symbol string, j *journal.Journal) *Token {
	return &Token{
		Address:    addr,
		Symbol:     symbol,
		journal:    j,
		balances:   make(map[common.Address]int64),
		allowances: make(map[common.Address]map[common.Address]int64),
	}
}

// Mint credits amount to a holder (genesis and tests)
func (t *Token) Mint(to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint %s: %w", t.Symbol, ErrInvalidAmount)
	}
	t.credit(to, amount)
	return nil
}

func (t *Token) BalanceOf(owner common.Address) int64 {
	return t.balances[owner]
}

func (t *Token) Allowance(owner, spender common.Address) int64 {
	return t.allowances[owner][spender]
}

// Approve sets the amount spender may pull from owner, replacing any previous value
func (t *Token) Approve(owner, spender common.Address, amount int64) {
	if amount < 0 {
		amount = 0
	}
	prev := t.allowances[owner][spender]
	t.setAllowance(owner, spender, amount)
	t.journal.Append(func() { t.setAllowance(owner, spender, prev) })
}

// Transfer pushes amount from the caller's own balance
func (t *Token) Transfer(from, to common.Address, amount int64) error {
	return t.transfer(from, to, amount)
}

// TransferFrom pulls amount from a holder that approved spender beforehand
func (t *Token) TransferFrom(spender, from, to common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%s transfer %d: %w", t.Symbol, amount, ErrInvalidAmount)
	}
	if amount == 0 {
		return nil
	}
	snap := t.journal.Snapshot()
	if spender != from {
		allowed := t.allowances[from][spender]
		if allowed < amount {
			return fmt.Errorf("%s allowance %d < %d: %w", t.Symbol, allowed, amount, ErrInsufficientAllowance)
		}
		t.setAllowance(from, spender, allowed-amount)
		t.journal.Append(func() { t.setAllowance(from, spender, allowed) })
	}
	if err := t.transfer(from, to, amount); err != nil {
		t.journal.RevertToSnapshot(snap)
		return err
	}
	return nil
}

func (t *Token) transfer(from, to common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%s transfer %d: %w", t.Symbol, amount, ErrInvalidAmount)
	}
	if amount == 0 {
		return nil
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if t.balances[from] < amount {
		return fmt.Errorf("%s balance %d < %d: %w", t.Symbol, t.balances[from], amount, ErrInsufficientBalance)
	}
	snap := t.journal.Snapshot()
	t.credit(from, -amount)
	t.credit(to, amount)
	if t.Hook != nil {
		if err := t.Hook(from, to, amount); err != nil {
			t.journal.RevertToSnapshot(snap)
			return err
		}
	}
	return nil
}

func (t *Token) credit(holder common.Address, delta int64) {
	prev, had := t.balances[holder]
	t.balances[holder] = prev + delta
	t.journal.Append(func() {
		if had {
			t.balances[holder] = prev
		} else {
			delete(t.balances, holder)
		}
	})
}

func (t *Token) setAllowance(owner, spender common.Address, amount int64) {
	if amount == 0 {
		delete(t.allowances[owner], spender)
		return
	}
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]int64)
		t.allowances[owner] = m
	}
	m[spender] = amount
}
