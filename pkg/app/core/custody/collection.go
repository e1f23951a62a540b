package custody

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// ItemHook runs after units moved and before the receiver is notified.
// Returning an error fails the transfer.
type ItemHook func(operator, from, to common.Address, item ItemID, qty Quantity) error

// Collection is a reference item source holding both singular and counted
// items. An item id is bound to one standard by its first mint.
type Collection struct {
	Address common.Address
	Hook    ItemHook

	journal   *journal.Journal
	receivers func(common.Address) (Receiver, bool)

	owners    map[ItemID]common.Address
	balances  map[ItemID]map[common.Address]int64
	operators map[common.Address]map[common.Address]bool
}

func newCollection(addr common.Address, j *journal.Journal, receivers func(common.Address) (Receiver, bool)) *Collection {
	return &Collection{
		Address:   addr,
		journal:   j,
		receivers: receivers,
		owners:    make(map[ItemID]common.Address),
		balances:  make(map[ItemID]map[common.Address]int64),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

// MintSingular creates an indivisible item owned by to
func (c *Collection) MintSingular(to common.Address, item ItemID) error {
	if _, ok := c.owners[item]; ok {
		return fmt.Errorf("mint item %d: %w", item, ErrItemExists)
	}
	if _, ok := c.balances[item]; ok {
		return fmt.Errorf("mint item %d: %w", item, ErrKindMismatch)
	}
	c.owners[item] = to
	c.journal.Append(func() { delete(c.owners, item) })
	return nil
}

// MintCounted adds units copies of item to the balance of to
func (c *Collection) MintCounted(to common.Address, item ItemID, units int64) error {
	if units <= 0 {
		return fmt.Errorf("mint item %d: %w", item, ErrInvalidQuantity)
	}
	if _, ok := c.owners[item]; ok {
		return fmt.Errorf("mint item %d: %w", item, ErrKindMismatch)
	}
	c.addUnits(item, to, units)
	return nil
}

// KindOf reports the standard an item was minted under
func (c *Collection) KindOf(item ItemID) (Kind, bool) {
	if _, ok := c.owners[item]; ok {
		return KindSingular, true
	}
	if _, ok := c.balances[item]; ok {
		return KindCounted, true
	}
	return 0, false
}

// OwnerOf returns the holder of a singular item
func (c *Collection) OwnerOf(item ItemID) (common.Address, bool) {
	owner, ok := c.owners[item]
	return owner, ok
}

func (c *Collection) BalanceOf(owner common.Address, item ItemID) int64 {
	if o, ok := c.owners[item]; ok {
		if o == owner {
			return 1
		}
		return 0
	}
	return c.balances[item][owner]
}

func (c *Collection) SetApprovalForAll(owner, operator common.Address, approved bool) {
	prev := c.operators[owner][operator]
	if prev == approved {
		return
	}
	c.setOperator(owner, operator, approved)
	c.journal.Append(func() { c.setOperator(owner, operator, prev) })
}

func (c *Collection) IsApprovedForAll(owner, operator common.Address) bool {
	return c.operators[owner][operator]
}

// Transfer moves qty of item from one holder to another. The operator must be
// the holder or approved by it. Pushing to a registered receiver requires the
// matching acknowledgment code.
func (c *Collection) Transfer(operator, from, to common.Address, item ItemID, qty Quantity) error {
	if err := qty.Validate(); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if operator != from && !c.operators[from][operator] {
		return fmt.Errorf("%s for %s: %w", operator.Hex(), from.Hex(), ErrNotApproved)
	}

	snap := c.journal.Snapshot()
	if err := c.move(from, to, item, qty); err != nil {
		c.journal.RevertToSnapshot(snap)
		return err
	}
	if c.Hook != nil {
		if err := c.Hook(operator, from, to, item, qty); err != nil {
			c.journal.RevertToSnapshot(snap)
			return err
		}
	}
	if err := c.notify(operator, from, to, item, qty); err != nil {
		c.journal.RevertToSnapshot(snap)
		return err
	}
	return nil
}

func (c *Collection) move(from, to common.Address, item ItemID, qty Quantity) error {
	if qty.IsSingular() {
		owner, ok := c.owners[item]
		if !ok {
			if _, counted := c.balances[item]; counted {
				return fmt.Errorf("item %d: %w", item, ErrKindMismatch)
			}
			return fmt.Errorf("item %d: %w", item, ErrNotOwner)
		}
		if owner != from {
			return fmt.Errorf("item %d: %w", item, ErrNotOwner)
		}
		c.owners[item] = to
		c.journal.Append(func() { c.owners[item] = owner })
		return nil
	}

	if _, singular := c.owners[item]; singular {
		return fmt.Errorf("item %d: %w", item, ErrKindMismatch)
	}
	units := qty.Units()
	if c.balances[item][from] < units {
		return fmt.Errorf("item %d: have %d, need %d: %w", item, c.balances[item][from], units, ErrInsufficientBalance)
	}
	c.addUnits(item, from, -units)
	c.addUnits(item, to, units)
	return nil
}

func (c *Collection) notify(operator, from, to common.Address, item ItemID, qty Quantity) error {
	if c.receivers == nil {
		return nil
	}
	r, ok := c.receivers(to)
	if !ok {
		return nil
	}
	if qty.IsSingular() {
		if r.OnSingularReceived(operator, from, item) != AckSingular {
			return fmt.Errorf("item %d to %s: %w", item, to.Hex(), ErrRejectedReceipt)
		}
		return nil
	}
	if r.OnCountedReceived(operator, from, item, qty.Units()) != AckCounted {
		return fmt.Errorf("item %d to %s: %w", item, to.Hex(), ErrRejectedReceipt)
	}
	return nil
}

func (c *Collection) addUnits(item ItemID, holder common.Address, delta int64) {
	bal, ok := c.balances[item]
	if !ok {
		bal = make(map[common.Address]int64)
		c.balances[item] = bal
	}
	prev, had := bal[holder]
	bal[holder] = prev + delta
	c.journal.Append(func() {
		if had {
			bal[holder] = prev
		} else {
			delete(bal, holder)
		}
		if len(bal) == 0 && !ok {
			delete(c.balances, item)
		}
	})
}

func (c *Collection) setOperator(owner, operator common.Address, approved bool) {
	if !approved {
		delete(c.operators[owner], operator)
		return
	}
	ops, ok := c.operators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		c.operators[owner] = ops
	}
	ops[operator] = true
}
