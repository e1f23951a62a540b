package custody

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// Vault is the in-process Directory: it owns the native ledger, every
// reference collection and token, and the set of registered receivers.
// All mutations are recorded in the shared journal.
type Vault struct {
	journal     *journal.Journal
	native      *Native
	collections map[common.Address]*Collection
	tokens      map[common.Address]*Token
	receivers   map[common.Address]Receiver
}

// NewVault creates an empty vault. A nil journal gets a private one.
func NewVault(j *journal.Journal) *Vault {
	if j == nil {
		j = journal.New()
	}
	return &Vault{
		journal:     j,
		native:      newNative(j),
		collections: make(map[common.Address]*Collection),
		tokens:      make(map[common.Address]*Token),
		receivers:   make(map[common.Address]Receiver),
	}
}

// Journal returns the undo log shared by every ledger in the vault
func (v *Vault) Journal() *journal.Journal { return v.journal }

func (v *Vault) Native() NativeBank { return v.native }

// NativeLedger exposes the concrete native ledger for minting and hooks
func (v *Vault) NativeLedger() *Native { return v.native }

// AddCollection deploys a collection at addr, returning the existing one if present
func (v *Vault) AddCollection(addr common.Address) *Collection {
	if c, ok := v.collections[addr]; ok {
		return c
	}
	c := newCollection(addr, v.journal, v.receiver)
	v.collections[addr] = c
	return c
}

// AddToken deploys a fungible token at addr, returning the existing one if present
func (v *Vault) AddToken(addr common.Address, symbol string) (*Token, error) {
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("token %s: zero address is reserved for native currency", symbol)
	}
	if t, ok := v.tokens[addr]; ok {
		return t, nil
	}
	t := newToken(addr, symbol, v.journal)
	v.tokens[addr] = t
	return t, nil
}

func (v *Vault) Collection(addr common.Address) (*Collection, bool) {
	c, ok := v.collections[addr]
	return c, ok
}

func (v *Vault) Token(addr common.Address) (*Token, bool) {
	t, ok := v.tokens[addr]
	return t, ok
}

func (v *Vault) ItemSource(addr common.Address) (ItemSource, bool) {
	c, ok := v.collections[addr]
	if !ok {
		return nil, false
	}
	return c, true
}

func (v *Vault) PaymentAsset(addr common.Address) (PaymentAsset, bool) {
	t, ok := v.tokens[addr]
	if !ok {
		return nil, false
	}
	return t, true
}

// RegisterReceiver marks addr as a party that must acknowledge pushed items
func (v *Vault) RegisterReceiver(addr common.Address, r Receiver) {
	v.receivers[addr] = r
}

func (v *Vault) receiver(addr common.Address) (Receiver, bool) {
	r, ok := v.receivers[addr]
	return r, ok
}

// ============================================================================
// Persistence
// ============================================================================

type CollectionState struct {
	Address   common.Address                      `json:"address"`
	Owners    map[ItemID]common.Address           `json:"owners,omitempty"`
	Balances  map[ItemID]map[common.Address]int64 `json:"balances,omitempty"`
	Operators map[common.Address][]common.Address `json:"operators,omitempty"`
}

type TokenState struct {
	Address    common.Address                              `json:"address"`
	Symbol     string                                      `json:"symbol"`
	Balances   map[common.Address]int64                    `json:"balances,omitempty"`
	Allowances map[common.Address]map[common.Address]int64 `json:"allowances,omitempty"`
}

// State is the serializable content of a vault. Receivers and hooks are
// runtime wiring and are not part of it.
type State struct {
	Native      map[common.Address]int64 `json:"native,omitempty"`
	Collections []CollectionState        `json:"collections,omitempty"`
	Tokens      []TokenState             `json:"tokens,omitempty"`
}

// Export copies the vault content, ordered by address
func (v *Vault) Export() State {
	st := State{Native: make(map[common.Address]int64, len(v.native.balances))}
	for a, b := range v.native.balances {
		if b != 0 {
			st.Native[a] = b
		}
	}

	for _, c := range v.collections {
		cs := CollectionState{
			Address:   c.Address,
			Owners:    make(map[ItemID]common.Address, len(c.owners)),
			Balances:  make(map[ItemID]map[common.Address]int64, len(c.balances)),
			Operators: make(map[common.Address][]common.Address),
		}
		for id, o := range c.owners {
			cs.Owners[id] = o
		}
		for id, bal := range c.balances {
			m := make(map[common.Address]int64, len(bal))
			for a, n := range bal {
				if n != 0 {
					m[a] = n
				}
			}
			cs.Balances[id] = m
		}
		for owner, ops := range c.operators {
			for op, ok := range ops {
				if ok {
					cs.Operators[owner] = append(cs.Operators[owner], op)
				}
			}
			sortAddresses(cs.Operators[owner])
		}
		st.Collections = append(st.Collections, cs)
	}
	sort.Slice(st.Collections, func(i, j int) bool {
		return st.Collections[i].Address.Cmp(st.Collections[j].Address) < 0
	})

	for _, t := range v.tokens {
		ts := TokenState{
			Address:    t.Address,
			Symbol:     t.Symbol,
			Balances:   make(map[common.Address]int64, len(t.balances)),
			Allowances: make(map[common.Address]map[common.Address]int64, len(t.allowances)),
		}
		for a, b := range t.balances {
			if b != 0 {
				ts.Balances[a] = b
			}
		}
		for owner, m := range t.allowances {
			cp := make(map[common.Address]int64, len(m))
			for s, n := range m {
				cp[s] = n
			}
			ts.Allowances[owner] = cp
		}
		st.Tokens = append(st.Tokens, ts)
	}
	sort.Slice(st.Tokens, func(i, j int) bool {
		return st.Tokens[i].Address.Cmp(st.Tokens[j].Address) < 0
	})
	return st
}

// Import replaces ledger content with a previously exported state. Registered
// receivers and hooks on already-deployed ledgers are kept.
func (v *Vault) Import(st State) error {
	v.native.balances = make(map[common.Address]int64, len(st.Native))
	for a, b := range st.Native {
		v.native.balances[a] = b
	}

	for _, cs := range st.Collections {
		c := v.AddCollection(cs.Address)
		c.owners = make(map[ItemID]common.Address, len(cs.Owners))
		c.balances = make(map[ItemID]map[common.Address]int64, len(cs.Balances))
		c.operators = make(map[common.Address]map[common.Address]bool, len(cs.Operators))
		for id, o := range cs.Owners {
			c.owners[id] = o
		}
		for id, bal := range cs.Balances {
			if _, dup := c.owners[id]; dup {
				return fmt.Errorf("import collection %s: item %d: %w", cs.Address.Hex(), id, ErrKindMismatch)
			}
			m := make(map[common.Address]int64, len(bal))
			for a, n := range bal {
				m[a] = n
			}
			c.balances[id] = m
		}
		for owner, ops := range cs.Operators {
			for _, op := range ops {
				c.setOperator(owner, op, true)
			}
		}
	}

	for _, ts := range st.Tokens {
		t, err := v.AddToken(ts.Address, ts.Symbol)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		t.balances = make(map[common.Address]int64, len(ts.Balances))
		t.allowances = make(map[common.Address]map[common.Address]int64, len(ts.Allowances))
		for a, b := range ts.Balances {
			t.balances[a] = b
		}
		for owner, m := range ts.Allowances {
			for s, n := range m {
				t.setAllowance(owner, s, n)
			}
		}
	}
	v.journal.Reset()
	return nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
}
