package custody

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	escrow = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	items  = common.HexToAddress("0x0000000000000000000000000000000000001001")
	usd    = common.HexToAddress("0x0000000000000000000000000000000000002002")
)

type ackReceiver struct {
	singular, counted, batch [4]byte
	calls                    int
}

func (r *ackReceiver) OnSingularReceived(common.Address, common.Address, ItemID) [4]byte {
	r.calls++
	return r.singular
}

func (r *ackReceiver) OnCountedReceived(common.Address, common.Address, ItemID, int64) [4]byte {
	r.calls++
	return r.counted
}

func (r *ackReceiver) OnCountedBatchReceived(common.Address, common.Address, []ItemID, []int64) [4]byte {
	r.calls++
	return r.batch
}

func TestQuantityUnits(t *testing.T) {
	tests := []struct {
		name    string
		q       Quantity
		units   int64
		invalid bool
	}{
		{"singular", Singular(), 1, false},
		{"counted", Counted(7), 7, false},
		{"counted zero", Counted(0), 0, true},
		{"counted negative", Counted(-2), -2, true},
		{"zero value", Quantity{}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Units(); got != tt.units {
				t.Errorf("Units() = %d, want %d", got, tt.units)
			}
			err := tt.q.Validate()
			if tt.invalid && !errors.Is(err, ErrInvalidQuantity) {
				t.Errorf("Validate() = %v, want ErrInvalidQuantity", err)
			}
			if !tt.invalid && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestQuantityJSON(t *testing.T) {
	data, err := json.Marshal(Counted(3))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"kind":"counted","count":3}` {
		t.Errorf("json = %s", data)
	}

	var q Quantity
	if err := json.Unmarshal([]byte(`{"kind":"singular"}`), &q); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !q.IsSingular() {
		t.Errorf("decoded %v, want singular", q)
	}
	if err := json.Unmarshal([]byte(`{"kind":"fractional"}`), &q); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("unknown kind error = %v", err)
	}
}

func TestCollectionSingularTransfer(t *testing.T) {
	v := NewVault(nil)
	c := v.AddCollection(items)
	if err := c.MintSingular(alice, 1); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// escrow is not approved yet
	if err := c.Transfer(escrow, alice, escrow, 1, Singular()); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("unapproved transfer error = %v", err)
	}

	c.SetApprovalForAll(alice, escrow, true)
	if err := c.Transfer(escrow, alice, escrow, 1, Singular()); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if owner, _ := c.OwnerOf(1); owner != escrow {
		t.Errorf("owner = %s, want escrow", owner.Hex())
	}
	if c.BalanceOf(alice, 1) != 0 || c.BalanceOf(escrow, 1) != 1 {
		t.Errorf("balances alice=%d escrow=%d", c.BalanceOf(alice, 1), c.BalanceOf(escrow, 1))
	}

	// counted quantity against a singular item
	if err := c.Transfer(escrow, escrow, bob, 1, Counted(1)); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("kind mismatch error = %v", err)
	}
}

func TestCollectionCountedTransfer(t *testing.T) {
	v := NewVault(nil)
	c := v.AddCollection(items)
	if err := c.MintCounted(alice, 9, 5); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := c.Transfer(alice, alice, bob, 9, Counted(6)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw error = %v", err)
	}
	if err := c.Transfer(alice, alice, bob, 9, Counted(2)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if c.BalanceOf(alice, 9) != 3 || c.BalanceOf(bob, 9) != 2 {
		t.Errorf("balances alice=%d bob=%d", c.BalanceOf(alice, 9), c.BalanceOf(bob, 9))
	}
	if err := c.MintSingular(alice, 9); !errors.Is(err, ErrItemExists) && !errors.Is(err, ErrKindMismatch) {
		t.Errorf("singular mint over counted item error = %v", err)
	}
}

func TestReceiverAcknowledgment(t *testing.T) {
	v := NewVault(nil)
	c := v.AddCollection(items)
	if err := c.MintCounted(alice, 1, 4); err != nil {
		t.Fatal(err)
	}
	if err := c.MintSingular(alice, 2); err != nil {
		t.Fatal(err)
	}

	good := &ackReceiver{singular: AckSingular, counted: AckCounted, batch: AckCountedBatch}
	v.RegisterReceiver(escrow, good)
	if err := c.Transfer(alice, alice, escrow, 1, Counted(4)); err != nil {
		t.Fatalf("acknowledged counted transfer: %v", err)
	}
	if err := c.Transfer(alice, alice, escrow, 2, Singular()); err != nil {
		t.Fatalf("acknowledged singular transfer: %v", err)
	}
	if good.calls != 2 {
		t.Errorf("receiver calls = %d, want 2", good.calls)
	}

	// swapped codes are rejected and nothing moves
	bad := &ackReceiver{singular: AckCounted, counted: AckSingular}
	v.RegisterReceiver(bob, bad)
	if err := c.Transfer(escrow, escrow, bob, 1, Counted(1)); !errors.Is(err, ErrRejectedReceipt) {
		t.Fatalf("rejected transfer error = %v", err)
	}
	if c.BalanceOf(escrow, 1) != 4 || c.BalanceOf(bob, 1) != 0 {
		t.Errorf("rejected transfer moved units: escrow=%d bob=%d", c.BalanceOf(escrow, 1), c.BalanceOf(bob, 1))
	}
	if err := c.Transfer(escrow, escrow, bob, 2, Singular()); !errors.Is(err, ErrRejectedReceipt) {
		t.Fatalf("rejected singular error = %v", err)
	}
	if owner, _ := c.OwnerOf(2); owner != escrow {
		t.Errorf("rejected singular moved owner to %s", owner.Hex())
	}
}

func TestTokenTransferFrom(t *testing.T) {
	v := NewVault(nil)
	tok, err := v.AddToken(usd, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if err := tok.Mint(alice, 1000); err != nil {
		t.Fatal(err)
	}

	if err := tok.TransferFrom(escrow, alice, escrow, 300); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("pull without allowance error = %v", err)
	}

	tok.Approve(alice, escrow, 500)
	if err := tok.TransferFrom(escrow, alice, escrow, 300); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := tok.Allowance(alice, escrow); got != 200 {
		t.Errorf("allowance = %d, want 200", got)
	}
	if tok.BalanceOf(alice) != 700 || tok.BalanceOf(escrow) != 300 {
		t.Errorf("balances alice=%d escrow=%d", tok.BalanceOf(alice), tok.BalanceOf(escrow))
	}

	if err := tok.Transfer(escrow, bob, 400); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraw error = %v", err)
	}
	if _, err := v.AddToken(common.Address{}, "ETH"); err == nil {
		t.Error("zero address token should be refused")
	}
}

func TestHookFailureRevertsMovement(t *testing.T) {
	v := NewVault(nil)
	tok, _ := v.AddToken(usd, "USD")
	if err := tok.Mint(alice, 100); err != nil {
		t.Fatal(err)
	}
	hookErr := errors.New("recipient reverted")
	tok.Hook = func(from, to common.Address, amount int64) error {
		if to == bob {
			return hookErr
		}
		return nil
	}

	tok.Approve(alice, escrow, 100)
	if err := tok.TransferFrom(escrow, alice, bob, 60); !errors.Is(err, hookErr) {
		t.Fatalf("hook error = %v", err)
	}
	if tok.BalanceOf(alice) != 100 || tok.BalanceOf(bob) != 0 {
		t.Errorf("balances after failed pull alice=%d bob=%d", tok.BalanceOf(alice), tok.BalanceOf(bob))
	}
	if tok.Allowance(alice, escrow) != 100 {
		t.Errorf("allowance after failed pull = %d, want 100", tok.Allowance(alice, escrow))
	}
}

func TestNativeTransfer(t *testing.T) {
	v := NewVault(nil)
	n := v.NativeLedger()
	if err := n.Mint(alice, 50); err != nil {
		t.Fatal(err)
	}
	if err := n.Transfer(alice, bob, 80); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw error = %v", err)
	}
	if err := n.Transfer(alice, bob, 20); err != nil {
		t.Fatal(err)
	}
	if err := n.Transfer(alice, bob, 0); err != nil {
		t.Errorf("zero transfer should be a no-op, got %v", err)
	}
	if v.Native().BalanceOf(alice) != 30 || v.Native().BalanceOf(bob) != 20 {
		t.Errorf("balances alice=%d bob=%d", n.BalanceOf(alice), n.BalanceOf(bob))
	}
}

func TestJournalRevertAcrossLedgers(t *testing.T) {
	v := NewVault(nil)
	c := v.AddCollection(items)
	tok, _ := v.AddToken(usd, "USD")
	_ = c.MintCounted(alice, 1, 3)
	_ = tok.Mint(bob, 90)
	v.Journal().Reset()

	snap := v.Journal().Snapshot()
	if err := c.Transfer(alice, alice, bob, 1, Counted(3)); err != nil {
		t.Fatal(err)
	}
	if err := tok.Transfer(bob, alice, 90); err != nil {
		t.Fatal(err)
	}
	v.Journal().RevertToSnapshot(snap)

	if c.BalanceOf(alice, 1) != 3 || c.BalanceOf(bob, 1) != 0 {
		t.Errorf("items not reverted: alice=%d bob=%d", c.BalanceOf(alice, 1), c.BalanceOf(bob, 1))
	}
	if tok.BalanceOf(bob) != 90 || tok.BalanceOf(alice) != 0 {
		t.Errorf("tokens not reverted: alice=%d bob=%d", tok.BalanceOf(alice), tok.BalanceOf(bob))
	}
}

func TestExportImport(t *testing.T) {
	v := NewVault(nil)
	c := v.AddCollection(items)
	tok, _ := v.AddToken(usd, "USD")
	_ = c.MintSingular(alice, 1)
	_ = c.MintCounted(bob, 2, 10)
	c.SetApprovalForAll(alice, escrow, true)
	_ = tok.Mint(alice, 500)
	tok.Approve(alice, escrow, 200)
	_ = v.NativeLedger().Mint(bob, 77)

	data, err := json.Marshal(v.Export())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	w := NewVault(nil)
	if err := w.Import(st); err != nil {
		t.Fatalf("import: %v", err)
	}
	wc, ok := w.Collection(items)
	if !ok {
		t.Fatal("collection missing after import")
	}
	if owner, _ := wc.OwnerOf(1); owner != alice {
		t.Errorf("owner = %s", owner.Hex())
	}
	if wc.BalanceOf(bob, 2) != 10 || !wc.IsApprovedForAll(alice, escrow) {
		t.Errorf("collection state lost: bal=%d approved=%v", wc.BalanceOf(bob, 2), wc.IsApprovedForAll(alice, escrow))
	}
	wt, _ := w.Token(usd)
	if wt.BalanceOf(alice) != 500 || wt.Allowance(alice, escrow) != 200 {
		t.Errorf("token state lost: bal=%d allowance=%d", wt.BalanceOf(alice), wt.Allowance(alice, escrow))
	}
	if w.Native().BalanceOf(bob) != 77 {
		t.Errorf("native balance = %d", w.Native().BalanceOf(bob))
	}
	if w.Journal().Len() != 0 {
		t.Errorf("import left %d journal entries", w.Journal().Len())
	}
}
