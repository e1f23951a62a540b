// Package custody is the uniform transfer abstraction the escrow engine uses to
// move items and value. Every transfer either completes in full or returns an
// error with nothing moved.
//
// The interfaces describe what the engine needs from external collaborators.
// Vault, Collection, Token and Native are the in-process reference
// implementations used by the node and by tests; they record every mutation
// in the shared journal so the host can revert a failed call.
package custody

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ItemID identifies an item inside an item source
type ItemID uint64

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNotApproved           = errors.New("operator not approved")
	ErrNotOwner              = errors.New("not item owner")
	ErrRejectedReceipt       = errors.New("receiver rejected transfer")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrKindMismatch          = errors.New("item standard mismatch")
	ErrItemExists            = errors.New("item already minted")
	ErrZeroAddress           = errors.New("transfer to zero address")
)

// Acknowledgment codes a receiver returns to accept pushed items
var (
	AckSingular     = [4]byte{0x15, 0x0b, 0x7a, 0x02}
	AckCounted      = [4]byte{0xf2, 0x3a, 0x6e, 0x61}
	AckCountedBatch = [4]byte{0xbc, 0x19, 0x7c, 0x81}
)

// ItemSource moves units of an identified item between two parties
type ItemSource interface {
	Transfer(operator, from, to common.Address, item ItemID, qty Quantity) error
	BalanceOf(owner common.Address, item ItemID) int64
	SetApprovalForAll(owner, operator common.Address, approved bool)
	IsApprovedForAll(owner, operator common.Address) bool
}

// PaymentAsset is a fungible asset supporting pull (TransferFrom, needs a
// prior Approve by the payer) and push (Transfer) movements
type PaymentAsset interface {
	Transfer(from, to common.Address, amount int64) error
	TransferFrom(spender, from, to common.Address, amount int64) error
	Approve(owner, spender common.Address, amount int64)
	Allowance(owner, spender common.Address) int64
	BalanceOf(owner common.Address) int64
}

// NativeBank moves native currency. Pulls never happen: native value is
// attached to the triggering call and moved by the host.
type NativeBank interface {
	Transfer(from, to common.Address, amount int64) error
	BalanceOf(owner common.Address) int64
}

// Receiver is implemented by parties that accept pushed items. Item sources
// call it after moving units to the receiver and fail the transfer unless the
// matching acknowledgment code comes back.
type Receiver interface {
	OnSingularReceived(operator, from common.Address, item ItemID) [4]byte
	OnCountedReceived(operator, from common.Address, item ItemID, units int64) [4]byte
	OnCountedBatchReceived(operator, from common.Address, items []ItemID, units []int64) [4]byte
}

// Directory resolves addresses to the collaborators behind them
type Directory interface {
	ItemSource(addr common.Address) (ItemSource, bool)
	PaymentAsset(addr common.Address) (PaymentAsset, bool)
	Native() NativeBank
}
