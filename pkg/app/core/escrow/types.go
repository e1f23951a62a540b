package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
)

const (
	BpsDenominator           = 10000
	DefaultPlatformFeeBps    = 250
	DefaultMaxPlatformFeeBps = 500
)

// Call carries the identity of the caller and the native value attached to it
type Call struct {
	Caller common.Address
	Value  int64
}

// Order is a seller's listing of units held in custody
type Order struct {
	ID           uint64         `json:"id"`
	Source       common.Address `json:"source"`
	Item         custody.ItemID `json:"item"`
	Kind         custody.Kind   `json:"kind"`
	UnitPrice    int64          `json:"unit_price"`
	Remaining    int64          `json:"remaining"`
	Seller       common.Address `json:"seller"`
	CreatedAt    int64          `json:"created_at"`
	ExpiresAt    int64          `json:"expires_at"`
	PaymentAsset common.Address `json:"payment_asset"`
}

// IsNative reports whether the order is priced in native currency
func (o Order) IsNative() bool { return o.PaymentAsset == (common.Address{}) }

// quantity converts a unit count into the matching custody quantity
func (o Order) quantity(units int64) custody.Quantity {
	if o.Kind == custody.KindSingular {
		return custody.Singular()
	}
	return custody.Counted(units)
}

type BidStatus uint8

const (
	BidPlaced BidStatus = iota
	BidAccepted
	BidRejected
	BidWithdrawn
)

func (s BidStatus) String() string {
	switch s {
	case BidPlaced:
		return "placed"
	case BidAccepted:
		return "accepted"
	case BidRejected:
		return "rejected"
	case BidWithdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

func (s BidStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BidStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "placed":
		*s = BidPlaced
	case "accepted":
		*s = BidAccepted
	case "rejected":
		*s = BidRejected
	case "withdrawn":
		*s = BidWithdrawn
	default:
		return fmt.Errorf("unknown bid status %q", b)
	}
	return nil
}

// Bid is a pre-funded counter-offer. Locked always equals Quantity * UnitPrice.
type Bid struct {
	OrderID      uint64         `json:"order_id"`
	ID           uint64         `json:"id"`
	Bidder       common.Address `json:"bidder"`
	UnitPrice    int64          `json:"unit_price"`
	Quantity     int64          `json:"quantity"`
	Locked       int64          `json:"locked"`
	PaymentAsset common.Address `json:"payment_asset"`
	ExpiresAt    int64          `json:"expires_at"`
	Status       BidStatus      `json:"status"`
}

// FeeEntry tracks platform fees for one payment asset. Claimed <= Generated.
type FeeEntry struct {
	Generated int64 `json:"generated"`
	Claimed   int64 `json:"claimed"`
}

// Claimable is the amount the operator can still withdraw
func (f FeeEntry) Claimable() int64 { return f.Generated - f.Claimed }

// RefundMode selects how bids are returned when an order closes
type RefundMode uint8

const (
	// RefundPush sends every locked amount back inside the closing call.
	// A bidder whose transfer fails blocks the fill or cancel.
	RefundPush RefundMode = iota
	// RefundCredit records the amount as a withdrawable credit instead
	RefundCredit
)

func (m RefundMode) String() string {
	if m == RefundCredit {
		return "credit"
	}
	return "push"
}

// ParseRefundMode accepts "push" or "credit" (case-insensitive)
func ParseRefundMode(s string) (RefundMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "push":
		return RefundPush, nil
	case "credit":
		return RefundCredit, nil
	default:
		return RefundPush, fmt.Errorf("unknown refund mode %q", s)
	}
}

// Config holds the engine's injected parameters
type Config struct {
	Address           common.Address // custody account of the escrow
	Operator          common.Address // privileged caller
	PlatformFeeBps    int64
	MaxPlatformFeeBps int64
	RefundMode        RefundMode
}

func DefaultConfig(address, operator common.Address) Config {
	return Config{
		Address:           address,
		Operator:          operator,
		PlatformFeeBps:    DefaultPlatformFeeBps,
		MaxPlatformFeeBps: DefaultMaxPlatformFeeBps,
		RefundMode:        RefundPush,
	}
}

func (c Config) Validate() error {
	if c.Address == (common.Address{}) {
		return fmt.Errorf("escrow address is required")
	}
	if c.Operator == (common.Address{}) {
		return fmt.Errorf("operator address is required")
	}
	if c.MaxPlatformFeeBps < 0 || c.MaxPlatformFeeBps > BpsDenominator {
		return fmt.Errorf("max platform fee %d bps out of range", c.MaxPlatformFeeBps)
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > c.MaxPlatformFeeBps {
		return fmt.Errorf("platform fee %d bps exceeds max %d", c.PlatformFeeBps, c.MaxPlatformFeeBps)
	}
	return nil
}

// BulkResult reports the outcome of one purchase inside a bulk buy
type BulkResult struct {
	OrderID  uint64 `json:"order_id"`
	Quantity int64  `json:"quantity"`
	Err      error  `json:"-"`
}

// OK reports whether the purchase went through
func (r BulkResult) OK() bool { return r.Err == nil }
