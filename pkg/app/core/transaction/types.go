package transaction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
)

// Kind names the operation a signed action invokes
type Kind string

const (
	KindCreateOrder  Kind = "create_order"
	KindCancelOrder  Kind = "cancel_order"
	KindBuyNow       Kind = "buy_now"
	KindBulkBuy      Kind = "bulk_buy"
	KindPlaceOffer   Kind = "place_offer"
	KindAcceptBid    Kind = "accept_bid"
	KindWithdrawBid  Kind = "withdraw_bid"
	KindRejectBid    Kind = "reject_bid"
	KindClaimFees    Kind = "claim_fees"
	KindClaimRefund  Kind = "claim_refund"
	KindApproveSrc   Kind = "approve_source"
	KindApproveAsset Kind = "approve_asset"
	KindSetFee       Kind = "set_fee"

	// custody approvals a seller or buyer grants the escrow before trading
	KindApproveOperator Kind = "approve_operator"
	KindApproveSpend    Kind = "approve_spend"
)

// Lane orders actions inside a block: admin first, then releases, then
// settlement. Lower lanes are proposed first.
type Lane int

const (
	LaneAdmin Lane = iota
	LaneRelease
	LaneSettle
)

var kinds = map[Kind]Lane{
	KindApproveSrc:      LaneAdmin,
	KindApproveAsset:    LaneAdmin,
	KindSetFee:          LaneAdmin,
	KindApproveOperator: LaneAdmin,
	KindApproveSpend:    LaneAdmin,
	KindCancelOrder:     LaneRelease,
	KindWithdrawBid:     LaneRelease,
	KindRejectBid:       LaneRelease,
	KindCreateOrder:     LaneSettle,
	KindBuyNow:          LaneSettle,
	KindBulkBuy:         LaneSettle,
	KindPlaceOffer:      LaneSettle,
	KindAcceptBid:       LaneSettle,
	KindClaimFees:       LaneSettle,
	KindClaimRefund:     LaneSettle,
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Lane of an unknown kind is LaneSettle.
func (k Kind) Lane() Lane {
	if l, ok := kinds[k]; ok {
		return l
	}
	return LaneSettle
}

// Payable reports whether the action may carry native value.
func (k Kind) Payable() bool {
	return k == KindBuyNow || k == KindBulkBuy || k == KindPlaceOffer
}

// SignedAction is the wire form of every state change. Payload carries the
// kind specific arguments as JSON; its keccak256 is bound into the signed
// EIP-712 envelope.
type SignedAction struct {
	Kind      Kind            `json:"kind"`
	Sender    common.Address  `json:"sender"`
	Nonce     uint64          `json:"nonce"`
	Value     int64           `json:"value,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type CreateOrderPayload struct {
	Source       common.Address   `json:"source"`
	Item         custody.ItemID   `json:"item"`
	Quantity     custody.Quantity `json:"quantity"`
	UnitPrice    int64            `json:"unit_price"`
	PaymentAsset common.Address   `json:"payment_asset"`
	ExpiresAt    int64            `json:"expires_at"`
}

type OrderRef struct {
	OrderID uint64 `json:"order_id"`
}

type BuyNowPayload struct {
	OrderID  uint64 `json:"order_id"`
	Quantity int64  `json:"quantity"`
}

type BulkBuyPayload struct {
	OrderIDs   []uint64 `json:"order_ids"`
	Quantities []int64  `json:"quantities"`
}

type PlaceOfferPayload struct {
	OrderID   uint64 `json:"order_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	ExpiresAt int64  `json:"expires_at"`
}

// BidRef addresses one bid for accept, withdraw and reject.
type BidRef struct {
	OrderID uint64 `json:"order_id"`
	BidID   uint64 `json:"bid_id"`
}

type ClaimFeesPayload struct {
	Asset     common.Address `json:"asset"`
	Recipient common.Address `json:"recipient"`
}

type AssetRef struct {
	Asset common.Address `json:"asset"`
}

type SourceRef struct {
	Source common.Address `json:"source"`
}

type SetFeePayload struct {
	Bps int64 `json:"bps"`
}

type ApproveOperatorPayload struct {
	Source   common.Address `json:"source"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

type ApproveSpendPayload struct {
	Asset   common.Address `json:"asset"`
	Spender common.Address `json:"spender"`
	Amount  int64          `json:"amount"`
}

// NewPayload returns a zero payload of the type kind expects.
func NewPayload(kind Kind) (any, error) {
	switch kind {
	case KindCreateOrder:
		return &CreateOrderPayload{}, nil
	case KindCancelOrder:
		return &OrderRef{}, nil
	case KindBuyNow:
		return &BuyNowPayload{}, nil
	case KindBulkBuy:
		return &BulkBuyPayload{}, nil
	case KindPlaceOffer:
		return &PlaceOfferPayload{}, nil
	case KindAcceptBid, KindWithdrawBid, KindRejectBid:
		return &BidRef{}, nil
	case KindClaimFees:
		return &ClaimFeesPayload{}, nil
	case KindClaimRefund, KindApproveAsset:
		return &AssetRef{}, nil
	case KindApproveSrc:
		return &SourceRef{}, nil
	case KindSetFee:
		return &SetFeePayload{}, nil
	case KindApproveOperator:
		return &ApproveOperatorPayload{}, nil
	case KindApproveSpend:
		return &ApproveSpendPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown action kind: %q", kind)
	}
}

// DecodePayload parses the payload into the kind's type. Unknown fields are
// rejected so that two payloads with the same meaning cannot differ.
func (a *SignedAction) DecodePayload() (any, error) {
	p, err := NewPayload(a.Kind)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(a.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", a.Kind, err)
	}
	return p, nil
}

// Envelope is the typed data the sender signs.
func (a *SignedAction) Envelope() *crypto.ActionEIP712 {
	return &crypto.ActionEIP712{
		Kind:        string(a.Kind),
		Sender:      a.Sender,
		Nonce:       new(big.Int).SetUint64(a.Nonce),
		Value:       big.NewInt(a.Value),
		PayloadHash: crypto.PayloadHash(a.Payload),
	}
}

// Hash identifies the action in receipts. Two submissions of the same signed
// action hash alike.
func (a *SignedAction) Hash() common.Hash {
	b, _ := a.Serialize()
	return ethCrypto.Keccak256Hash(b)
}

func (a *SignedAction) Serialize() ([]byte, error) {
	return json.Marshal(a)
}

// Deserialize parses and structurally validates an action.
func Deserialize(data []byte) (*SignedAction, error) {
	var a SignedAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}
	return &a, nil
}

// Validate checks the envelope shape. Argument checks belong to the engine.
func (a *SignedAction) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown action kind: %q", a.Kind)
	}
	if a.Sender == (common.Address{}) {
		return errors.New("missing sender")
	}
	if a.Signature == "" {
		return errors.New("missing signature")
	}
	if a.Value < 0 {
		return fmt.Errorf("negative value %d", a.Value)
	}
	if len(a.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

// Example:
//   {
//     "kind": "buy_now",
//     "sender": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//     "nonce": 3,
//     "value": 300,
//     "payload": {"order_id": 1, "quantity": 3},
//     "signature": "0x..."
//   }
