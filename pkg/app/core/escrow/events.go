package escrow

import "github.com/ethereum/go-ethereum/common"

type EventKind string

const (
	EventOrderCreated   EventKind = "order_created"
	EventOrderCancelled EventKind = "order_cancelled"
	EventOrderClosed    EventKind = "order_closed"
	EventPurchase       EventKind = "purchase"
	EventBidPlaced      EventKind = "bid_placed"
	EventBidAccepted    EventKind = "bid_accepted"
	EventBidRejected    EventKind = "bid_rejected"
	EventBidWithdrawn   EventKind = "bid_withdrawn"
	EventRefundCredited EventKind = "refund_credited"
	EventRefundClaimed  EventKind = "refund_claimed"
	EventFeesClaimed    EventKind = "fees_claimed"
	EventFeeUpdated     EventKind = "fee_updated"
	EventSourceApproved EventKind = "item_source_approved"
	EventAssetApproved  EventKind = "payment_asset_approved"
)

// Event describes one state change made by a successful operation.
// Failed operations publish nothing.
type Event struct {
	Kind         EventKind      `json:"kind"`
	OrderID      uint64         `json:"order_id,omitempty"`
	BidID        *uint64        `json:"bid_id,omitempty"`
	Account      common.Address `json:"account"`
	Counterparty common.Address `json:"counterparty,omitempty"`
	Asset        common.Address `json:"asset"`
	Units        int64          `json:"units,omitempty"`
	Amount       int64          `json:"amount,omitempty"`
	Fee          int64          `json:"fee,omitempty"`
}

func bidRef(id uint64) *uint64 { return &id }
