package api

import (
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/market"
)

// API response types for REST endpoints and WebSocket messages.
// Amounts are integer base units of the payment asset.

// ==============================
// REST Response Types
// ==============================

// OrderInfo is an open listing held in escrow
type OrderInfo struct {
	ID           uint64 `json:"id"`
	Source       string `json:"source"`
	Item         uint64 `json:"item"`
	Standard     string `json:"standard"` // "singular" or "counted"
	UnitPrice    int64  `json:"unitPrice"`
	Remaining    int64  `json:"remaining"`
	Seller       string `json:"seller"`
	PaymentAsset string `json:"paymentAsset"` // zero address = native
	CreatedAt    int64  `json:"createdAt"`    // Unix seconds
	ExpiresAt    int64  `json:"expiresAt"`
}

// BidInfo is a pre-funded offer on an order
type BidInfo struct {
	OrderID      uint64 `json:"orderId"`
	ID           uint64 `json:"id"`
	Bidder       string `json:"bidder"`
	UnitPrice    int64  `json:"unitPrice"`
	Quantity     int64  `json:"quantity"`
	Locked       int64  `json:"locked"`
	PaymentAsset string `json:"paymentAsset"`
	ExpiresAt    int64  `json:"expiresAt"`
	Status       string `json:"status"` // "placed" | "accepted" | "rejected" | "withdrawn"
}

type FeeInfo struct {
	Asset     string `json:"asset"`
	Generated int64  `json:"generated"`
	Claimed   int64  `json:"claimed"`
	Claimable int64  `json:"claimable"`
}

type RegistryInfo struct {
	ItemSources   []string `json:"itemSources"`
	PaymentAssets []string `json:"paymentAssets"`
}

type BalanceInfo struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
}

type ItemBalanceInfo struct {
	Source string `json:"source"`
	Item   uint64 `json:"item"`
	Owner  string `json:"owner"`
	Units  int64  `json:"units"`
}

type NonceInfo struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"` // last applied; the next action must exceed it
}

// ChainStatus is the head of the local chain
type ChainStatus struct {
	Height      uint64 `json:"height"`
	Timestamp   int64  `json:"timestamp"`
	AppHash     string `json:"appHash"`
	MempoolSize int    `json:"mempoolSize"`
}

// SubmitTxResponse is the response from POST /api/v1/tx
type SubmitTxResponse struct {
	Status string `json:"status"` // "queued"
	Hash   string `json:"hash"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"` // "receipt", "subscribed", "unsubscribed", "error"
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["events", "order:1", "account:0x..."]
}

// ==============================
// Conversions
// ==============================

func toOrderInfo(o escrow.Order) OrderInfo {
	return OrderInfo{
		ID:           o.ID,
		Source:       o.Source.Hex(),
		Item:         uint64(o.Item),
		Standard:     o.Kind.String(),
		UnitPrice:    o.UnitPrice,
		Remaining:    o.Remaining,
		Seller:       o.Seller.Hex(),
		PaymentAsset: o.PaymentAsset.Hex(),
		CreatedAt:    o.CreatedAt,
		ExpiresAt:    o.ExpiresAt,
	}
}

func toBidInfo(b escrow.Bid) BidInfo {
	return BidInfo{
		OrderID:      b.OrderID,
		ID:           b.ID,
		Bidder:       b.Bidder.Hex(),
		UnitPrice:    b.UnitPrice,
		Quantity:     b.Quantity,
		Locked:       b.Locked,
		PaymentAsset: b.PaymentAsset.Hex(),
		ExpiresAt:    b.ExpiresAt,
		Status:       b.Status.String(),
	}
}

func toStatus(info market.Info, pending int) ChainStatus {
	return ChainStatus{
		Height:      info.Height,
		Timestamp:   info.Timestamp,
		AppHash:     info.AppHash.Hex(),
		MempoolSize: pending,
	}
}
