package market

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/transaction"
)

// Receipt is the recorded outcome of one transaction in a block.
type Receipt struct {
	TxHash    common.Hash      `json:"tx_hash"`
	Height    uint64           `json:"height"`
	Index     int              `json:"index"`
	Kind      transaction.Kind `json:"kind,omitempty"`
	Sender    common.Address   `json:"sender"`
	Nonce     uint64           `json:"nonce"`
	OK        bool             `json:"ok"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`

	OrderID *uint64        `json:"order_id,omitempty"`
	BidID   *uint64        `json:"bid_id,omitempty"`
	Amount  *int64         `json:"amount,omitempty"`
	Bulk    []BulkOutcome  `json:"bulk,omitempty"`
	Events  []escrow.Event `json:"events,omitempty"`
}

type BulkOutcome struct {
	OrderID  uint64 `json:"order_id"`
	Quantity int64  `json:"quantity"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Rejection reasons raised before the engine runs. Engine failures use the
// engine's error kinds (validation, authorization, state, transfer).
const (
	ReasonDecode    = "decode"
	ReasonSignature = "signature"
	ReasonNonce     = "nonce"
)

var (
	ErrUnknownSource = errors.New("unknown item source")
	ErrUnknownAsset  = errors.New("unknown payment asset")
)

// hostError is a failure of a custody action applied by the host directly.
type hostError struct {
	kind escrow.ErrorKind
	err  error
}

func (e *hostError) Error() string { return e.err.Error() }
func (e *hostError) Unwrap() error { return e.err }

func hostErr(kind escrow.ErrorKind, format string, args ...any) error {
	return &hostError{kind: kind, err: fmt.Errorf(format, args...)}
}

// errorKind names err for receipts and metrics.
func errorKind(err error) string {
	if k := escrow.KindOf(err); k != 0 {
		return k.String()
	}
	var he *hostError
	if errors.As(err, &he) {
		return he.kind.String()
	}
	return "unknown"
}

func (r *Receipt) fail(reason string, err error) {
	r.OK = false
	r.ErrorKind = reason
	r.Error = err.Error()
}

func u64(v uint64) *uint64 { return &v }
func i64(v int64) *int64   { return &v }
