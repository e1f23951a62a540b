package escrow

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
)

// The engine accepts every item pushed to it. Acknowledging never touches
// state, so these are safe to call while an operation is running.

// OnSingularReceived acknowledges a singular item pushed into custody
func (e *Engine) OnSingularReceived(operator, from common.Address, item custody.ItemID) [4]byte {
	return custody.AckSingular
}

// OnCountedReceived acknowledges counted units pushed into custody
func (e *Engine) OnCountedReceived(operator, from common.Address, item custody.ItemID, units int64) [4]byte {
	return custody.AckCounted
}

// OnCountedBatchReceived acknowledges a batch of counted units pushed into custody
func (e *Engine) OnCountedBatchReceived(operator, from common.Address, items []custody.ItemID, units []int64) [4]byte {
	return custody.AckCountedBatch
}

var _ custody.Receiver = (*Engine)(nil)
