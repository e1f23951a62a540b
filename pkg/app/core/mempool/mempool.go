package mempool

import (
	"encoding/json"
	"sync"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/transaction"
)

// Classify reads only the envelope kind. Malformed input lands in the
// settlement lane and is rejected when the block applies it.
func Classify(b []byte) transaction.Lane {
	if len(b) == 0 || b[0] != '{' {
		return transaction.LaneSettle
	}
	var envelope struct {
		Kind transaction.Kind `json:"kind"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return transaction.LaneSettle
	}
	return envelope.Kind.Lane()
}

// Mempool keeps one FIFO queue per lane:
// (1) admin and approvals, (2) cancels, withdrawals and rejects, (3) settlement.
type Mempool struct {
	mu    sync.Mutex
	lanes [transaction.LaneSettle + 1][][]byte
}

func NewMempool() *Mempool {
	return &Mempool{}
}

// PushRaw classifies and enqueues a copy of b.
func (m *Mempool) PushRaw(b []byte) {
	cp := append([]byte(nil), b...)
	lane := Classify(b)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lanes[lane] = append(m.lanes[lane], cp)
}

// SelectForProposal removes and returns up to maxBytes worth of txs in lane
// order. maxBytes <= 0 means no limit. A tx that does not fit stops its lane
// but later lanes may still fill the remaining space.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64

	pull := func(q *[][]byte) {
		for len(*q) > 0 {
			tx := (*q)[0]
			n := int64(len(tx))
			if maxBytes > 0 && used+n > maxBytes {
				return
			}
			out = append(out, tx)
			used += n
			(*q)[0] = nil
			*q = (*q)[1:]
		}
	}

	for i := range m.lanes {
		pull(&m.lanes[i])
	}
	return out
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.lanes {
		n += len(q)
	}
	return n
}
