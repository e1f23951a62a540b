package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	st:<name>       → state component, replaced as a whole on every commit
//	meta:height     → height of the stored state (8-byte big-endian)
//	blk:<height>    → Block (8-byte big-endian height, gob)
//	rcpt:<tx hash>  → receipt bytes, opaque to the store
const (
	prefixState   = "st:"
	prefixBlock   = "blk:"
	prefixReceipt = "rcpt:"
	keyHeight     = "meta:height"
)

func stateKey(name string) []byte {
	return append([]byte(prefixState), name...)
}

func blockKey(height uint64) []byte {
	return append([]byte(prefixBlock), heightBytes(height)...)
}

func receiptKey(h common.Hash) []byte {
	return append([]byte(prefixReceipt), h[:]...)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func heightBytes(h uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], h)
	return k[:]
}
