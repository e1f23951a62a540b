// Package journal provides the undo log that gives every escrow call its
// all-or-nothing behaviour. Ledgers and the reference custody implementations
// record an inverse action for each mutation they make; the caller snapshots
// before an operation and reverts to the snapshot when it fails.
package journal

import "fmt"

// Journal is an append-only list of undo actions.
// Not safe for concurrent use: the host serializes calls.
type Journal struct {
	entries []func()
}

// New creates an empty journal
func New() *Journal {
	return &Journal{}
}

// Append records the inverse of a mutation that was just applied
func (j *Journal) Append(undo func()) {
	if j == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// Snapshot returns an identifier for the current position of the journal
func (j *Journal) Snapshot() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// RevertToSnapshot undoes every mutation recorded after the snapshot, newest first
func (j *Journal) RevertToSnapshot(id int) {
	if j == nil {
		return
	}
	if id < 0 || id > len(j.entries) {
		panic(fmt.Sprintf("journal: invalid snapshot %d (len=%d)", id, len(j.entries)))
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	j.entries = j.entries[:id]
}

// Reset discards all undo actions. Only the outermost owner (the host applying
// a transaction) may call it, once the transaction is final.
func (j *Journal) Reset() {
	if j == nil {
		return
	}
	j.entries = j.entries[:0]
}

// Len returns the number of recorded undo actions
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}
