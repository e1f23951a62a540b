// Package abci drives an application through block production: proposal,
// validation and finalization, in that order, one block at a time.
package abci

import "github.com/ethereum/go-ethereum/common"

type RequestPrepareProposal struct {
	Height     uint64
	MaxTxBytes int64
}
type ResponsePrepareProposal struct{ Txs [][]byte }

type RequestProcessProposal struct {
	Height uint64
	Txs    [][]byte
}
type ResponseProcessProposal struct{ Accept bool }

type RequestFinalizeBlock struct {
	Height    uint64
	Timestamp int64 // Unix seconds
	Txs       [][]byte
}

type ResponseFinalizeBlock struct {
	TxResults []TxResult
	AppHash   common.Hash // hash of application state after the block
}

// TxResult is the outcome of one transaction in a finalized block
type TxResult struct {
	Hash common.Hash
	OK   bool
	Err  string
}

type Application interface {
	// LastHeight is the height of the last finalized block, 0 before genesis.
	LastHeight() uint64
	// LastTimestamp is the timestamp of the last finalized block.
	LastTimestamp() int64
	PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal
	ProcessProposal(RequestProcessProposal) ResponseProcessProposal
	// FinalizeBlock fails only when the block could not be made durable; the
	// node must stop in that case.
	FinalizeBlock(RequestFinalizeBlock) (ResponseFinalizeBlock, error)
}
