package abci

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/util"
)

// Producer is the single sequencer: every MinBlockTime it asks the app for a
// proposal and, when there is anything to apply, finalizes it as the next
// block. Empty proposals do not produce blocks.
type Producer struct {
	App          Application
	Clock        util.Clock
	MinBlockTime time.Duration
	MaxTxBytes   int64
	Logger       *zap.SugaredLogger

	// OnBlock is called after each finalized block.
	OnBlock func(height uint64, resp ResponseFinalizeBlock)
}

func NewProducer(app Application, clock util.Clock, minBlockTime time.Duration, maxTxBytes int64, logger *zap.Logger) *Producer {
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		App:          app,
		Clock:        clock,
		MinBlockTime: minBlockTime,
		MaxTxBytes:   maxTxBytes,
		Logger:       logger.Sugar(),
	}
}

// Step produces at most one block and reports whether it did.
func (p *Producer) Step() (bool, error) {
	height := p.App.LastHeight() + 1
	prop := p.App.PrepareProposal(RequestPrepareProposal{Height: height, MaxTxBytes: p.MaxTxBytes})
	if len(prop.Txs) == 0 {
		return false, nil
	}
	if resp := p.App.ProcessProposal(RequestProcessProposal{Height: height, Txs: prop.Txs}); !resp.Accept {
		return false, fmt.Errorf("block %d: proposal rejected by the application", height)
	}

	// block time never goes backwards
	ts := p.Clock.Now().Unix()
	if last := p.App.LastTimestamp(); ts < last {
		ts = last
	}

	resp, err := p.App.FinalizeBlock(RequestFinalizeBlock{Height: height, Timestamp: ts, Txs: prop.Txs})
	if err != nil {
		return false, fmt.Errorf("finalize block %d: %w", height, err)
	}
	if p.OnBlock != nil {
		p.OnBlock(height, resp)
	}
	return true, nil
}

// Run steps until ctx is done or a block fails to finalize.
func (p *Producer) Run(ctx context.Context) error {
	p.Logger.Infow("producer_started", "from_height", p.App.LastHeight()+1, "min_block_time_ms", p.MinBlockTime.Milliseconds())
	for {
		if _, err := p.Step(); err != nil {
			p.Logger.Errorw("producer_halted", "err", err)
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Clock.After(p.MinBlockTime):
		}
	}
}
