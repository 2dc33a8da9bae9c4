// Package ethsync follows the bridge contract's log stream and feeds the
// decoded events into the operation machinery.
package ethsync

import (
	"context"

	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/etherman"
	"github.com/btfbridge-io/bridge-go/scheduler"
)

// maxBlocksPerRun caps one fetch so a node far behind the chain head catches
// up in bounded chunks.
const maxBlocksPerRun = 1000

// lockName keys the fetcher's TaskLock entry.
const lockName = "ethsync/fetch_logs"

// EventHandler receives the decoded bridge events in log order.
type EventHandler interface {
	HandleMinted(event *agreement.MintTokenEvent) error
	HandleBurnt(event *agreement.BurnTokenEvent) error
	HandleNotify(event *agreement.NotifyMinterEvent) error
}

// logFetcher is the etherman subset the syncer needs.
type logFetcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FetchBridgeEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*etherman.BridgeEvent, error)
}

// Syncer fetches bridge contract logs from the cursor block to the chain
// head and dispatches them. The cursor only advances past a block once every
// event in it was handled.
type Syncer struct {
	cfg     *config.Storage
	eth     logFetcher
	handler EventHandler
	lock    *scheduler.TaskLock
}

func New(cfg *config.Storage, eth logFetcher, handler EventHandler, lock *scheduler.TaskLock) *Syncer {
	return &Syncer{cfg: cfg, eth: eth, handler: handler, lock: lock}
}

// Run performs one fetch round. Concurrent rounds are excluded through the
// task lock; an overlapping call returns without doing anything.
func (s *Syncer) Run(ctx context.Context) error {
	_, err := s.lock.WithLock(lockName, func() error {
		return s.fetchOnce(ctx)
	})
	return err
}

func (s *Syncer) fetchOnce(ctx context.Context) error {
	params, err := s.cfg.EvmParams()
	if err != nil {
		return err
	}

	latest, err := s.eth.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if params.NextBlock > latest {
		return nil
	}

	toBlock := latest
	if toBlock-params.NextBlock >= maxBlocksPerRun {
		toBlock = params.NextBlock + maxBlocksPerRun - 1
	}

	events, err := s.eth.FetchBridgeEvents(ctx, params.NextBlock, toBlock)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := s.dispatch(event); err != nil {
			return err
		}
	}

	if len(events) > 0 {
		logger.WithFields(logger.Fields{
			"from":   params.NextBlock,
			"to":     toBlock,
			"events": len(events),
		}).Info("bridge events processed")
	}

	_, err = s.cfg.UpdateEvmParams(func(p *config.EvmParams) {
		if toBlock+1 > p.NextBlock {
			p.NextBlock = toBlock + 1
		}
	})
	return err
}

func (s *Syncer) dispatch(event *etherman.BridgeEvent) error {
	switch {
	case event.Minted != nil:
		return s.handler.HandleMinted(event.Minted)
	case event.Burnt != nil:
		return s.handler.HandleBurnt(event.Burnt)
	case event.Notified != nil:
		return s.handler.HandleNotify(event.Notified)
	default:
		logger.Warnf("empty bridge event in tx %s skipped", event.TxHash)
		return nil
	}
}
