package ethsync

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/database"
	"github.com/btfbridge-io/bridge-go/etherman"
	"github.com/btfbridge-io/bridge-go/scheduler"
)

type recordingHandler struct {
	minted   []*agreement.MintTokenEvent
	burnt    []*agreement.BurnTokenEvent
	notified []*agreement.NotifyMinterEvent
	fail     error
}

func (h *recordingHandler) HandleMinted(e *agreement.MintTokenEvent) error {
	if h.fail != nil {
		return h.fail
	}
	h.minted = append(h.minted, e)
	return nil
}

func (h *recordingHandler) HandleBurnt(e *agreement.BurnTokenEvent) error {
	h.burnt = append(h.burnt, e)
	return nil
}

func (h *recordingHandler) HandleNotify(e *agreement.NotifyMinterEvent) error {
	h.notified = append(h.notified, e)
	return nil
}

type fakeFetcher struct {
	latest uint64
	events map[uint64][]*etherman.BridgeEvent

	calls [][2]uint64
}

func (f *fakeFetcher) BlockNumber(_ context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeFetcher) FetchBridgeEvents(_ context.Context, from, to uint64) ([]*etherman.BridgeEvent, error) {
	f.calls = append(f.calls, [2]uint64{from, to})
	var out []*etherman.BridgeEvent
	for b := from; b <= to; b++ {
		out = append(out, f.events[b]...)
	}
	return out, nil
}

type syncEnv struct {
	cfg     *config.Storage
	eth     *fakeFetcher
	handler *recordingHandler
	syncer  *Syncer
}

func newTestSyncEnv(t *testing.T, nextBlock, latest uint64) *syncEnv {
	db := database.OpenMemory()
	t.Cleanup(func() { db.Close() })

	cfg, err := config.NewStorage(db)
	assert.NoError(t, err)
	assert.NoError(t, cfg.SetEvmParams(config.EvmParams{
		ChainID: 1, NextBlock: nextBlock, GasPrice: big.NewInt(1),
	}))

	eth := &fakeFetcher{latest: latest, events: make(map[uint64][]*etherman.BridgeEvent)}
	handler := &recordingHandler{}
	return &syncEnv{
		cfg:     cfg,
		eth:     eth,
		handler: handler,
		syncer:  New(cfg, eth, handler, scheduler.NewTaskLock()),
	}
}

func TestSyncDispatchesAndAdvancesCursor(t *testing.T) {
	env := newTestSyncEnv(t, 10, 12)
	env.eth.events[10] = []*etherman.BridgeEvent{
		{Minted: &agreement.MintTokenEvent{Amount: big.NewInt(5), Nonce: 1}},
	}
	env.eth.events[11] = []*etherman.BridgeEvent{
		{Burnt: &agreement.BurnTokenEvent{Sender: common.RandEvmAddress(), Amount: big.NewInt(7)}},
		{Notified: &agreement.NotifyMinterEvent{NotificationType: agreement.NotificationTypeDeposit}},
	}

	assert.NoError(t, env.syncer.Run(context.Background()))
	assert.Equal(t, 1, len(env.handler.minted))
	assert.Equal(t, 1, len(env.handler.burnt))
	assert.Equal(t, 1, len(env.handler.notified))
	assert.Equal(t, [][2]uint64{{10, 12}}, env.eth.calls)

	params, err := env.cfg.EvmParams()
	assert.NoError(t, err)
	assert.Equal(t, uint64(13), params.NextBlock)
}

func TestSyncNothingNewIsNoop(t *testing.T) {
	env := newTestSyncEnv(t, 20, 19)

	assert.NoError(t, env.syncer.Run(context.Background()))
	assert.Empty(t, env.eth.calls)

	params, err := env.cfg.EvmParams()
	assert.NoError(t, err)
	assert.Equal(t, uint64(20), params.NextBlock)
}

func TestSyncCapsBlockRange(t *testing.T) {
	env := newTestSyncEnv(t, 0, 5000)

	assert.NoError(t, env.syncer.Run(context.Background()))
	assert.Equal(t, [][2]uint64{{0, 999}}, env.eth.calls)

	params, err := env.cfg.EvmParams()
	assert.NoError(t, err)
	assert.Equal(t, uint64(1000), params.NextBlock)

	// the next round continues from the cap
	assert.NoError(t, env.syncer.Run(context.Background()))
	assert.Equal(t, [2]uint64{1000, 1999}, env.eth.calls[1])
}

func TestSyncKeepsCursorOnHandlerFailure(t *testing.T) {
	env := newTestSyncEnv(t, 10, 10)
	env.eth.events[10] = []*etherman.BridgeEvent{
		{Minted: &agreement.MintTokenEvent{Amount: big.NewInt(1), Nonce: 2}},
	}
	env.handler.fail = errors.New("store unavailable")

	assert.Error(t, env.syncer.Run(context.Background()))

	// the failed block is refetched next round
	params, err := env.cfg.EvmParams()
	assert.NoError(t, err)
	assert.Equal(t, uint64(10), params.NextBlock)

	env.handler.fail = nil
	assert.NoError(t, env.syncer.Run(context.Background()))
	assert.Equal(t, 1, len(env.handler.minted))
}

func TestSyncExcludesOverlappingRuns(t *testing.T) {
	env := newTestSyncEnv(t, 0, 10)

	lock := scheduler.NewTaskLock()
	env.syncer = New(env.cfg, env.eth, env.handler, lock)

	assert.True(t, lock.TryLock(lockName))
	assert.NoError(t, env.syncer.Run(context.Background()))
	assert.Empty(t, env.eth.calls, "a held lock skips the round")

	lock.Unlock(lockName)
	assert.NoError(t, env.syncer.Run(context.Background()))
	assert.Equal(t, 1, len(env.eth.calls))
}
