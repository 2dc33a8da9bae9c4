package ops

import (
	"context"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/btcman/assembler"
	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/database"
	"github.com/btfbridge-io/bridge-go/indexer"
	"github.com/btfbridge-io/bridge-go/ledger"
	"github.com/btfbridge-io/bridge-go/operation"
	"github.com/btfbridge-io/bridge-go/order"
)

type fakeIndexer struct {
	utxos        []indexer.Utxo
	utxosErr     error
	balance      string
	tokenInfo    indexer.Brc20TokenInfo
	lastUtxoAddr string
}

func (f *fakeIndexer) AddressUtxos(_ context.Context, address string) ([]indexer.Utxo, error) {
	f.lastUtxoAddr = address
	return f.utxos, f.utxosErr
}

func (f *fakeIndexer) Balance(_ context.Context, address, tick string) (indexer.Brc20Balance, error) {
	return indexer.Brc20Balance{Ticker: tick, OverallBalance: f.balance}, nil
}

func (f *fakeIndexer) TokenInfo(_ context.Context, tick string) (indexer.Brc20TokenInfo, error) {
	return f.tokenInfo, nil
}

type fakeBtc struct {
	confirmations map[string]uint32
	broadcast     []*wire.MsgTx
	sendErr       error
	feeRate       uint64
}

func (f *fakeBtc) GetTxConfirmations(txID string) (uint32, error) {
	return f.confirmations[txID], nil
}

func (f *fakeBtc) SendRawTx(tx *wire.MsgTx) (*chainhash.Hash, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.broadcast = append(f.broadcast, tx)
	hash := tx.TxHash()
	return &hash, nil
}

func (f *fakeBtc) EstimateFeeRate() (uint64, error) {
	if f.feeRate == 0 {
		return 1, nil
	}
	return f.feeRate, nil
}

type fakeSignOrders struct {
	pushed map[operation.OperationId]order.MintOrder
}

func (f *fakeSignOrders) PushOperation(id operation.OperationId, ord order.MintOrder) {
	if f.pushed == nil {
		f.pushed = make(map[operation.OperationId]order.MintOrder)
	}
	f.pushed[id] = ord
}

type fakeScheduler struct {
	scheduled []operation.OperationId
}

func (f *fakeScheduler) ScheduleOperation(id operation.OperationId, _ *operation.TaskOptions) error {
	f.scheduled = append(f.scheduled, id)
	return nil
}

type testEnv struct {
	rt      *Runtime
	store   *operation.Store
	events  *EventsHandler
	idx     *fakeIndexer
	btc     *fakeBtc
	signing *fakeSignOrders
	sched   *fakeScheduler
	ldg     *ledger.Ledger
	cfg     *config.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	db := database.OpenMemory()
	t.Cleanup(func() { db.Close() })

	cfg, err := config.NewStorage(db)
	assert.NoError(t, err)
	assert.NoError(t, cfg.SetBtcParams(config.BtcParams{Network: "regtest", MinConfirmations: 6}))
	assert.NoError(t, cfg.SetEvmParams(config.EvmParams{ChainID: 31337, GasPrice: big.NewInt(1)}))

	ldg, err := ledger.New(db)
	assert.NoError(t, err)

	key, err := btcec.NewPrivateKey()
	assert.NoError(t, err)

	idx := &fakeIndexer{}
	btc := &fakeBtc{confirmations: make(map[string]uint32)}
	signing := &fakeSignOrders{}
	sched := &fakeScheduler{}

	rt := &Runtime{
		Config:     cfg,
		Ledger:     ldg,
		Indexer:    idx,
		Btc:        btc,
		Assembler:  assembler.NewAssembler(assembler.GetRegtestParams(), key),
		SignOrders: signing,
		Scheduler:  sched,
	}

	store, err := operation.NewStore(db, NewCodec(rt))
	assert.NoError(t, err)
	t.Cleanup(store.Close)

	return &testEnv{
		rt:      rt,
		store:   store,
		events:  NewEventsHandler(rt, store, sched),
		idx:     idx,
		btc:     btc,
		signing: signing,
		sched:   sched,
		ldg:     ldg,
		cfg:     cfg,
	}
}

func testDepositRequest() agreement.DepositRequest {
	tick, _ := agreement.TickFromString("ordi")
	return agreement.DepositRequest{
		Amount:     big.NewInt(100),
		Tick:       tick,
		DstAddress: common.RandEvmAddress(),
		DstToken:   common.RandEvmAddress(),
	}
}

func TestDepositHappyPath(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()

	txid := chainhash.Hash(common.RandBytes32()).String()
	env.idx.utxos = []indexer.Utxo{{TxID: txid, Vout: 0, Value: 50_000}}
	env.idx.balance = "150"
	env.idx.tokenInfo = indexer.Brc20TokenInfo{Ticker: "ordi", Decimals: 0}
	env.btc.confirmations[txid] = 6

	deposit := NewDeposit(env.rt, request)
	id, err := env.store.NewOperation(deposit, nil)
	assert.NoError(t, err)

	// discovery
	next, err := deposit.Progress(context.Background(), id)
	assert.NoError(t, err)
	dep := next.(*DepositOp)
	assert.Equal(t, StageAwaitConfirmations, dep.Stage)
	assert.Equal(t, 1, len(dep.Utxos))

	// the deposit address, not the EVM address, was queried
	path := assembler.DerivationPathFromAddress(request.DstAddress)
	wantAddr, err := env.rt.Assembler.DepositAddress(path)
	assert.NoError(t, err)
	assert.Equal(t, wantAddr.String(), env.idx.lastUtxoAddr)

	// confirmation, balance check, order creation
	next, err = dep.Progress(context.Background(), id)
	assert.NoError(t, err)
	dep = next.(*DepositOp)
	assert.Equal(t, StageSignMintOrder, dep.Stage)
	assert.NotNil(t, dep.Order)
	assert.Equal(t, id.Nonce(), dep.Order.Nonce)
	assert.Equal(t, request.DstAddress, dep.Order.Recipient)
	assert.Equal(t, uint32(31337), dep.Order.RecipientChainID)
	assert.Equal(t, 0, dep.Order.Amount.Cmp(big.NewInt(100)))

	// the order reached the signing service
	assert.Contains(t, env.signing.pushed, id)

	// the inputs are now anti-replay anchored
	hash, _ := chainhash.NewHashFromStr(txid)
	var key ledger.UtxoKey
	copy(key.TxID[:], hash[:])
	used, ok, err := env.ldg.GetUsed(key)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(wantAddr.String()), used.Owner)
}

func TestDepositNoInputs(t *testing.T) {
	env := newTestEnv(t)
	deposit := NewDeposit(env.rt, testDepositRequest())

	_, err := deposit.Progress(context.Background(), 1)
	assert.Error(t, err)
	assert.True(t, agreement.IsRetryable(err))
}

func TestDepositNotConfirmed(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()

	txid := chainhash.Hash(common.RandBytes32()).String()
	env.idx.utxos = []indexer.Utxo{{TxID: txid, Vout: 0, Value: 50_000}}
	env.btc.confirmations[txid] = 3

	deposit := NewDeposit(env.rt, request)
	next, err := deposit.Progress(context.Background(), 1)
	assert.NoError(t, err)

	_, err = next.Progress(context.Background(), 1)
	assert.Equal(t, agreement.KindNotConfirmed, agreement.KindOf(err))
	assert.True(t, agreement.IsRetryable(err))

	bridgeErr := err.(*agreement.Error)
	assert.Equal(t, uint32(3), bridgeErr.CurrentConfirmations)
	assert.Equal(t, uint32(6), bridgeErr.RequiredConfirmations)
}

func TestDepositInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()

	txid := chainhash.Hash(common.RandBytes32()).String()
	env.idx.utxos = []indexer.Utxo{{TxID: txid, Vout: 0, Value: 50_000}}
	env.idx.balance = "99"
	env.idx.tokenInfo = indexer.Brc20TokenInfo{Ticker: "ordi", Decimals: 0}
	env.btc.confirmations[txid] = 6

	deposit := NewDeposit(env.rt, request)
	next, err := deposit.Progress(context.Background(), 1)
	assert.NoError(t, err)

	_, err = next.Progress(context.Background(), 1)
	assert.Error(t, err)
	assert.Equal(t, agreement.KindFailedToProgress, agreement.KindOf(err))

	// nothing was anchored
	hash, _ := chainhash.NewHashFromStr(txid)
	var key ledger.UtxoKey
	copy(key.TxID[:], hash[:])
	_, ok, err := env.ldg.GetUsed(key)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDepositUtxoReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()

	txid := chainhash.Hash(common.RandBytes32()).String()
	env.idx.utxos = []indexer.Utxo{{TxID: txid, Vout: 0, Value: 50_000}}
	env.idx.balance = "1000"
	env.idx.tokenInfo = indexer.Brc20TokenInfo{Ticker: "ordi", Decimals: 0}
	env.btc.confirmations[txid] = 6

	first := NewDeposit(env.rt, request)
	next, err := first.Progress(context.Background(), 1)
	assert.NoError(t, err)
	_, err = next.Progress(context.Background(), 1)
	assert.NoError(t, err)

	// a second deposit discovering the same utxo must not mint
	second := NewDeposit(env.rt, request)
	next, err = second.Progress(context.Background(), 2)
	assert.NoError(t, err)
	_, err = next.Progress(context.Background(), 2)
	assert.Equal(t, agreement.ErrUtxoAlreadyUsed, err)
	assert.False(t, agreement.IsRetryable(err))
}

func TestDepositTickerEchoMismatch(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()

	txid := chainhash.Hash(common.RandBytes32()).String()
	env.idx.utxos = []indexer.Utxo{{TxID: txid, Vout: 0, Value: 50_000}}
	env.idx.balance = "1000"
	env.idx.tokenInfo = indexer.Brc20TokenInfo{Ticker: "sats", Decimals: 0}
	env.btc.confirmations[txid] = 6

	deposit := NewDeposit(env.rt, request)
	next, err := deposit.Progress(context.Background(), 1)
	assert.NoError(t, err)

	_, err = next.Progress(context.Background(), 1)
	assert.Error(t, err)
	assert.Equal(t, agreement.KindFailedToProgress, agreement.KindOf(err))
}

func fundWallet(t *testing.T, env *testEnv, value uint64) {
	addr, err := env.rt.Assembler.WalletAddress()
	assert.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	assert.NoError(t, err)

	key := ledger.UtxoKey{TxID: common.RandBytes32(), Vout: 0}
	assert.NoError(t, env.ldg.Deposit(key, ledger.UtxoDetails{Value: value, Script: script}))
}

func testRecipient(t *testing.T) string {
	key, err := btcec.NewPrivateKey()
	assert.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), assembler.GetRegtestParams())
	assert.NoError(t, err)
	return addr.String()
}

func TestWithdrawRunePath(t *testing.T) {
	env := newTestEnv(t)
	fundWallet(t, env, 200_000)

	event := &agreement.BurnTokenEvent{
		Sender:      common.RandEvmAddress(),
		Amount:      big.NewInt(5000),
		RecipientID: []byte(testRecipient(t)),
		ToToken:     [32]byte(common.Id256FromRuneId(840000, 17)),
		Memo:        agreement.Memo(common.RandBytes32()),
	}

	withdrawal, err := NewWithdrawal(env.rt, event)
	assert.NoError(t, err)
	assert.Equal(t, AssetRune, withdrawal.Asset)
	assert.Equal(t, "840000:17", withdrawal.RuneId)

	next, err := withdrawal.Progress(context.Background(), 1)
	assert.NoError(t, err)
	w := next.(*WithdrawOp)
	assert.Equal(t, StageSendTransaction, w.Stage)
	assert.Equal(t, 1, len(w.RawTxs))

	// the funding inputs left the active set
	keys, _, err := env.ldg.Active()
	assert.NoError(t, err)
	assert.Empty(t, keys)

	next, err = w.Progress(context.Background(), 1)
	assert.NoError(t, err)
	w = next.(*WithdrawOp)
	assert.Equal(t, StageTransactionSent, w.Stage)
	assert.True(t, w.IsComplete())
	assert.Equal(t, 1, len(env.btc.broadcast))
}

func TestWithdrawBrc20Path(t *testing.T) {
	env := newTestEnv(t)
	fundWallet(t, env, 500_000)

	tick, _ := agreement.TickFromString("ordi")
	event := &agreement.BurnTokenEvent{
		Sender:      common.RandEvmAddress(),
		Amount:      big.NewInt(1000),
		RecipientID: []byte(testRecipient(t)),
		ToToken:     [32]byte(common.Id256FromBrc20Tick(tick)),
	}

	withdrawal, err := NewWithdrawal(env.rt, event)
	assert.NoError(t, err)
	assert.Equal(t, AssetBrc20, withdrawal.Asset)
	assert.Equal(t, "ordi", withdrawal.Tick)

	next, err := withdrawal.Progress(context.Background(), 1)
	assert.NoError(t, err)
	w := next.(*WithdrawOp)
	assert.Equal(t, 2, len(w.RawTxs), "commit and reveal")

	next, err = w.Progress(context.Background(), 1)
	assert.NoError(t, err)
	assert.True(t, next.IsComplete())
	assert.Equal(t, 2, len(env.btc.broadcast))
}

func TestWithdrawInsufficientWalletFunds(t *testing.T) {
	env := newTestEnv(t)

	event := &agreement.BurnTokenEvent{
		Sender:      common.RandEvmAddress(),
		Amount:      big.NewInt(1),
		RecipientID: []byte(testRecipient(t)),
		ToToken:     [32]byte(common.Id256FromRuneId(1, 1)),
	}
	withdrawal, err := NewWithdrawal(env.rt, event)
	assert.NoError(t, err)

	_, err = withdrawal.Progress(context.Background(), 1)
	assert.Error(t, err)
	assert.True(t, agreement.IsRetryable(err))
}

func TestCodecRoundTripInjectsRuntime(t *testing.T) {
	env := newTestEnv(t)
	codec := NewCodec(env.rt)

	deposit := NewDeposit(env.rt, testDepositRequest())
	data, err := codec.Encode(deposit)
	assert.NoError(t, err)

	decoded, err := codec.Decode(data)
	assert.NoError(t, err)
	back := decoded.(*DepositOp)
	assert.Equal(t, deposit.Stage, back.Stage)
	assert.Equal(t, deposit.Request.DstAddress, back.Request.DstAddress)
	assert.Same(t, env.rt, back.rt)

	tick, _ := agreement.TickFromString("ordi")
	withdrawal, err := NewWithdrawal(env.rt, &agreement.BurnTokenEvent{
		Sender:      common.RandEvmAddress(),
		Amount:      big.NewInt(9),
		RecipientID: []byte("addr"),
		ToToken:     [32]byte(common.Id256FromBrc20Tick(tick)),
	})
	assert.NoError(t, err)
	data, err = codec.Encode(withdrawal)
	assert.NoError(t, err)
	decoded, err = codec.Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, AssetBrc20, decoded.(*WithdrawOp).Asset)

	_, err = codec.Decode([]byte(`{"type":"nonsense","payload":{}}`))
	assert.Error(t, err)
}

func TestEventsBurntOpensWithdrawalOnce(t *testing.T) {
	env := newTestEnv(t)

	event := &agreement.BurnTokenEvent{
		Sender:      common.RandEvmAddress(),
		Amount:      big.NewInt(100),
		RecipientID: []byte("bc1qsomeone"),
		ToToken:     [32]byte(common.Id256FromRuneId(10, 2)),
		Memo:        agreement.Memo(common.RandBytes32()),
	}

	assert.NoError(t, env.events.HandleBurnt(event))
	assert.Equal(t, 1, len(env.sched.scheduled))

	// same memo, same sender: replayed event is a no-op
	assert.NoError(t, env.events.HandleBurnt(event))
	assert.Equal(t, 1, len(env.sched.scheduled))

	_, op, ok, err := env.store.GetByMemoAndUser(agreement.Memo(event.Memo), event.Sender)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, AssetRune, op.(*WithdrawOp).Asset)
}

func TestEventsNotifyOpensDeposit(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()
	request.ApproveSpender = common.RandEvmAddress()
	request.ApproveAmount = big.NewInt(50)

	event := &agreement.NotifyMinterEvent{
		NotificationType: agreement.NotificationTypeDeposit,
		TxSender:         request.DstAddress,
		UserData:         request.Encode(),
		Memo:             agreement.Memo(common.RandBytes32()),
	}
	assert.NoError(t, env.events.HandleNotify(event))
	assert.Equal(t, 1, len(env.sched.scheduled))

	_, op, ok, err := env.store.GetByMemoAndUser(agreement.Memo(event.Memo), request.DstAddress)
	assert.NoError(t, err)
	assert.True(t, ok)
	dep := op.(*DepositOp)
	assert.Equal(t, request.ApproveSpender, dep.Request.ApproveSpender)
}

func TestEventsNotifyStripsForeignApprove(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()
	request.ApproveSpender = common.RandEvmAddress()
	request.ApproveAmount = big.NewInt(50)

	event := &agreement.NotifyMinterEvent{
		NotificationType: agreement.NotificationTypeDeposit,
		TxSender:         common.RandEvmAddress(), // not the recipient
		UserData:         request.Encode(),
		Memo:             agreement.Memo(common.RandBytes32()),
	}
	assert.NoError(t, env.events.HandleNotify(event))

	_, op, ok, err := env.store.GetByMemoAndUser(agreement.Memo(event.Memo), request.DstAddress)
	assert.NoError(t, err)
	assert.True(t, ok)
	dep := op.(*DepositOp)
	assert.Equal(t, ethcommon.Address{}, dep.Request.ApproveSpender)
	assert.Nil(t, dep.Request.ApproveAmount)
}

func TestEventsMintedClosesDeposit(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()

	deposit := NewDeposit(env.rt, request)
	deposit.Stage = StageConfirmMintOrder
	id, err := env.store.NewOperation(deposit, nil)
	assert.NoError(t, err)

	event := &agreement.MintTokenEvent{
		Amount:     big.NewInt(100),
		Recipient:  request.DstAddress,
		Nonce:      id.Nonce(),
		ChargedFee: big.NewInt(0),
	}
	assert.NoError(t, env.events.HandleMinted(event))

	op, ok, err := env.store.Get(id)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, op.IsComplete())
	assert.Equal(t, StageMintOrderConfirmed, op.(*DepositOp).Stage)

	// unknown nonce is ignored, not an error
	assert.NoError(t, env.events.HandleMinted(&agreement.MintTokenEvent{
		Amount: big.NewInt(1), Recipient: common.RandEvmAddress(), Nonce: 999,
		ChargedFee: big.NewInt(0),
	}))
}

func TestEventsReschedule(t *testing.T) {
	env := newTestEnv(t)
	request := testDepositRequest()

	deposit := NewDeposit(env.rt, request)
	id, err := env.store.NewOperation(deposit, nil)
	assert.NoError(t, err)

	userData := make([]byte, 8)
	binary.BigEndian.PutUint64(userData, uint64(id))

	// non-owner reschedule is denied
	assert.NoError(t, env.events.HandleNotify(&agreement.NotifyMinterEvent{
		NotificationType: agreement.NotificationTypeReschedule,
		TxSender:         common.RandEvmAddress(),
		UserData:         userData,
	}))
	assert.Empty(t, env.sched.scheduled)

	// owner reschedule enqueues the step
	assert.NoError(t, env.events.HandleNotify(&agreement.NotifyMinterEvent{
		NotificationType: agreement.NotificationTypeReschedule,
		TxSender:         request.DstAddress,
		UserData:         userData,
	}))
	assert.Equal(t, []operation.OperationId{id}, env.sched.scheduled)
}
