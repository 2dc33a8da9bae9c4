package rpc

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// DefaultFeeRate is used when the node cannot estimate: 5 sat/vB.
const DefaultFeeRate = 5

// feeEstimateBlocks is the confirmation target of fee estimation.
const feeEstimateBlocks = 6

type RpcClientConfig struct {
	ServerAddr string // ip address of server
	Port       string // port of server
	Username   string
	Pwd        string
}

// Wrapper of btc rpc client.
type RpcClient struct {
	client *rpcclient.Client
}

// Create a new RPC client to interact with a bitcoin node.
func NewRpcClient(rcc *RpcClientConfig) (*RpcClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         rcc.ServerAddr + ":" + rcc.Port,
		User:         rcc.Username,
		Pass:         rcc.Pwd,
		HTTPPostMode: true, // original bitcoin only supports HTTP POST mode
		DisableTLS:   true, // original bitcoin does not support TLS
	}, nil)
	if err != nil {
		return nil, err
	}

	return &RpcClient{client}, nil
}

func (r *RpcClient) Close() {
	r.client.Shutdown()
}

// Fetch a raw tx with a given TxID.
// Enable -txindex on your bitcoin node before using this function.
func (r *RpcClient) GetTx(txID string) (*btcutil.Tx, error) {
	txHash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, err
	}
	return r.client.GetRawTransaction(txHash)
}

// GetTxConfirmations returns how deep the transaction is buried; zero for
// mempool transactions.
func (r *RpcClient) GetTxConfirmations(txID string) (uint32, error) {
	txHash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return 0, err
	}
	verbose, err := r.client.GetRawTransactionVerbose(txHash)
	if err != nil {
		return 0, err
	}
	return uint32(verbose.Confirmations), nil
}

// Get the latest block height.
func (r *RpcClient) GetLatestBlockHeight() (int64, error) {
	return r.client.GetBlockCount()
}

// Send raw transaction to bitcoin network.
func (r *RpcClient) SendRawTx(tx *wire.MsgTx) (*chainhash.Hash, error) {
	// allowHighFees=true: the node's own sanity cap would otherwise reject
	// transactions during fee spikes
	return r.client.SendRawTransaction(tx, true)
}

// EstimateFeeRate asks the node for a sat/vB rate, falling back to
// DefaultFeeRate when estimation is unavailable (fresh or regtest nodes).
func (r *RpcClient) EstimateFeeRate() (uint64, error) {
	mode := btcjson.EstimateModeEconomical
	result, err := r.client.EstimateSmartFee(feeEstimateBlocks, &mode)
	if err != nil {
		return 0, err
	}
	if result.FeeRate == nil || *result.FeeRate <= 0 {
		return DefaultFeeRate, nil
	}
	// FeeRate is BTC per kvB
	satsPerVb := uint64(*result.FeeRate * 1e8 / 1000)
	if satsPerVb == 0 {
		satsPerVb = 1
	}
	return satsPerVb, nil
}
