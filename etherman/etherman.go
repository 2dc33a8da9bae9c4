// Package etherman wraps the EVM JSON-RPC link: chain parameters, bridge
// contract logs and mint transaction submission.
package etherman

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/signer"
)

// DefaultGasPrice is used when the latest block carries no transactions to
// average over: 46 gwei.
var DefaultGasPrice = big.NewInt(46_000_000_000)

// mintGasLimit is generous: batchMint writes one ERC-20 mint per order.
const mintGasLimit = 3_000_000

// ethereumClient is the ethclient surface the bridge needs. It exists so
// tests can stand in for a node.
type ethereumClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
}

type Client struct {
	eth        ethereumClient
	bridgeAddr ethcommon.Address
	signer     signer.Signer
}

func Dial(url string, bridgeAddr ethcommon.Address, sgn signer.Signer) (*Client, error) {
	eth, err := ethclient.Dial(url)
	if err != nil {
		return nil, agreement.Initialization("dial evm link: " + err.Error())
	}
	return &Client{eth: eth, bridgeAddr: bridgeAddr, signer: sgn}, nil
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, agreement.EvmRequestFailed(err.Error())
	}
	return id.Uint64(), nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, agreement.EvmRequestFailed(err.Error())
	}
	return n, nil
}

func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return 0, agreement.EvmRequestFailed(err.Error())
	}
	return nonce, nil
}

// GasPrice returns the mean gas price over the latest block's transactions,
// or DefaultGasPrice when the block is empty.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	block, err := c.eth.BlockByNumber(ctx, nil)
	if err != nil {
		return nil, agreement.EvmRequestFailed(err.Error())
	}

	txs := block.Transactions()
	if len(txs) == 0 {
		return new(big.Int).Set(DefaultGasPrice), nil
	}

	sum := new(big.Int)
	for _, tx := range txs {
		sum.Add(sum, tx.GasPrice())
	}
	return sum.Div(sum, big.NewInt(int64(len(txs)))), nil
}

// FetchBridgeEvents returns the decoded bridge logs in [fromBlock, toBlock].
// Unknown logs on the contract address are skipped with a warning.
func (c *Client) FetchBridgeEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*BridgeEvent, error) {
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []ethcommon.Address{c.bridgeAddr},
		Topics: [][]ethcommon.Hash{
			{MintTokenEventID, BurnTokenEventID, NotifyMinterEventID},
		},
	})
	if err != nil {
		return nil, agreement.EvmRequestFailed(err.Error())
	}

	events := make([]*BridgeEvent, 0, len(logs))
	for _, log := range logs {
		event, err := DecodeBridgeEvent(log)
		if err != nil {
			logger.Warnf("skipping undecodable log %s: %v", log.TxHash, err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// SendMintTransaction signs and submits batchMint with the given nonce and
// gas price, returning the tx hash.
func (c *Client) SendMintTransaction(
	ctx context.Context,
	chainID uint64,
	nonce uint64,
	gasPrice *big.Int,
	ordersData, signature []byte,
) (ethcommon.Hash, error) {
	calldata, err := PackBatchMint(ordersData, signature)
	if err != nil {
		return ethcommon.Hash{}, agreement.Serialization(err.Error())
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.bridgeAddr,
		Gas:      mintGasLimit,
		GasPrice: gasPrice,
		Value:    big.NewInt(0),
		Data:     calldata,
	})

	signed, err := c.signer.SignTx(tx, new(big.Int).SetUint64(chainID))
	if err != nil {
		return ethcommon.Hash{}, agreement.Signing(err.Error())
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		if reason, ok := revertReasonOf(err); ok {
			return ethcommon.Hash{}, agreement.Reverted(reason)
		}
		return ethcommon.Hash{}, agreement.EvmRequestFailed(err.Error())
	}
	return signed.Hash(), nil
}

// revertReasonOf digs the Error(string) payload out of an rpc error, when
// the node attached one.
func revertReasonOf(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return "", false
	}
	return DecodeRevertReason(common.HexStrToByteSlice(common.Trim0xPrefix(hexData)))
}

// TxConfirmed reports whether the transaction is mined and succeeded.
func (c *Client) TxConfirmed(ctx context.Context, txHash ethcommon.Hash) (bool, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err == ethereum.NotFound {
		return false, nil
	}
	if err != nil {
		return false, agreement.EvmRequestFailed(err.Error())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, agreement.Reverted("mint transaction reverted")
	}
	return true, nil
}
