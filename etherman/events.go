package etherman

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/common"
)

// Event signatures of the bridge contract. All parameters travel in the
// data section; topic zero identifies the event.
const (
	mintTokenEventSig   = "MintTokenEvent(uint256,bytes32,bytes32,address,address,uint32,uint256)"
	burnTokenEventSig   = "BurnTokenEvent(address,uint256,address,bytes,bytes32,uint32,bytes32,bytes16,uint8,bytes32)"
	notifyMinterSig     = "NotifyMinterEvent(uint32,address,bytes,bytes32)"
	batchMintMethodSig  = "batchMint(bytes,bytes)"
	revertReasonSigHex  = "08c379a0"
)

var (
	MintTokenEventID    = crypto.Keccak256Hash([]byte(mintTokenEventSig))
	BurnTokenEventID    = crypto.Keccak256Hash([]byte(burnTokenEventSig))
	NotifyMinterEventID = crypto.Keccak256Hash([]byte(notifyMinterSig))

	batchMintMethodID = crypto.Keccak256([]byte(batchMintMethodSig))[:4]

	ErrUnknownEvent = errors.New("log is not a bridge event")
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	typeUint256 = mustType("uint256")
	typeUint32  = mustType("uint32")
	typeUint8   = mustType("uint8")
	typeAddress = mustType("address")
	typeBytes   = mustType("bytes")
	typeBytes32 = mustType("bytes32")
	typeBytes16 = mustType("bytes16")
	typeString  = mustType("string")
)

var mintTokenArgs = abi.Arguments{
	{Name: "amount", Type: typeUint256},
	{Name: "fromToken", Type: typeBytes32},
	{Name: "senderID", Type: typeBytes32},
	{Name: "toERC20", Type: typeAddress},
	{Name: "recipient", Type: typeAddress},
	{Name: "nonce", Type: typeUint32},
	{Name: "chargedFee", Type: typeUint256},
}

var burnTokenArgs = abi.Arguments{
	{Name: "sender", Type: typeAddress},
	{Name: "amount", Type: typeUint256},
	{Name: "fromERC20", Type: typeAddress},
	{Name: "recipientID", Type: typeBytes},
	{Name: "toToken", Type: typeBytes32},
	{Name: "operationID", Type: typeUint32},
	{Name: "name", Type: typeBytes32},
	{Name: "symbol", Type: typeBytes16},
	{Name: "decimals", Type: typeUint8},
	{Name: "memo", Type: typeBytes32},
}

var notifyMinterArgs = abi.Arguments{
	{Name: "notificationType", Type: typeUint32},
	{Name: "txSender", Type: typeAddress},
	{Name: "userData", Type: typeBytes},
	{Name: "memo", Type: typeBytes32},
}

var batchMintArgs = abi.Arguments{
	{Name: "ordersData", Type: typeBytes},
	{Name: "signature", Type: typeBytes},
}

var revertReasonArgs = abi.Arguments{
	{Name: "reason", Type: typeString},
}

// BridgeEvent is one decoded log of the bridge contract.
type BridgeEvent struct {
	Minted   *agreement.MintTokenEvent
	Burnt    *agreement.BurnTokenEvent
	Notified *agreement.NotifyMinterEvent

	// TxSender is the EOA that produced the log's transaction, filled by
	// the fetcher for notification handling.
	BlockNumber uint64
	TxHash      ethcommon.Hash
}

// DecodeBridgeEvent turns a raw log into a bridge event. Logs with a foreign
// topic return ErrUnknownEvent.
func DecodeBridgeEvent(log types.Log) (*BridgeEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	event := &BridgeEvent{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
	}

	switch log.Topics[0] {
	case MintTokenEventID:
		values, err := mintTokenArgs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("decode MintTokenEvent: %w", err)
		}
		event.Minted = &agreement.MintTokenEvent{
			Amount:     values[0].(*big.Int),
			FromToken:  values[1].([32]byte),
			SenderID:   values[2].([32]byte),
			ToERC20:    values[3].(ethcommon.Address),
			Recipient:  values[4].(ethcommon.Address),
			Nonce:      values[5].(uint32),
			ChargedFee: values[6].(*big.Int),
		}
	case BurnTokenEventID:
		values, err := burnTokenArgs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("decode BurnTokenEvent: %w", err)
		}
		event.Burnt = &agreement.BurnTokenEvent{
			Sender:      values[0].(ethcommon.Address),
			Amount:      values[1].(*big.Int),
			FromERC20:   values[2].(ethcommon.Address),
			RecipientID: values[3].([]byte),
			ToToken:     values[4].([32]byte),
			OperationID: values[5].(uint32),
			Name:        values[6].([32]byte),
			Symbol:      values[7].([16]byte),
			Decimals:    values[8].(uint8),
			Memo:        values[9].([32]byte),
		}
	case NotifyMinterEventID:
		values, err := notifyMinterArgs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("decode NotifyMinterEvent: %w", err)
		}
		event.Notified = &agreement.NotifyMinterEvent{
			NotificationType: values[0].(uint32),
			TxSender:         values[1].(ethcommon.Address),
			UserData:         values[2].([]byte),
			Memo:             values[3].([32]byte),
		}
	default:
		return nil, ErrUnknownEvent
	}

	return event, nil
}

// PackBatchMint builds the calldata of batchMint(bytes,bytes).
func PackBatchMint(ordersData, signature []byte) ([]byte, error) {
	packed, err := batchMintArgs.Pack(ordersData, signature)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, batchMintMethodID...), packed...), nil
}

// DecodeRevertReason extracts the human readable reason from Error(string)
// revert data. Returns false for anything that is not such a payload.
func DecodeRevertReason(data []byte) (string, bool) {
	if len(data) < 4 || common.ByteSliceToPureHexStr(data[:4]) != revertReasonSigHex {
		return "", false
	}
	values, err := revertReasonArgs.Unpack(data[4:])
	if err != nil {
		return "", false
	}
	reason, ok := values[0].(string)
	return reason, ok
}
