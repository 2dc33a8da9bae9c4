/*
MintOrder is the canonical message that authorizes the BTFBridge contract to
mint wrapped tokens. The byte layout below is the bridge's stable wire format:
never reorder fields, never widen integers without a version bump.

	[
	    0..32    amount,
	    32..64   sender,
	    64..96   src_token,
	    96..116  recipient,
	    116..136 dst_token,
	    136..140 nonce,
	    140..144 sender_chain_id,
	    144..148 recipient_chain_id,
	    148..180 name,
	    180..196 symbol,
	    196..197 decimals,
	    197..217 approve_spender,
	    217..249 approve_amount,
	    249..269 fee_payer,
	]

All integers are big-endian.
*/
package order

import (
	"encoding/binary"
	"errors"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/btfbridge-io/bridge-go/common"
)

// EncodedDataSize is the exact length of one encoded mint order.
const EncodedDataSize = 269

// SignatureSize is the length of a recoverable ECDSA signature (r|s|v).
const SignatureSize = 65

var (
	ErrTruncatedOrder = errors.New("mint order data shorter than encoded size")
	ErrBatchSize      = errors.New("orders data length is not a multiple of the encoded order size")
	ErrBadSignature   = errors.New("signature must be 65 bytes")
	ErrEmptyBatch     = errors.New("signed orders must contain at least one order")
)

type MintOrder struct {
	Amount           *big.Int
	Sender           common.Id256
	SrcToken         common.Id256
	Recipient        ethcommon.Address
	DstToken         ethcommon.Address
	Nonce            uint32
	SenderChainID    uint32
	RecipientChainID uint32
	Name             [32]byte
	Symbol           [16]byte
	Decimals         uint8
	ApproveSpender   ethcommon.Address
	ApproveAmount    *big.Int
	FeePayer         ethcommon.Address
}

// Encode packs the order into its fixed 269-byte wire form.
func (o *MintOrder) Encode() [EncodedDataSize]byte {
	var buf [EncodedDataSize]byte

	amount := common.BigInt2Bytes32(o.Amount)
	copy(buf[0:32], amount[:])
	copy(buf[32:64], o.Sender[:])
	copy(buf[64:96], o.SrcToken[:])
	copy(buf[96:116], o.Recipient.Bytes())
	copy(buf[116:136], o.DstToken.Bytes())
	binary.BigEndian.PutUint32(buf[136:140], o.Nonce)
	binary.BigEndian.PutUint32(buf[140:144], o.SenderChainID)
	binary.BigEndian.PutUint32(buf[144:148], o.RecipientChainID)
	copy(buf[148:180], o.Name[:])
	copy(buf[180:196], o.Symbol[:])
	buf[196] = o.Decimals
	copy(buf[197:217], o.ApproveSpender.Bytes())
	approve := common.BigInt2Bytes32(o.ApproveAmount)
	copy(buf[217:249], approve[:])
	copy(buf[249:269], o.FeePayer.Bytes())

	return buf
}

// Decode reads one order from the front of data.
func Decode(data []byte) (*MintOrder, error) {
	if len(data) < EncodedDataSize {
		return nil, ErrTruncatedOrder
	}

	o := &MintOrder{
		Amount:           new(big.Int).SetBytes(data[0:32]),
		Recipient:        ethcommon.BytesToAddress(data[96:116]),
		DstToken:         ethcommon.BytesToAddress(data[116:136]),
		Nonce:            binary.BigEndian.Uint32(data[136:140]),
		SenderChainID:    binary.BigEndian.Uint32(data[140:144]),
		RecipientChainID: binary.BigEndian.Uint32(data[144:148]),
		Decimals:         data[196],
		ApproveSpender:   ethcommon.BytesToAddress(data[197:217]),
		ApproveAmount:    new(big.Int).SetBytes(data[217:249]),
		FeePayer:         ethcommon.BytesToAddress(data[249:269]),
	}
	copy(o.Sender[:], data[32:64])
	copy(o.SrcToken[:], data[64:96])
	copy(o.Name[:], data[148:180])
	copy(o.Symbol[:], data[180:196])

	return o, nil
}

// FitName truncates a token name into the fixed 32-byte field.
func FitName(name string) [32]byte {
	var out [32]byte
	copy(out[:], name)
	return out
}

// FitSymbol truncates a token symbol into the fixed 16-byte field.
func FitSymbol(symbol string) [16]byte {
	var out [16]byte
	copy(out[:], symbol)
	return out
}
