package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btfbridge-io/bridge-go/common"
)

// UtxoKeySize is the encoded size: 32-byte txid then 4-byte big endian vout,
// so encoded keys sort lexicographically by (txid, vout).
const UtxoKeySize = 36

var ErrBadUtxoKey = errors.New("utxo key must be exactly 36 bytes")

type UtxoKey struct {
	TxID [32]byte
	Vout uint32
}

func (k UtxoKey) Encode() [UtxoKeySize]byte {
	var out [UtxoKeySize]byte
	copy(out[:32], k.TxID[:])
	binary.BigEndian.PutUint32(out[32:], k.Vout)
	return out
}

func DecodeUtxoKey(data []byte) (UtxoKey, error) {
	if len(data) != UtxoKeySize {
		return UtxoKey{}, ErrBadUtxoKey
	}
	var k UtxoKey
	copy(k.TxID[:], data[:32])
	k.Vout = binary.BigEndian.Uint32(data[32:])
	return k, nil
}

func (k UtxoKey) String() string {
	return fmt.Sprintf("%s:%d", common.ByteSliceToPureHexStr(k.TxID[:]), k.Vout)
}
