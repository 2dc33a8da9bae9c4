package assembler

import (
	"errors"
	"math"

	"github.com/btcsuite/btcd/wire"
)

// Signature weight added per input once the wallet signs. The transactions
// are crafted unsigned, so the estimate must account for what signing will
// append.
const (
	// P2wshSigBytes is the size of one DER signature plus sighash byte in
	// a multisig witness.
	P2wshSigBytes = 73

	// TaprootSigBytes is a schnorr signature with sighash byte.
	TaprootSigBytes = 65
)

var ErrFeeOverflow = errors.New("fee computation overflows uint64")

// TxVirtualSize is the vbyte size of the transaction as crafted: weight is
// three times the stripped size plus the total size, rounded up to whole
// vbytes.
func TxVirtualSize(tx *wire.MsgTx) uint64 {
	stripped := uint64(tx.SerializeSizeStripped())
	total := uint64(tx.SerializeSize())
	weight := stripped*3 + total
	return (weight + 3) / 4
}

// P2wshSignatureBytes is the witness weight of signing numInputs inputs
// under an m-of-n P2WSH multisig.
func P2wshSignatureBytes(m, numInputs int) uint64 {
	return uint64(P2wshSigBytes) * uint64(m) * uint64(numInputs)
}

// TaprootSignatureBytes is the witness weight of schnorr-signing numInputs
// taproot inputs.
func TaprootSignatureBytes(numInputs int) uint64 {
	return uint64(TaprootSigBytes) * uint64(numInputs)
}

// EstimateFee prices the transaction: (vbytes + pending signature bytes)
// times the sat/vB rate. Overflow is an error, never a silently wrong fee.
func EstimateFee(tx *wire.MsgTx, sigBytes, satsPerVb uint64) (uint64, error) {
	vsize := TxVirtualSize(tx)
	if sigBytes > math.MaxUint64-vsize {
		return 0, ErrFeeOverflow
	}
	size := vsize + sigBytes
	if satsPerVb != 0 && size > math.MaxUint64/satsPerVb {
		return 0, ErrFeeOverflow
	}
	return size * satsPerVb, nil
}
