package assembler

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/btfbridge-io/bridge-go/runes"
)

// runestone tags
const tagBody = 0

func appendLEB128(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// EncodeRunestoneTransfer builds the OP_RETURN script of a single-edict
// runestone moving amount of the rune to the given output index.
func EncodeRunestoneTransfer(runeID runes.RuneId, amount uint64, output uint32) ([]byte, error) {
	var payload []byte
	payload = appendLEB128(payload, tagBody)
	payload = appendLEB128(payload, runeID.Block)
	payload = appendLEB128(payload, uint64(runeID.Tx))
	payload = appendLEB128(payload, amount)
	payload = appendLEB128(payload, uint64(output))

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddOp(txscript.OP_13).
		AddData(payload).
		Script()
}
