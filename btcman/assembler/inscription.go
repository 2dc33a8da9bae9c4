package assembler

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

const (
	ordTag          = "ord"
	inscriptionMime = "text/plain;charset=utf-8"

	// maxPushSize is the consensus limit of one script push.
	maxPushSize = 520
)

type brc20Transfer struct {
	Protocol  string `json:"p"`
	Operation string `json:"op"`
	Tick      string `json:"tick"`
	Amount    string `json:"amt"`
}

// Brc20TransferPayload is the inscription body of a BRC-20 transfer.
func Brc20TransferPayload(tick, amount string) ([]byte, error) {
	return json.Marshal(brc20Transfer{
		Protocol:  "brc-20",
		Operation: "transfer",
		Tick:      tick,
		Amount:    amount,
	})
}

// BuildInscriptionScript wraps the payload in an ordinals envelope behind a
// key path check:
//
//	<xonly pubkey> OP_CHECKSIG
//	OP_FALSE OP_IF "ord" 0x01 <mime> OP_0 <payload> OP_ENDIF
func BuildInscriptionScript(internalKey *btcec.PublicKey, payload []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddData(schnorr.SerializePubKey(internalKey))
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_FALSE)
	builder.AddOp(txscript.OP_IF)
	builder.AddData([]byte(ordTag))
	builder.AddData([]byte{0x01})
	builder.AddData([]byte(inscriptionMime))
	builder.AddOp(txscript.OP_0)
	for off := 0; off < len(payload); off += maxPushSize {
		end := off + maxPushSize
		if end > len(payload) {
			end = len(payload)
		}
		builder.AddData(payload[off:end])
	}
	builder.AddOp(txscript.OP_ENDIF)
	return builder.Script()
}

// InscriptionLeaf builds the tapscript leaf and the taproot output script
// committing to it.
func InscriptionLeaf(internalKey *btcec.PublicKey, payload []byte) (txscript.TapLeaf, []byte, error) {
	script, err := BuildInscriptionScript(internalKey, payload)
	if err != nil {
		return txscript.TapLeaf{}, nil, err
	}
	leaf := txscript.NewBaseTapLeaf(script)
	root := leaf.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, root[:])

	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(outputKey)).
		Script()
	if err != nil {
		return txscript.TapLeaf{}, nil, err
	}
	return leaf, pkScript, nil
}

// InscriptionControlBlock is the script-spend control block of the single
// leaf commitment.
func InscriptionControlBlock(internalKey *btcec.PublicKey, leaf txscript.TapLeaf) ([]byte, error) {
	tree := txscript.AssembleTaprootScriptTree(leaf)
	if len(tree.LeafMerkleProofs) != 1 {
		return nil, fmt.Errorf("expected single leaf, got %d", len(tree.LeafMerkleProofs))
	}
	ctrl := tree.LeafMerkleProofs[0].ToControlBlock(internalKey)
	return ctrl.ToBytes()
}
