// Package assembler crafts and signs the bridge wallet's bitcoin
// transactions: rune transfers, BRC-20 inscription commit/reveal pairs and
// the per-user taproot deposit keys.
package assembler

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/btfbridge-io/bridge-go/runes"
)

// Postage is the dust-safe value carried by inscription and rune outputs.
const Postage = 546

// revealWitnessOverhead covers the witness item count and length prefixes of
// a script-spend reveal input.
const revealWitnessOverhead = 10

// Input is one wallet-controlled output used to fund a transaction.
type Input struct {
	TxID     chainhash.Hash
	Vout     uint32
	Value    int64
	PkScript []byte

	// DerivationPath selects the child key controlling this input; nil
	// means the wallet master key.
	DerivationPath [][]byte
}

type Assembler struct {
	net *chaincfg.Params
	key *btcec.PrivateKey
}

func NewAssembler(net *chaincfg.Params, key *btcec.PrivateKey) *Assembler {
	return &Assembler{net: net, key: key}
}

// WalletAddress is the master key's P2TR address, where change returns.
func (a *Assembler) WalletAddress() (*btcutil.AddressTaproot, error) {
	outputKey := txscript.ComputeTaprootKeyNoScript(a.key.PubKey())
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), a.net)
}

// DepositAddress is the per-user P2TR address derived from the wallet master
// key and the user's EVM address path.
func (a *Assembler) DepositAddress(path [][]byte) (*btcutil.AddressTaproot, error) {
	return DeriveTaprootAddress(a.key.PubKey(), path, a.net)
}

func (a *Assembler) inputKey(in Input) (*btcec.PrivateKey, error) {
	if in.DerivationPath == nil {
		return a.key, nil
	}
	return DeriveChildPrivKey(a.key, in.DerivationPath)
}

// craftFundedTx builds a transaction spending the inputs into the given
// outputs plus a change output back to the wallet. The fee comes out of the
// change; sub-postage change is dropped into the fee instead of creating
// dust.
func (a *Assembler) craftFundedTx(inputs []Input, outputs []*wire.TxOut, satsPerVb uint64) (*wire.MsgTx, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs to spend")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var sum int64
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&in.TxID, in.Vout), nil, nil))
		sum += in.Value
	}
	var spend int64
	for _, out := range outputs {
		tx.AddTxOut(out)
		spend += out.Value
	}

	changeAddr, err := a.WalletAddress()
	if err != nil {
		return nil, err
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(0, changeScript))

	fee, err := EstimateFee(tx, TaprootSignatureBytes(len(inputs)), satsPerVb)
	if err != nil {
		return nil, err
	}

	change := sum - spend - int64(fee)
	if change < 0 {
		return nil, fmt.Errorf("insufficient funds: inputs %d, outputs %d, fee %d", sum, spend, fee)
	}
	if change < Postage {
		tx.TxOut = tx.TxOut[:len(tx.TxOut)-1]
	} else {
		tx.TxOut[len(tx.TxOut)-1].Value = change
	}

	if err := a.signKeySpend(tx, inputs); err != nil {
		return nil, err
	}
	return tx, nil
}

// signKeySpend schnorr-signs every input as a taproot key spend.
func (a *Assembler) signKeySpend(tx *wire.MsgTx, inputs []Input) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range inputs {
		fetcher.AddPrevOut(*wire.NewOutPoint(&in.TxID, in.Vout), wire.NewTxOut(in.Value, in.PkScript))
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range inputs {
		key, err := a.inputKey(in)
		if err != nil {
			return err
		}
		witness, err := txscript.TaprootWitnessSignature(
			tx, sigHashes, i, in.Value, in.PkScript, txscript.SigHashDefault, key)
		if err != nil {
			return err
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}

// MakeRuneTransferTx builds and signs a rune transfer: output 0 carries the
// runestone edict, output 1 the postage to the recipient, the rest is
// change.
func (a *Assembler) MakeRuneTransferTx(
	inputs []Input,
	runeID runes.RuneId,
	amount uint64,
	recipientAddr string,
	satsPerVb uint64,
) (*wire.MsgTx, error) {
	recipient, err := DecodeAddress(recipientAddr, a.net)
	if err != nil {
		return nil, err
	}
	recipientScript, err := txscript.PayToAddrScript(recipient)
	if err != nil {
		return nil, err
	}

	runestone, err := EncodeRunestoneTransfer(runeID, amount, 1)
	if err != nil {
		return nil, err
	}

	return a.craftFundedTx(inputs, []*wire.TxOut{
		wire.NewTxOut(0, runestone),
		wire.NewTxOut(Postage, recipientScript),
	}, satsPerVb)
}

// MakeBrc20TransferTxs builds and signs the commit/reveal pair inscribing a
// BRC-20 transfer and delivering it to the recipient. The commit funds the
// reveal exactly: postage plus the reveal fee.
func (a *Assembler) MakeBrc20TransferTxs(
	inputs []Input,
	tick string,
	amount string,
	recipientAddr string,
	satsPerVb uint64,
) (*wire.MsgTx, *wire.MsgTx, error) {
	recipient, err := DecodeAddress(recipientAddr, a.net)
	if err != nil {
		return nil, nil, err
	}
	recipientScript, err := txscript.PayToAddrScript(recipient)
	if err != nil {
		return nil, nil, err
	}

	payload, err := Brc20TransferPayload(tick, amount)
	if err != nil {
		return nil, nil, err
	}
	leaf, commitPkScript, err := InscriptionLeaf(a.key.PubKey(), payload)
	if err != nil {
		return nil, nil, err
	}

	// price the reveal before the commit exists; the reveal spends exactly
	// one script-path input and pays exactly one output
	revealDraft := wire.NewMsgTx(wire.TxVersion)
	revealDraft.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	revealDraft.AddTxOut(wire.NewTxOut(Postage, recipientScript))
	revealSigBytes := uint64(TaprootSigBytes + len(leaf.Script) + 33 + revealWitnessOverhead)
	revealFee, err := EstimateFee(revealDraft, revealSigBytes, satsPerVb)
	if err != nil {
		return nil, nil, err
	}

	commitValue := int64(Postage + revealFee)
	commit, err := a.craftFundedTx(inputs, []*wire.TxOut{
		wire.NewTxOut(commitValue, commitPkScript),
	}, satsPerVb)
	if err != nil {
		return nil, nil, err
	}

	commitHash := commit.TxHash()
	reveal := wire.NewMsgTx(wire.TxVersion)
	reveal.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&commitHash, 0), nil, nil))
	reveal.AddTxOut(wire.NewTxOut(Postage, recipientScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(commitPkScript, commitValue)
	sigHashes := txscript.NewTxSigHashes(reveal, fetcher)
	sig, err := txscript.RawTxInTapscriptSignature(
		reveal, sigHashes, 0, commitValue, commitPkScript, leaf, txscript.SigHashDefault, a.key)
	if err != nil {
		return nil, nil, err
	}
	ctrlBlock, err := InscriptionControlBlock(a.key.PubKey(), leaf)
	if err != nil {
		return nil, nil, err
	}
	reveal.TxIn[0].Witness = wire.TxWitness{sig, leaf.Script, ctrlBlock}

	return commit, reveal, nil
}
