package assembler

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// derivationPrefix namespaces per-user keys apart from any other key the
// wallet derives.
const derivationPrefix = 7

// maxTaprootAttempts bounds the tweak search. With each attempt failing at
// odds around 2^-128, running out means the inputs are corrupt, not unlucky.
const maxTaprootAttempts = 250

var ErrTaprootKeygen = errors.New("taproot key derivation failed after 250 attempts")

var derivationTag = []byte("Brc20BridgeDerivation")

// DerivationPathFromAddress packs a per-user derivation path: the prefix
// byte then the 20 address bytes, split into seven 4-byte chunks of the
// form [0, b, b, b].
func DerivationPathFromAddress(addr ethcommon.Address) [][]byte {
	data := make([]byte, 0, 21)
	data = append(data, derivationPrefix)
	data = append(data, addr.Bytes()...)

	path := make([][]byte, 0, 7)
	for i := 0; i < len(data); i += 3 {
		path = append(path, []byte{0, data[i], data[i+1], data[i+2]})
	}
	return path
}

func flattenPath(path [][]byte) []byte {
	var flat []byte
	for _, chunk := range path {
		flat = append(flat, chunk...)
	}
	return flat
}

func pathTweak(path [][]byte, attempt int) (btcec.ModNScalar, bool) {
	h := chainhash.TaggedHash(derivationTag, flattenPath(path), []byte{byte(attempt)})
	var tweak btcec.ModNScalar
	if overflow := tweak.SetBytes((*[32]byte)(h)); overflow != 0 {
		return tweak, false
	}
	if tweak.IsZero() {
		return tweak, false
	}
	return tweak, true
}

// DeriveChildKey computes master + H(path, attempt)*G, retrying with a new
// attempt counter for tweaks that fall outside the group order or hit the
// point at infinity.
func DeriveChildKey(master *btcec.PublicKey, path [][]byte) (*btcec.PublicKey, error) {
	for attempt := 0; attempt < maxTaprootAttempts; attempt++ {
		tweak, ok := pathTweak(path, attempt)
		if !ok {
			continue
		}

		var masterJ, tweakJ, childJ btcec.JacobianPoint
		master.AsJacobian(&masterJ)
		btcec.ScalarBaseMultNonConst(&tweak, &tweakJ)
		btcec.AddNonConst(&masterJ, &tweakJ, &childJ)
		if childJ.Z.IsZero() {
			continue
		}
		childJ.ToAffine()
		return btcec.NewPublicKey(&childJ.X, &childJ.Y), nil
	}
	return nil, ErrTaprootKeygen
}

// DeriveChildPrivKey is the private counterpart of DeriveChildKey, following
// the same attempt sequence so both sides land on the same key.
func DeriveChildPrivKey(master *btcec.PrivateKey, path [][]byte) (*btcec.PrivateKey, error) {
	for attempt := 0; attempt < maxTaprootAttempts; attempt++ {
		tweak, ok := pathTweak(path, attempt)
		if !ok {
			continue
		}

		sum := new(btcec.ModNScalar).Add2(&master.Key, &tweak)
		if sum.IsZero() {
			continue
		}
		return btcec.PrivKeyFromScalar(sum), nil
	}
	return nil, ErrTaprootKeygen
}

// DeriveTaprootAddress returns the per-user P2TR deposit address: the child
// key used as a taproot internal key with no script path.
func DeriveTaprootAddress(master *btcec.PublicKey, path [][]byte, net *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	child, err := DeriveChildKey(master, path)
	if err != nil {
		return nil, err
	}
	outputKey := txscript.ComputeTaprootKeyNoScript(child)
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), net)
}
