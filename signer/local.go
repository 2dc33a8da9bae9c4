package signer

import (
	"crypto/ecdsa"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Local signs with an in-process secp256k1 key.
type Local struct {
	key     *ecdsa.PrivateKey
	address ethcommon.Address
}

func NewLocal(key *ecdsa.PrivateKey) *Local {
	return &Local{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewLocalFromHex parses a hex encoded private key, with or without the 0x
// prefix.
func NewLocalFromHex(hexKey string) (*Local, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewLocal(key), nil
}

func (l *Local) Address() ethcommon.Address {
	return l.address
}

func (l *Local) SignDigest(digest [32]byte) ([]byte, error) {
	return crypto.Sign(digest[:], l.key)
}

func (l *Local) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), l.key)
}
