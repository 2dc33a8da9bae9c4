// Package signer abstracts over the bridge's ECDSA key: either an in-process
// secp256k1 key or a remote threshold signer reached over HTTP. Signatures
// for equal digests are deterministic, which the mint order flow relies on
// when a flush is retried.
package signer

import (
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Signer interface {
	// Address is the EVM address of the signing key.
	Address() ethcommon.Address

	// SignDigest signs a 32-byte digest, returning a 65-byte [R || S || V]
	// signature with V in {0, 1}.
	SignDigest(digest [32]byte) ([]byte, error)

	// SignTx signs an EVM transaction for the given chain.
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}
