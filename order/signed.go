package order

import (
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignedOrders is a batch of encoded mint orders plus one recoverable ECDSA
// signature over keccak256 of the concatenated order bytes. Every operation
// in the batch carries the same blob; the contract locates its order by nonce.
type SignedOrders struct {
	OrdersData []byte
	Signature  []byte
}

// NewSignedOrders validates the batch shape.
func NewSignedOrders(ordersData, signature []byte) (*SignedOrders, error) {
	s := &SignedOrders{OrdersData: ordersData, Signature: signature}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SignedOrders) Validate() error {
	if len(s.OrdersData) == 0 {
		return ErrEmptyBatch
	}
	if len(s.OrdersData)%EncodedDataSize != 0 {
		return ErrBatchSize
	}
	if len(s.Signature) != SignatureSize {
		return ErrBadSignature
	}
	return nil
}

// OrdersCount returns the number of orders in the batch.
func (s *SignedOrders) OrdersCount() int {
	return len(s.OrdersData) / EncodedDataSize
}

// Digest is the signed message hash.
func (s *SignedOrders) Digest() ethcommon.Hash {
	return crypto.Keccak256Hash(s.OrdersData)
}

// RecoverSigner returns the address that produced the batch signature.
func (s *SignedOrders) RecoverSigner() (ethcommon.Address, error) {
	if err := s.Validate(); err != nil {
		return ethcommon.Address{}, err
	}
	pub, err := crypto.SigToPub(s.Digest().Bytes(), s.Signature)
	if err != nil {
		return ethcommon.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// OrderAt decodes the idx-th order of the batch.
func (s *SignedOrders) OrderAt(idx int) (*MintOrder, error) {
	offset := idx * EncodedDataSize
	if offset < 0 || offset+EncodedDataSize > len(s.OrdersData) {
		return nil, ErrTruncatedOrder
	}
	return Decode(s.OrdersData[offset : offset+EncodedDataSize])
}
