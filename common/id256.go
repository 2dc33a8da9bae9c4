/*
Id256 is the 32-byte chain-agnostic identifier used inside mint orders for
senders and source tokens. The first byte marks the id family, the rest is
family-specific payload. The layout is part of the bridge's stable ABI.
*/
package common

import (
	"encoding/binary"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Id256 [32]byte

// Id family marks.
const (
	Id256MarkEvm     byte = 0x00
	Id256MarkBtcAddr byte = 0x01
	Id256MarkBrc20   byte = 0x02
	Id256MarkRune    byte = 0x03
)

var ErrId256Family = errors.New("id256 family mismatch")

// Id256FromEvmAddress packs a chain id and a 20-byte address.
// Layout: mark | chain_id (4B BE) | address (20B) | zero padding.
func Id256FromEvmAddress(addr ethcommon.Address, chainID uint32) Id256 {
	var id Id256
	id[0] = Id256MarkEvm
	binary.BigEndian.PutUint32(id[1:5], chainID)
	copy(id[5:25], addr.Bytes())
	return id
}

// Id256FromBtcAddress hashes the textual address, since btc addresses do not
// fit 31 bytes uniformly across script types.
// Layout: mark | keccak256(address)[:31].
func Id256FromBtcAddress(address string) Id256 {
	var id Id256
	id[0] = Id256MarkBtcAddr
	h := crypto.Keccak256([]byte(address))
	copy(id[1:], h[:31])
	return id
}

// Id256FromBrc20Tick packs a 4-byte BRC-20 ticker.
// Layout: mark | tick (4B) | zero padding.
func Id256FromBrc20Tick(tick [4]byte) Id256 {
	var id Id256
	id[0] = Id256MarkBrc20
	copy(id[1:5], tick[:])
	return id
}

// Id256FromRuneId packs a rune id (block height and tx index).
// Layout: mark | block (8B BE) | tx (4B BE) | zero padding.
func Id256FromRuneId(block uint64, tx uint32) Id256 {
	var id Id256
	id[0] = Id256MarkRune
	binary.BigEndian.PutUint64(id[1:9], block)
	binary.BigEndian.PutUint32(id[9:13], tx)
	return id
}

// Brc20Tick extracts the ticker from a BRC-20 id.
func (id Id256) Brc20Tick() ([4]byte, error) {
	var tick [4]byte
	if id[0] != Id256MarkBrc20 {
		return tick, fmt.Errorf("%w: mark=%d", ErrId256Family, id[0])
	}
	copy(tick[:], id[1:5])
	return tick, nil
}

// RuneId extracts block and tx index from a rune id.
func (id Id256) RuneId() (uint64, uint32, error) {
	if id[0] != Id256MarkRune {
		return 0, 0, fmt.Errorf("%w: mark=%d", ErrId256Family, id[0])
	}
	return binary.BigEndian.Uint64(id[1:9]), binary.BigEndian.Uint32(id[9:13]), nil
}

// EvmAddress extracts the chain id and address from an EVM id.
func (id Id256) EvmAddress() (uint32, ethcommon.Address, error) {
	if id[0] != Id256MarkEvm {
		return 0, ethcommon.Address{}, fmt.Errorf("%w: mark=%d", ErrId256Family, id[0])
	}
	return binary.BigEndian.Uint32(id[1:5]), ethcommon.BytesToAddress(id[5:25]), nil
}
