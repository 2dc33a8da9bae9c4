package common

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexStrRoundTrip(t *testing.T) {
	b := RandBytes32()
	s := ByteSliceToPureHexStr(b[:])
	assert.Equal(t, b, HexStrToBytes32(s))
	assert.Equal(t, b, HexStrToBytes32("0x"+s))
}

func TestBigInt2Bytes32(t *testing.T) {
	v := big.NewInt(0x1234)
	b := BigInt2Bytes32(v)
	assert.Equal(t, byte(0x12), b[30])
	assert.Equal(t, byte(0x34), b[31])
	assert.Equal(t, v, new(big.Int).SetBytes(b[:]))

	assert.Equal(t, [32]byte{}, BigInt2Bytes32(nil))
}

func TestId256EvmAddress(t *testing.T) {
	addr := RandEvmAddress()
	id := Id256FromEvmAddress(addr, 355113)

	chainID, got, err := id.EvmAddress()
	assert.NoError(t, err)
	assert.Equal(t, uint32(355113), chainID)
	assert.Equal(t, addr, got)

	_, _, err = Id256FromBtcAddress("bc1qtest").EvmAddress()
	assert.ErrorIs(t, err, ErrId256Family)
}

func TestId256Brc20Tick(t *testing.T) {
	id := Id256FromBrc20Tick([4]byte{'O', 'R', 'D', 'I'})
	tick, err := id.Brc20Tick()
	assert.NoError(t, err)
	assert.Equal(t, [4]byte{'O', 'R', 'D', 'I'}, tick)
}

func TestId256RuneId(t *testing.T) {
	id := Id256FromRuneId(840000, 25)
	block, tx, err := id.RuneId()
	assert.NoError(t, err)
	assert.Equal(t, uint64(840000), block)
	assert.Equal(t, uint32(25), tx)
}

func TestId256BtcAddressDeterministic(t *testing.T) {
	a := Id256FromBtcAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	b := Id256FromBtcAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Id256FromBtcAddress("bc1qother"))
}
