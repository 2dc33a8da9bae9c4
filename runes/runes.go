// Package runes holds the protocol-level rune identifiers: the etched name
// in its modified base-26 form and the block:tx id.
package runes

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

var (
	ErrEmptyRuneName = errors.New("rune name is empty")
	ErrBadRuneChar   = errors.New("rune name may only contain A-Z")
	ErrBadRuneId     = errors.New("rune id must look like block:tx")
)

// RuneName is a rune's etched name. The numeric form is the modified
// base-26 value: "A" is 0, "Z" is 25, "AA" is 26 and so on.
type RuneName struct {
	value big.Int
}

var twentySix = big.NewInt(26)

// RuneNameFromString parses an A-Z name.
func RuneNameFromString(s string) (RuneName, error) {
	if s == "" {
		return RuneName{}, ErrEmptyRuneName
	}
	var name RuneName
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return RuneName{}, fmt.Errorf("%w: %q", ErrBadRuneChar, s)
		}
		if i > 0 {
			name.value.Add(&name.value, big.NewInt(1))
		}
		name.value.Mul(&name.value, twentySix)
		name.value.Add(&name.value, big.NewInt(int64(c-'A')))
	}
	return name, nil
}

// RuneNameFromValue builds a name directly from its numeric form.
func RuneNameFromValue(value *big.Int) RuneName {
	var name RuneName
	name.value.Set(value)
	return name
}

func (n RuneName) Value() *big.Int {
	return new(big.Int).Set(&n.value)
}

func (n RuneName) String() string {
	x := new(big.Int).Add(&n.value, big.NewInt(1))
	var out []byte
	mod := new(big.Int)
	for x.Sign() > 0 {
		x.Sub(x, big.NewInt(1))
		x.DivMod(x, twentySix, mod)
		out = append(out, byte('A'+mod.Int64()))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// RuneId locates a rune by the etching transaction.
type RuneId struct {
	Block uint64
	Tx    uint32
}

func RuneIdFromString(s string) (RuneId, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return RuneId{}, ErrBadRuneId
	}
	block, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return RuneId{}, fmt.Errorf("%w: %q", ErrBadRuneId, s)
	}
	tx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return RuneId{}, fmt.Errorf("%w: %q", ErrBadRuneId, s)
	}
	return RuneId{Block: block, Tx: uint32(tx)}, nil
}

func (id RuneId) String() string {
	return fmt.Sprintf("%d:%d", id.Block, id.Tx)
}
