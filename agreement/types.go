/*
Shared data structures that cross component boundaries: the decoded BTFBridge
event shapes, the deposit request, and the memo tag.
*/
package agreement

import (
	"errors"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Memo tags an operation for later lookup by (memo, user).
type Memo [32]byte

// Brc20Tick is the 4-byte BRC-20 ticker.
type Brc20Tick [4]byte

var ErrBadTick = errors.New("brc20 tick must be exactly 4 bytes")

func TickFromString(s string) (Brc20Tick, error) {
	var t Brc20Tick
	if len(s) != 4 {
		return t, ErrBadTick
	}
	copy(t[:], s)
	return t, nil
}

func (t Brc20Tick) String() string {
	return string(t[:])
}

// DepositRequest asks the bridge to mint wrapped tokens against a BRC-20 or
// rune balance held on the deposit address derived from DstAddress.
type DepositRequest struct {
	Amount     *big.Int
	Tick       Brc20Tick
	DstAddress ethcommon.Address
	DstToken   ethcommon.Address

	// Optional approve-after-mint. Only honored when the notifying tx
	// sender is the recipient.
	ApproveSpender ethcommon.Address
	ApproveAmount  *big.Int
}

// Wire sizes of an encoded deposit request: amount (32) + tick (4) +
// dst address (20) + dst token (20), optionally followed by approve
// spender (20) + approve amount (32).
const (
	DepositRequestBaseSize    = 76
	DepositRequestApproveSize = 128
)

var ErrBadDepositRequest = errors.New("deposit request must be 76 or 128 bytes")

// Encode packs the request into its fixed wire layout. Approve fields are
// appended only when a spender is set.
func (r *DepositRequest) Encode() []byte {
	out := make([]byte, 0, DepositRequestApproveSize)
	var amount [32]byte
	r.Amount.FillBytes(amount[:])
	out = append(out, amount[:]...)
	out = append(out, r.Tick[:]...)
	out = append(out, r.DstAddress.Bytes()...)
	out = append(out, r.DstToken.Bytes()...)

	if r.ApproveSpender != (ethcommon.Address{}) {
		out = append(out, r.ApproveSpender.Bytes()...)
		var approve [32]byte
		if r.ApproveAmount != nil {
			r.ApproveAmount.FillBytes(approve[:])
		}
		out = append(out, approve[:]...)
	}
	return out
}

func DecodeDepositRequest(data []byte) (*DepositRequest, error) {
	if len(data) != DepositRequestBaseSize && len(data) != DepositRequestApproveSize {
		return nil, ErrBadDepositRequest
	}
	req := &DepositRequest{
		Amount: new(big.Int).SetBytes(data[:32]),
	}
	copy(req.Tick[:], data[32:36])
	req.DstAddress = ethcommon.BytesToAddress(data[36:56])
	req.DstToken = ethcommon.BytesToAddress(data[56:76])

	if len(data) == DepositRequestApproveSize {
		req.ApproveSpender = ethcommon.BytesToAddress(data[76:96])
		req.ApproveAmount = new(big.Int).SetBytes(data[96:128])
	}
	return req, nil
}

// MintTokenEvent is emitted by the bridge contract when wrapped tokens
// were minted for a signed order.
type MintTokenEvent struct {
	Amount     *big.Int
	FromToken  [32]byte
	SenderID   [32]byte
	ToERC20    ethcommon.Address
	Recipient  ethcommon.Address
	Nonce      uint32
	ChargedFee *big.Int
}

// BurnTokenEvent is emitted when a user burnt wrapped tokens to withdraw
// the native asset.
type BurnTokenEvent struct {
	Sender      ethcommon.Address
	Amount      *big.Int
	FromERC20   ethcommon.Address
	RecipientID []byte
	ToToken     [32]byte
	OperationID uint32
	Name        [32]byte
	Symbol      [16]byte
	Decimals    uint8
	Memo        Memo
}

// NotifyMinterEvent carries a user notification to the bridge. The payload
// interpretation depends on NotificationType.
type NotifyMinterEvent struct {
	NotificationType uint32
	TxSender         ethcommon.Address
	UserData         []byte
	Memo             Memo
}

// Notification types understood by the bridge.
const (
	NotificationTypeDeposit    uint32 = 1
	NotificationTypeReschedule uint32 = 2
)
