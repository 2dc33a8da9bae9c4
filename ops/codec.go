package ops

import (
	"encoding/json"
	"fmt"

	"github.com/btfbridge-io/bridge-go/operation"
)

const (
	opTypeDeposit  = "deposit"
	opTypeWithdraw = "withdraw"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Codec serializes operations for the store and injects the runtime into
// decoded ones, so a freshly loaded operation can run immediately.
type Codec struct {
	rt *Runtime
}

func NewCodec(rt *Runtime) *Codec {
	return &Codec{rt: rt}
}

func (c *Codec) Encode(op operation.Operation) ([]byte, error) {
	var env envelope
	var err error

	switch typed := op.(type) {
	case *DepositOp:
		env.Type = opTypeDeposit
		env.Payload, err = json.Marshal(typed)
	case *WithdrawOp:
		env.Type = opTypeWithdraw
		env.Payload, err = json.Marshal(typed)
	default:
		return nil, fmt.Errorf("codec cannot encode %T", op)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (c *Codec) Decode(data []byte) (operation.Operation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case opTypeDeposit:
		op := &DepositOp{rt: c.rt}
		if err := json.Unmarshal(env.Payload, op); err != nil {
			return nil, err
		}
		return op, nil
	case opTypeWithdraw:
		op := &WithdrawOp{rt: c.rt}
		if err := json.Unmarshal(env.Payload, op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, fmt.Errorf("codec cannot decode operation type %q", env.Type)
	}
}
