package signer

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-resty/resty/v2"

	"github.com/btfbridge-io/bridge-go/common"
)

// Remote signs through an external threshold signer over HTTP. Requests are
// serialized: threshold protocols cannot run two signing rounds for the same
// key at once.
type Remote struct {
	mu      sync.Mutex
	client  *resty.Client
	address ethcommon.Address
}

type addressResponse struct {
	Address string `json:"address"`
}

type signDigestRequest struct {
	Digest string `json:"digest"`
}

type signDigestResponse struct {
	Signature string `json:"signature"`
}

type signTxRequest struct {
	ChainID uint64 `json:"chain_id"`
	RawTx   string `json:"raw_tx"`
}

type signTxResponse struct {
	RawTx string `json:"raw_tx"`
}

// NewRemote connects to the signer at endpoint and fetches its key address.
func NewRemote(endpoint string) (*Remote, error) {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(30 * time.Second)

	// some signer builds omit the content-type header, parse as json anyway
	var addrResp addressResponse
	resp, err := client.R().
		SetResult(&addrResp).
		ForceContentType("application/json").
		Get("/v1/address")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote signer address query failed: %s", resp.Status())
	}

	address := ethcommon.HexToAddress(addrResp.Address)
	if address == (ethcommon.Address{}) {
		// also hit when the response did not parse as the expected json
		return nil, fmt.Errorf("remote signer %s reported no key address", endpoint)
	}

	return &Remote{
		client:  client,
		address: address,
	}, nil
}

func (r *Remote) Address() ethcommon.Address {
	return r.address
}

func (r *Remote) SignDigest(digest [32]byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result signDigestResponse
	resp, err := r.client.R().
		SetBody(signDigestRequest{Digest: common.ByteSliceToPureHexStr(digest[:])}).
		SetResult(&result).
		ForceContentType("application/json").
		Post("/v1/sign_digest")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote signer rejected digest: %s", resp.Status())
	}

	sig := common.HexStrToByteSlice(result.Signature)
	if len(sig) != 65 {
		return nil, fmt.Errorf("remote signer returned %d byte signature, want 65", len(sig))
	}
	return sig, nil
}

func (r *Remote) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var result signTxResponse
	resp, err := r.client.R().
		SetBody(signTxRequest{
			ChainID: chainID.Uint64(),
			RawTx:   common.ByteSliceToPureHexStr(rawTx),
		}).
		SetResult(&result).
		ForceContentType("application/json").
		Post("/v1/sign_tx")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote signer rejected tx: %s", resp.Status())
	}

	signed := &types.Transaction{}
	if err := signed.UnmarshalBinary(common.HexStrToByteSlice(result.RawTx)); err != nil {
		return nil, err
	}
	return signed, nil
}
