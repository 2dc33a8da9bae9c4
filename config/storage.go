// Package config holds the bridge's durable settings: owner, EVM link,
// bridge contract, signing strategy, cached chain parameters and BTC side
// settings. Everything lives in one sqlite kv table so a restart comes back
// with the exact same view.
package config

import (
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/database"
)

var configTable = `
CREATE TABLE IF NOT EXISTS bridge_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	keyOwner          = "owner"
	keyEvmLink        = "evm_link"
	keyBridgeContract = "bridge_contract"
	keySigning        = "signing"
	keyEvmParams      = "evm_params"
	keyBtcParams      = "btc_params"
	keyIndexers       = "indexers"
	keyWrappedPrefix  = "wrapped_token/"
)

var ErrNotConfigured = errors.New("config value not set")

type SigningStrategyType string

const (
	SigningLocal  SigningStrategyType = "local"
	SigningRemote SigningStrategyType = "remote"
)

// SigningStrategy selects how mint orders and EVM transactions get signed.
type SigningStrategy struct {
	Type SigningStrategyType `json:"type"`

	// PrivateKey is the hex encoded secp256k1 key, local strategy only.
	PrivateKey string `json:"private_key,omitempty"`

	// Endpoint is the remote signer URL, remote strategy only.
	Endpoint string `json:"endpoint,omitempty"`
}

// EvmParams caches the EVM chain view the services work against.
type EvmParams struct {
	ChainID   uint64   `json:"chain_id"`
	NextBlock uint64   `json:"next_block"`
	Nonce     uint64   `json:"nonce"`
	GasPrice  *big.Int `json:"gas_price"`
}

// BtcParams holds the bitcoin side settings, including the cached fee rate.
type BtcParams struct {
	Network           string `json:"network"`
	MinConfirmations  uint32 `json:"min_confirmations"`
	FeeRateSatsPerVb  uint64 `json:"fee_rate_sats_per_vb"`
	FeeRateUpdatedNs  int64  `json:"fee_rate_updated_ns"`
	DepositFeePerByte uint64 `json:"deposit_fee_per_byte,omitempty"`
}

// Indexers is the quorum configuration of the BRC-20/rune indexer fleet.
type Indexers struct {
	URLs      []string `json:"urls"`
	Threshold int      `json:"threshold"`
}

// WrappedToken pairs a base-chain token with its wrapped ERC-20.
type WrappedToken struct {
	BaseToken common.Id256      `json:"base_token"`
	Erc20     ethcommon.Address `json:"erc20"`
	Name      string            `json:"name"`
	Symbol    string            `json:"symbol"`
	Decimals  uint8             `json:"decimals"`
}

type Storage struct {
	mu        sync.Mutex
	stmtCache *database.StmtCache
}

func NewStorage(db *sql.DB) (*Storage, error) {
	if _, err := db.Exec(configTable); err != nil {
		return nil, err
	}
	return &Storage{stmtCache: database.NewStmtCache(db)}, nil
}

func (s *Storage) Close() {
	s.stmtCache.Clear()
}

func (s *Storage) get(key string, out interface{}) error {
	stmt, err := s.stmtCache.Prepare(`SELECT value FROM bridge_config WHERE key = ?`)
	if err != nil {
		return err
	}
	var value string
	if err := stmt.QueryRow(key).Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotConfigured
		}
		return err
	}
	return json.Unmarshal([]byte(value), out)
}

func (s *Storage) set(key string, in interface{}) error {
	value, err := json.Marshal(in)
	if err != nil {
		return err
	}
	stmt, err := s.stmtCache.Prepare(
		`INSERT INTO bridge_config (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key, string(value))
	return err
}

func (s *Storage) Owner() (ethcommon.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hex string
	if err := s.get(keyOwner, &hex); err != nil {
		return ethcommon.Address{}, err
	}
	return ethcommon.HexToAddress(hex), nil
}

func (s *Storage) SetOwner(owner ethcommon.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyOwner, owner.Hex())
}

func (s *Storage) EvmLink() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var url string
	err := s.get(keyEvmLink, &url)
	return url, err
}

func (s *Storage) SetEvmLink(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyEvmLink, url)
}

func (s *Storage) BridgeContract() (ethcommon.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hex string
	if err := s.get(keyBridgeContract, &hex); err != nil {
		return ethcommon.Address{}, err
	}
	return ethcommon.HexToAddress(hex), nil
}

func (s *Storage) SetBridgeContract(addr ethcommon.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyBridgeContract, addr.Hex())
}

func (s *Storage) Signing() (SigningStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var strat SigningStrategy
	err := s.get(keySigning, &strat)
	return strat, err
}

func (s *Storage) SetSigning(strat SigningStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keySigning, strat)
}

func (s *Storage) EvmParams() (EvmParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var params EvmParams
	err := s.get(keyEvmParams, &params)
	return params, err
}

func (s *Storage) SetEvmParams(params EvmParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyEvmParams, params)
}

// UpdateEvmParams applies fn to the cached params under the storage lock,
// so concurrent nonce bumps cannot lose updates.
func (s *Storage) UpdateEvmParams(fn func(*EvmParams)) (EvmParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var params EvmParams
	if err := s.get(keyEvmParams, &params); err != nil && err != ErrNotConfigured {
		return params, err
	}
	fn(&params)
	return params, s.set(keyEvmParams, params)
}

func (s *Storage) BtcParams() (BtcParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var params BtcParams
	err := s.get(keyBtcParams, &params)
	return params, err
}

func (s *Storage) SetBtcParams(params BtcParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyBtcParams, params)
}

func (s *Storage) Indexers() (Indexers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var idx Indexers
	err := s.get(keyIndexers, &idx)
	return idx, err
}

func (s *Storage) SetIndexers(idx Indexers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyIndexers, idx)
}

func (s *Storage) WrappedToken(base common.Id256) (WrappedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var token WrappedToken
	err := s.get(keyWrappedPrefix+common.ByteSliceToPureHexStr(base[:]), &token)
	return token, err
}

func (s *Storage) SetWrappedToken(token WrappedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyWrappedPrefix+common.ByteSliceToPureHexStr(token.BaseToken[:]), token)
}

func (s *Storage) WrappedTokens() ([]WrappedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, err := s.stmtCache.Prepare(
		`SELECT value FROM bridge_config WHERE key LIKE ? ORDER BY key`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(keyWrappedPrefix + "%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []WrappedToken
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		var token WrappedToken
		if err := json.Unmarshal([]byte(value), &token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
