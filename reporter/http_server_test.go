package reporter

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/btcman/assembler"
	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/database"
	"github.com/btfbridge-io/bridge-go/operation"
	"github.com/btfbridge-io/bridge-go/ops"
)

type reporterEnv struct {
	cfg      *config.Storage
	store    *operation.Store
	rt       *ops.Runtime
	router   *gin.Engine
	ownerKey *ecdsa.PrivateKey
}

func newTestReporterEnv(t *testing.T) *reporterEnv {
	gin.SetMode(gin.TestMode)

	db := database.OpenMemory()
	t.Cleanup(func() { db.Close() })

	cfg, err := config.NewStorage(db)
	assert.NoError(t, err)

	ownerKey, err := crypto.GenerateKey()
	assert.NoError(t, err)
	assert.NoError(t, cfg.SetOwner(crypto.PubkeyToAddress(ownerKey.PublicKey)))

	rt := &ops.Runtime{Config: cfg}
	store, err := operation.NewStore(db, ops.NewCodec(rt))
	assert.NoError(t, err)
	t.Cleanup(store.Close)

	btcKey, err := btcec.NewPrivateKey()
	assert.NoError(t, err)
	asm := assembler.NewAssembler(assembler.GetRegtestParams(), btcKey)

	reporter := NewHttpReporter("127.0.0.1", "0", cfg, store, asm, nil)
	return &reporterEnv{
		cfg:      cfg,
		store:    store,
		rt:       rt,
		router:   reporter.SetupRouter(),
		ownerKey: ownerKey,
	}
}

func (e *reporterEnv) adminCall(t *testing.T, route string, payload any,
	key *ecdsa.PrivateKey) *httptest.ResponseRecorder {
	raw, err := json.Marshal(payload)
	assert.NoError(t, err)

	digest := textDigest(raw)
	signature, err := crypto.Sign(digest[:], key)
	assert.NoError(t, err)

	body, err := json.Marshal(adminRequest{
		Payload:   raw,
		Signature: hex.EncodeToString(signature),
	})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, route, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminRequiresOwnerSignature(t *testing.T) {
	env := newTestReporterEnv(t)

	stranger, err := crypto.GenerateKey()
	assert.NoError(t, err)

	rec := env.adminCall(t, ROUTE_SET_LOGGER_FILTER, loggerFilterPayload{Level: "debug"}, stranger)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.adminCall(t, ROUTE_SET_LOGGER_FILTER, loggerFilterPayload{Level: "debug"}, env.ownerKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigureIndexersValidates(t *testing.T) {
	env := newTestReporterEnv(t)

	rec := env.adminCall(t, ROUTE_CONFIGURE_INDEXERS, config.Indexers{
		URLs:      []string{"http://a.example", "http://b.example"},
		Threshold: 2,
	}, env.ownerKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "plain http is rejected")

	rec = env.adminCall(t, ROUTE_CONFIGURE_INDEXERS, config.Indexers{
		URLs:      []string{"https://a.example", "https://b.example", "https://c.example"},
		Threshold: 2,
	}, env.ownerKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	idx, err := env.cfg.Indexers()
	assert.NoError(t, err)
	assert.Equal(t, 3, len(idx.URLs))
	assert.Equal(t, 2, idx.Threshold)
}

func TestSetBridgeContractAndOwner(t *testing.T) {
	env := newTestReporterEnv(t)

	contract := common.RandEvmAddress()
	rec := env.adminCall(t, ROUTE_SET_BRIDGE_CONTRACT,
		addressPayload{Address: contract.Hex()}, env.ownerKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := env.cfg.BridgeContract()
	assert.NoError(t, err)
	assert.Equal(t, contract, got)

	// ownership handover: the old key stops working after set_owner
	newKey, err := crypto.GenerateKey()
	assert.NoError(t, err)
	rec = env.adminCall(t, ROUTE_SET_OWNER,
		addressPayload{Address: crypto.PubkeyToAddress(newKey.PublicKey).Hex()}, env.ownerKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.adminCall(t, ROUTE_SET_LOGGER_FILTER, loggerFilterPayload{Level: "info"}, env.ownerKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.adminCall(t, ROUTE_SET_LOGGER_FILTER, loggerFilterPayload{Level: "info"}, newKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigureWrappedToken(t *testing.T) {
	env := newTestReporterEnv(t)

	token := config.WrappedToken{
		BaseToken: common.Id256FromBrc20Tick([4]byte{'o', 'r', 'd', 'i'}),
		Erc20:     common.RandEvmAddress(),
		Name:      "Ordinals",
		Symbol:    "ORDI",
		Decimals:  18,
	}
	rec := env.adminCall(t, ROUTE_CONFIGURE_WRAPPED_TOKEN, token, env.ownerKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := env.cfg.WrappedToken(token.BaseToken)
	assert.NoError(t, err)
	assert.Equal(t, token.Erc20, got.Erc20)
}

func TestOperationsQuery(t *testing.T) {
	env := newTestReporterEnv(t)
	wallet := common.RandEvmAddress()

	for i := 0; i < 3; i++ {
		deposit := ops.NewDeposit(env.rt, agreement.DepositRequest{
			Amount: big.NewInt(int64(i + 1)), DstAddress: wallet, DstToken: common.RandEvmAddress(),
		})
		_, err := env.store.NewOperation(deposit, nil)
		assert.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, ROUTE_OPERATIONS+"?wallet="+wallet.Hex(), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, len(resp.Data))

	// paging
	req = httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("%s?wallet=%s&count=2", ROUTE_OPERATIONS, wallet.Hex()), nil)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, len(resp.Data))

	// wrong wallet sees nothing
	req = httptest.NewRequest(http.MethodGet,
		ROUTE_OPERATIONS+"?wallet="+common.RandEvmAddress().Hex(), nil)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, len(resp.Data))
}

func TestOperationByMemoQuery(t *testing.T) {
	env := newTestReporterEnv(t)
	wallet := common.RandEvmAddress()
	memo := agreement.Memo(common.RandBytes32())

	deposit := ops.NewDeposit(env.rt, agreement.DepositRequest{
		Amount: big.NewInt(7), DstAddress: wallet, DstToken: common.RandEvmAddress(),
	})
	_, err := env.store.NewOperation(deposit, &memo)
	assert.NoError(t, err)

	url := fmt.Sprintf("%s?wallet=%s&memo=%s", ROUTE_OPERATION_BY_MEMO,
		wallet.Hex(), hex.EncodeToString(memo[:]))
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("%s?wallet=%s&memo=%s",
		ROUTE_OPERATION_BY_MEMO, wallet.Hex(), hex.EncodeToString(make([]byte, 32))), nil)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemosQuery(t *testing.T) {
	env := newTestReporterEnv(t)
	wallet := common.RandEvmAddress()

	memos := []agreement.Memo{
		agreement.Memo(common.RandBytes32()),
		agreement.Memo(common.RandBytes32()),
	}
	for _, memo := range memos {
		deposit := ops.NewDeposit(env.rt, agreement.DepositRequest{
			Amount: big.NewInt(3), DstAddress: wallet, DstToken: common.RandEvmAddress(),
		})
		m := memo
		_, err := env.store.NewOperation(deposit, &m)
		assert.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("%s?wallet=%s", ROUTE_MEMOS, wallet.Hex()), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Memos []string `json:"memos"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{
		hex.EncodeToString(memos[0][:]),
		hex.EncodeToString(memos[1][:]),
	}, resp.Memos)

	req = httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("%s?wallet=%s", ROUTE_MEMOS, common.RandEvmAddress().Hex()), nil)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, len(resp.Memos))
}

func TestOperationLogQuery(t *testing.T) {
	env := newTestReporterEnv(t)

	deposit := ops.NewDeposit(env.rt, agreement.DepositRequest{
		Amount: big.NewInt(1), DstAddress: common.RandEvmAddress(), DstToken: common.RandEvmAddress(),
	})
	id, err := env.store.NewOperation(deposit, nil)
	assert.NoError(t, err)
	assert.NoError(t, env.store.AppendError(id, "indexer timeout"))

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("%s?id=%d", ROUTE_OPERATION_LOG, id), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []struct {
			Ok    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"entries"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, len(resp.Entries))
	assert.True(t, resp.Entries[0].Ok)
	assert.Equal(t, "indexer timeout", resp.Entries[1].Error)

	req = httptest.NewRequest(http.MethodGet, ROUTE_OPERATION_LOG+"?id=404", nil)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDepositAddressQuery(t *testing.T) {
	env := newTestReporterEnv(t)
	wallet := common.RandEvmAddress()

	req := httptest.NewRequest(http.MethodGet,
		ROUTE_DEPOSIT_ADDRESS+"?wallet="+wallet.Hex(), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Address string `json:"address"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Address)

	// the same wallet always derives the same address
	rec2 := httptest.NewRecorder()
	env.router.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet,
		ROUTE_DEPOSIT_ADDRESS+"?wallet="+wallet.Hex(), nil))
	var resp2 struct {
		Address string `json:"address"`
	}
	assert.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp2))
	assert.Equal(t, resp.Address, resp2.Address)

	rec3 := httptest.NewRecorder()
	env.router.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet,
		ROUTE_DEPOSIT_ADDRESS+"?wallet=nothex", nil))
	assert.Equal(t, http.StatusBadRequest, rec3.Code)
}
