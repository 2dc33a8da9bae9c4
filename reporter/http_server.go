// This is the http surface of the bridge.
// Admin routes reconfigure the bridge and are gated on the owner's
// signature; query routes publish operation state.

package reporter

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/btcman/assembler"
	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/indexer"
	"github.com/btfbridge-io/bridge-go/logconfig"
	"github.com/btfbridge-io/bridge-go/operation"
)

const (
	ROUTE_CONFIGURE_ECDSA         = "/admin/configure_ecdsa"
	ROUTE_CONFIGURE_INDEXERS      = "/admin/configure_indexers"
	ROUTE_CONFIGURE_WRAPPED_TOKEN = "/admin/configure_wrapped_token"
	ROUTE_SET_BRIDGE_CONTRACT     = "/admin/set_btf_bridge_contract"
	ROUTE_SET_OWNER               = "/admin/set_owner"
	ROUTE_SET_LOGGER_FILTER       = "/admin/set_logger_filter"
	ROUTE_LOGS                    = "/admin/logs"

	ROUTE_OPERATIONS        = "/operations"
	ROUTE_MEMOS             = "/memos"
	ROUTE_OPERATION_LOG     = "/operation_log"
	ROUTE_OPERATION_BY_MEMO = "/operation_by_memo"
	ROUTE_DEPOSIT_ADDRESS   = "/deposit_address"
)

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	// upstream data sources
	cfg   *config.Storage
	store *operation.Store
	asm   *assembler.Assembler
	sink  *logconfig.MemorySink
}

func NewHttpReporter(serverIP, serverPort string, cfg *config.Storage,
	store *operation.Store, asm *assembler.Assembler, sink *logconfig.MemorySink) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		cfg:        cfg,
		store:      store,
		asm:        asm,
		sink:       sink,
	}
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.Default()

	router.POST(ROUTE_CONFIGURE_ECDSA, h.ConfigureEcdsa)
	router.POST(ROUTE_CONFIGURE_INDEXERS, h.ConfigureIndexers)
	router.POST(ROUTE_CONFIGURE_WRAPPED_TOKEN, h.ConfigureWrappedToken)
	router.POST(ROUTE_SET_BRIDGE_CONTRACT, h.SetBridgeContract)
	router.POST(ROUTE_SET_OWNER, h.SetOwner)
	router.POST(ROUTE_SET_LOGGER_FILTER, h.SetLoggerFilter)
	router.POST(ROUTE_LOGS, h.Logs)

	router.GET(ROUTE_OPERATIONS, h.Operations)
	router.GET(ROUTE_MEMOS, h.Memos)
	router.GET(ROUTE_OPERATION_LOG, h.OperationLog)
	router.GET(ROUTE_OPERATION_BY_MEMO, h.OperationByMemo)
	router.GET(ROUTE_DEPOSIT_ADDRESS, h.DepositAddress)

	return router
}

// Hook up router & ip:port
func (h *HttpReporter) Run() {
	router := h.SetupRouter()
	address := h.serverIP + ":" + h.serverPort
	if err := router.Run(address); err != nil {
		panic(err)
	}
}

// adminRequest is the envelope of every admin call: the raw payload plus the
// owner's personal-sign signature over it.
type adminRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// authorize verifies the signature against the configured owner and returns
// the payload. A missing owner configuration rejects every admin call.
func (h *HttpReporter) authorize(c *gin.Context) ([]byte, bool) {
	var req adminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	owner, err := h.cfg.Owner()
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "bridge owner is not configured"})
		return nil, false
	}

	signature, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil || len(signature) != 65 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature must be 65 hex bytes"})
		return nil, false
	}
	// normalize the recovery id, wallets emit 27/28
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	digest := textDigest(req.Payload)
	pub, err := crypto.SigToPub(digest[:], signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if crypto.PubkeyToAddress(*pub) != owner {
		c.JSON(http.StatusForbidden, gin.H{"error": "signer is not the bridge owner"})
		return nil, false
	}
	return req.Payload, true
}

// textDigest hashes the payload the personal-sign way so any EVM wallet can
// produce the signature.
func textDigest(payload []byte) ethcommon.Hash {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(payload))
	return crypto.Keccak256Hash([]byte(prefix), payload)
}

func (h *HttpReporter) ConfigureEcdsa(c *gin.Context) {
	payload, ok := h.authorize(c)
	if !ok {
		return
	}
	var strat config.SigningStrategy
	if err := json.Unmarshal(payload, &strat); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cfg.SetSigning(strat); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HttpReporter) ConfigureIndexers(c *gin.Context) {
	payload, ok := h.authorize(c)
	if !ok {
		return
	}
	var idx config.Indexers
	if err := json.Unmarshal(payload, &idx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := indexer.ValidateURLs(idx.URLs, idx.Threshold); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cfg.SetIndexers(idx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HttpReporter) ConfigureWrappedToken(c *gin.Context) {
	payload, ok := h.authorize(c)
	if !ok {
		return
	}
	var token config.WrappedToken
	if err := json.Unmarshal(payload, &token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cfg.SetWrappedToken(token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type addressPayload struct {
	Address string `json:"address"`
}

func (h *HttpReporter) SetBridgeContract(c *gin.Context) {
	payload, ok := h.authorize(c)
	if !ok {
		return
	}
	var body addressPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ethcommon.IsHexAddress(body.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not an EVM address"})
		return
	}
	if err := h.cfg.SetBridgeContract(ethcommon.HexToAddress(body.Address)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HttpReporter) SetOwner(c *gin.Context) {
	payload, ok := h.authorize(c)
	if !ok {
		return
	}
	var body addressPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ethcommon.IsHexAddress(body.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not an EVM address"})
		return
	}
	if err := h.cfg.SetOwner(ethcommon.HexToAddress(body.Address)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type loggerFilterPayload struct {
	Level string `json:"level"`
}

func (h *HttpReporter) SetLoggerFilter(c *gin.Context) {
	payload, ok := h.authorize(c)
	if !ok {
		return
	}
	var body loggerFilterPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := logconfig.SetFilter(body.Level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *HttpReporter) Logs(c *gin.Context) {
	if _, ok := h.authorize(c); !ok {
		return
	}
	if h.sink == nil {
		c.JSON(http.StatusOK, gin.H{"lines": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": h.sink.Recent()})
}

// Fetch the wallet's operations, paged.
func (h *HttpReporter) Operations(c *gin.Context) {
	walletHex := c.Query("wallet")
	if !ethcommon.IsHexAddress(walletHex) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet must be an EVM address"})
		return
	}
	wallet := ethcommon.HexToAddress(walletHex)

	var minID *operation.OperationId
	if raw := c.Query("min_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad min_id"})
			return
		}
		id := operation.OperationId(parsed)
		minID = &id
	}

	var page *operation.Pagination
	if raw := c.Query("count"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad count"})
			return
		}
		offset, _ := strconv.Atoi(c.Query("offset"))
		page = &operation.Pagination{Offset: offset, Count: count}
	}

	ids, ops, err := h.store.List(wallet, minID, page)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]gin.H, len(ids))
	for i := range ids {
		items[i] = gin.H{
			"id":        ids[i],
			"complete":  ops[i].IsComplete(),
			"operation": ops[i],
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

// Fetch every memo tag attached to the wallet's operations.
func (h *HttpReporter) Memos(c *gin.Context) {
	walletHex := c.Query("wallet")
	if !ethcommon.IsHexAddress(walletHex) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet must be an EVM address"})
		return
	}

	memos, err := h.store.MemosByUser(ethcommon.HexToAddress(walletHex))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	hexed := make([]string, len(memos))
	for i, m := range memos {
		hexed[i] = hex.EncodeToString(m[:])
	}
	c.JSON(http.StatusOK, gin.H{"memos": hexed})
}

// Fetch the step history of one operation.
func (h *HttpReporter) OperationLog(c *gin.Context) {
	id, err := strconv.ParseUint(c.Query("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad id"})
		return
	}

	log, found, err := h.store.GetLog(operation.OperationId(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such operation"})
		return
	}

	entries := make([]gin.H, len(log.Entries))
	for i, e := range log.Entries {
		entries[i] = gin.H{
			"timestamp_ns": e.TimestampNs,
			"ok":           e.Ok,
			"payload":      json.RawMessage(e.Payload),
			"error":        e.ErrMsg,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":  log.WalletAddress,
		"entries": entries,
	})
}

// Fetch an operation by its memo and wallet.
func (h *HttpReporter) OperationByMemo(c *gin.Context) {
	walletHex := c.Query("wallet")
	if !ethcommon.IsHexAddress(walletHex) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet must be an EVM address"})
		return
	}
	memoBytes, err := hex.DecodeString(strings.TrimPrefix(c.Query("memo"), "0x"))
	if err != nil || len(memoBytes) != len(agreement.Memo{}) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "memo must be 32 hex bytes"})
		return
	}
	var memo agreement.Memo
	copy(memo[:], memoBytes)

	id, op, found, err := h.store.GetByMemoAndUser(memo, ethcommon.HexToAddress(walletHex))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no operation with this memo"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "operation": op})
}

// Fetch the BTC deposit address derived for an EVM wallet.
func (h *HttpReporter) DepositAddress(c *gin.Context) {
	walletHex := c.Query("wallet")
	if !ethcommon.IsHexAddress(walletHex) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet must be an EVM address"})
		return
	}

	path := assembler.DerivationPathFromAddress(ethcommon.HexToAddress(walletHex))
	addr, err := h.asm.DepositAddress(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.String()})
}
