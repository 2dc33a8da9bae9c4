package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/btfbridge-io/bridge-go/agreement"
)

func TestValidateURLs(t *testing.T) {
	good := []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"}

	assert.NoError(t, ValidateURLs(good, 2))
	assert.NoError(t, ValidateURLs(good, 3))

	assert.Equal(t, ErrThresholdTooLow, ValidateURLs(good, 1))
	assert.Equal(t, ErrTooFewIndexers, ValidateURLs(good[:1], 2))

	assert.ErrorIs(t, ValidateURLs([]string{"https://a.example.com", "http://b.example.com"}, 2), ErrNotHTTPS)
	assert.ErrorIs(t, ValidateURLs([]string{"https://a.example.com", "https://a.example.com"}, 2), ErrDuplicateIndexer)
}

func tokenServer(t *testing.T, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ordinals/v1/brc-20/tokens/ordi", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestQuorumAgreement(t *testing.T) {
	agreeing := `{"ticker":"ordi","decimals":18,"max_supply":"21000000"}`
	// same payload with different field order and an extra field
	reordered := `{"decimals":18,"ticker":"ordi","max_supply":"21000000","self_mint":false}`
	divergent := `{"ticker":"ordi","decimals":8,"max_supply":"21000000"}`

	var servers []*httptest.Server
	var urls []string
	for _, body := range []string{agreeing, reordered, divergent} {
		srv := tokenServer(t, body)
		servers = append(servers, srv)
		urls = append(urls, srv.URL)
	}
	defer func() {
		for _, srv := range servers {
			srv.Close()
		}
	}()

	client := newClient(urls, 2)
	info, err := client.TokenInfo(context.Background(), "ordi")
	assert.NoError(t, err)
	assert.Equal(t, "ordi", info.Ticker)
	assert.Equal(t, uint8(18), info.Decimals)
}

func TestQuorumNoConsensus(t *testing.T) {
	// five answers, best agreement is 2 of 5 with threshold 3
	bodies := []string{
		`{"ticker":"ordi","decimals":18}`,
		`{"ticker":"ordi","decimals":18}`,
		`{"ticker":"ordi","decimals":8}`,
		`{"ticker":"ordi","decimals":8}`,
		`{"ticker":"ordi","decimals":9}`,
	}

	var servers []*httptest.Server
	var urls []string
	for _, body := range bodies {
		srv := tokenServer(t, body)
		servers = append(servers, srv)
		urls = append(urls, srv.URL)
	}
	defer func() {
		for _, srv := range servers {
			srv.Close()
		}
	}()

	client := newClient(urls, 3)
	_, err := client.TokenInfo(context.Background(), "ordi")
	assert.Equal(t, agreement.ErrNoIndexerConsensus, err)
}

func TestQuorumToleratesFailedIndexers(t *testing.T) {
	body := `{"ticker":"ordi","decimals":18}`

	good1 := tokenServer(t, body)
	defer good1.Close()
	good2 := tokenServer(t, body)
	defer good2.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer broken.Close()

	client := newClient([]string{good1.URL, good2.URL, broken.URL}, 2)
	info, err := client.TokenInfo(context.Background(), "ordi")
	assert.NoError(t, err)
	assert.Equal(t, "ordi", info.Ticker)
}

func TestQuorumAddressUtxos(t *testing.T) {
	body := `[{"txid":"aa","vout":1,"value":5000,"confirmations":12},{"txid":"bb","vout":0,"value":700,"confirmations":3}]`

	var servers []*httptest.Server
	var urls []string
	for i := 0; i < 2; i++ {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/address/bc1qtest/utxos", r.URL.Path)
			w.Write([]byte(body))
		}))
		servers = append(servers, srv)
		urls = append(urls, srv.URL)
	}
	defer func() {
		for _, srv := range servers {
			srv.Close()
		}
	}()

	client := newClient(urls, 2)
	utxos, err := client.AddressUtxos(context.Background(), "bc1qtest")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(utxos))
	assert.Equal(t, uint64(5000), utxos[0].Value)
	assert.Equal(t, uint32(3), utxos[1].Confirmations)
}
