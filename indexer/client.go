// Package indexer queries a fleet of BRC-20/rune indexers and only trusts
// answers that a quorum of them agree on. Indexers are unauthenticated
// external services, so no single one is ever believed on its own.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
)

const requestTimeout = 30 * time.Second

var (
	ErrThresholdTooLow  = errors.New("indexer threshold must be at least 2")
	ErrTooFewIndexers   = errors.New("fewer indexer urls than the threshold")
	ErrNotHTTPS         = errors.New("indexer urls must use https")
	ErrDuplicateIndexer = errors.New("duplicate indexer url")
)

type Client struct {
	clients   []*resty.Client
	urls      []string
	threshold int
}

// ValidateURLs checks the quorum configuration without building a client.
func ValidateURLs(urls []string, threshold int) error {
	if threshold < 2 {
		return ErrThresholdTooLow
	}
	if len(urls) < threshold {
		return ErrTooFewIndexers
	}
	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("indexer url %q: %w", raw, err)
		}
		if parsed.Scheme != "https" {
			return fmt.Errorf("%w: %q", ErrNotHTTPS, raw)
		}
		key := strings.TrimRight(raw, "/")
		if seen[key] {
			return fmt.Errorf("%w: %q", ErrDuplicateIndexer, raw)
		}
		seen[key] = true
	}
	return nil
}

func New(urls []string, threshold int) (*Client, error) {
	if err := ValidateURLs(urls, threshold); err != nil {
		return nil, err
	}
	return newClient(urls, threshold), nil
}

func newClient(urls []string, threshold int) *Client {
	clients := make([]*resty.Client, len(urls))
	for i, u := range urls {
		clients[i] = resty.New().SetBaseURL(u).SetTimeout(requestTimeout)
	}
	return &Client{clients: clients, urls: urls, threshold: threshold}
}

// Brc20TokenInfo is the token descriptor served by the BRC-20 indexers.
type Brc20TokenInfo struct {
	Ticker      string `json:"ticker"`
	Decimals    uint8  `json:"decimals"`
	MaxSupply   string `json:"max_supply"`
	MintedTotal string `json:"minted_supply"`
}

type Brc20Balance struct {
	Ticker           string `json:"ticker"`
	OverallBalance   string `json:"overall_balance"`
	AvailableBalance string `json:"available_balance"`
}

type RuneInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Spaced   string `json:"spaced_rune"`
	Divisib  uint8  `json:"divisibility"`
	Symbol   string `json:"symbol"`
	Turbo    bool   `json:"turbo"`
	Premine  string `json:"premine"`
	Burned   string `json:"burned"`
	MintsCap string `json:"terms_cap,omitempty"`
}

// Utxo is one unspent output of an address as the indexers report it.
type Utxo struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         uint64 `json:"value"`
	Confirmations uint32 `json:"confirmations"`
}

func (c *Client) TokenInfo(ctx context.Context, tick string) (Brc20TokenInfo, error) {
	var info Brc20TokenInfo
	err := c.quorumGet(ctx, "/ordinals/v1/brc-20/tokens/"+url.PathEscape(tick), nil, &info)
	return info, err
}

func (c *Client) Balance(ctx context.Context, address, tick string) (Brc20Balance, error) {
	var balance Brc20Balance
	err := c.quorumGet(ctx, "/ordinals/v1/brc-20/balances/"+url.PathEscape(address),
		map[string]string{"ticker": tick}, &balance)
	return balance, err
}

func (c *Client) RuneInfo(ctx context.Context, runeID string) (RuneInfo, error) {
	var info RuneInfo
	err := c.quorumGet(ctx, "/rune/"+url.PathEscape(runeID), nil, &info)
	return info, err
}

func (c *Client) AddressUtxos(ctx context.Context, address string) ([]Utxo, error) {
	var utxos []Utxo
	err := c.quorumGet(ctx, "/address/"+url.PathEscape(address)+"/utxos", nil, &utxos)
	return utxos, err
}

// quorumGet fans the request out to every indexer in parallel and accepts
// the first answer that threshold indexers agree on byte for byte, after
// canonicalization through the result type.
func (c *Client) quorumGet(ctx context.Context, path string, query map[string]string, out interface{}) error {
	type answer struct {
		body []byte
		err  error
	}

	answers := make([]answer, len(c.clients))
	var wg sync.WaitGroup
	for i, client := range c.clients {
		wg.Add(1)
		go func(i int, client *resty.Client) {
			defer wg.Done()
			req := client.R().SetContext(ctx)
			if query != nil {
				req.SetQueryParams(query)
			}
			resp, err := req.Get(path)
			if err != nil {
				answers[i] = answer{err: err}
				return
			}
			if resp.IsError() {
				answers[i] = answer{err: fmt.Errorf("indexer returned %s", resp.Status())}
				return
			}
			answers[i] = answer{body: resp.Body()}
		}(i, client)
	}
	wg.Wait()

	// canonicalize through the target type so formatting differences and
	// extra fields do not break agreement; each answer decodes into a
	// fresh value so fields never leak between indexers
	outType := reflect.TypeOf(out).Elem()
	counts := make(map[string]int)
	for i, a := range answers {
		if a.err != nil {
			logger.Warnf("indexer %s failed: %v", c.urls[i], a.err)
			continue
		}
		fresh := reflect.New(outType).Interface()
		if err := json.Unmarshal(a.body, fresh); err != nil {
			logger.Warnf("indexer %s returned malformed response: %v", c.urls[i], err)
			continue
		}
		norm, err := json.Marshal(fresh)
		if err != nil {
			continue
		}
		counts[string(norm)]++
		if counts[string(norm)] >= c.threshold {
			return json.Unmarshal(norm, out)
		}
	}
	return agreement.ErrNoIndexerConsensus
}
