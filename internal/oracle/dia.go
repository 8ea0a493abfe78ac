// Package oracle polls the DIA asset-price API for the BTC/USD spot
// price. Prices are attached to outcome reads as informational context
// only and never enter trade arithmetic, so a stale or missing price is
// tolerated.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Bitcoin mainnet asset on DIA.
const defaultURL = "https://api.diadata.org/v1/assetQuotation/Bitcoin/0x0000000000000000000000000000000000000000"

// ErrNoPrice is returned before the first successful fetch.
var ErrNoPrice = errors.New("oracle: no price fetched yet")

// diaQuotation is the relevant subset of the DIA assetQuotation response.
type diaQuotation struct {
	Symbol string  `json:"Symbol"`
	Price  float64 `json:"Price"`
	Time   string  `json:"Time"`
}

// BTCClient polls DIA and caches the latest BTC/USD price.
type BTCClient struct {
	mu         sync.RWMutex
	price      decimal.Decimal
	fetchedAt  time.Time
	apiURL     string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewBTCClient creates a client with the default DIA endpoint and a
// 60 second poll interval.
func NewBTCClient(logger *slog.Logger) *BTCClient {
	return &BTCClient{
		apiURL:   defaultURL,
		interval: 60 * time.Second,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// NewBTCClientWithConfig overrides the endpoint and interval when set.
func NewBTCClientWithConfig(logger *slog.Logger, apiURL string, interval time.Duration) *BTCClient {
	c := NewBTCClient(logger)
	if apiURL != "" {
		c.apiURL = apiURL
	}
	if interval > 0 {
		c.interval = interval
	}
	return c
}

// Start fetches once immediately, then polls until the context is
// cancelled or Stop is called. A failed fetch is logged and retried on
// the next tick.
func (c *BTCClient) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.fetch(ctx); err != nil {
		c.logger.Warn("initial btc price fetch failed", "error", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("btc price polling stopped")
				return
			case <-ticker.C:
				if err := c.fetch(ctx); err != nil {
					c.logger.Warn("btc price fetch failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels polling and waits for the poll goroutine to exit.
func (c *BTCClient) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

func (c *BTCClient) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var q diaQuotation
	if err := json.Unmarshal(body, &q); err != nil {
		return err
	}
	if q.Price <= 0 {
		return fmt.Errorf("oracle: non-positive price %v", q.Price)
	}

	price := decimal.NewFromFloat(q.Price)
	c.mu.Lock()
	old := c.price
	c.price = price
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	if !old.Equal(price) {
		c.logger.Info("btc price updated", "price", price.String(), "symbol", q.Symbol)
	}
	return nil
}

// Price returns the cached BTC/USD price. ErrNoPrice until the first
// successful fetch.
func (c *BTCClient) Price() (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() {
		return decimal.Zero, ErrNoPrice
	}
	return c.price, nil
}
