// Package relay submits signed transactions. When a block-engine URL is
// configured it goes there; otherwise it falls back to the pool's relay
// endpoints. Submission is fire-and-forget with maxRetries 0 — in a snipe
// race a retried transaction is already a lost transaction.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/rpcpool"
	"github.com/pulse-trading/pulse/internal/txerr"
)

// Client sends base64-encoded signed transactions.
type Client struct {
	blockEngineURL string
	tipAccounts    []solana.PublicKey
	tipLamports    uint64
	pool           *rpcpool.Pool
	direct         *rpcpool.Pool // single-endpoint pool for the block engine

	tipIdx   atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	expected atomic.Int64 // failures classified as routine race losses

	mu       sync.Mutex
	lastErr  string
	lastSent time.Time
}

// New builds a relay client. pool may not be nil; it is the fallback
// submission path and the source of relay-role endpoints.
func New(cfg config.RelayConfig, pool *rpcpool.Pool) (*Client, error) {
	c := &Client{
		blockEngineURL: cfg.BlockEngineURL,
		tipLamports:    uint64(cfg.TipAmountSOL * 1e9),
		pool:           pool,
	}
	for _, acc := range cfg.TipAccounts {
		pk, err := solana.PublicKeyFromBase58(acc)
		if err != nil {
			return nil, fmt.Errorf("relay: bad tip account %q: %w", acc, err)
		}
		c.tipAccounts = append(c.tipAccounts, pk)
	}
	if c.blockEngineURL != "" {
		c.direct = rpcpool.New(config.RPCConfig{
			Endpoints:      []config.RPCEndpointConfig{{URL: c.blockEngineURL, Role: "relay"}},
			RequestTimeout: 10000,
		})
	}
	return c, nil
}

// TipEnabled reports whether buys should carry a tip transfer.
func (c *Client) TipEnabled() bool {
	return len(c.tipAccounts) > 0 && c.tipLamports > 0
}

// TipLamports returns the configured tip size.
func (c *Client) TipLamports() uint64 {
	return c.tipLamports
}

// NextTipAccount rotates through the configured tip accounts.
func (c *Client) NextTipAccount() solana.PublicKey {
	idx := c.tipIdx.Add(1)
	return c.tipAccounts[int(idx)%len(c.tipAccounts)]
}

// Send submits one signed transaction and returns its signature. The error
// comes back classified in the message so callers can log at the right
// level without re-classifying.
func (c *Client) Send(ctx context.Context, txBase64 string) (string, error) {
	params := []any{
		txBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       true,
			"preflightCommitment": "processed",
			"maxRetries":          0,
		},
	}

	var (
		raw json.RawMessage
		err error
	)
	if c.direct != nil {
		raw, err = c.direct.Call(ctx, rpcpool.RoleRelay, "sendTransaction", params)
	} else {
		raw, err = c.pool.Call(ctx, rpcpool.RoleRelay, "sendTransaction", params)
	}
	if err != nil {
		c.failed.Add(1)
		cls := txerr.ClassifyErr(err)
		if cls.Expected {
			c.expected.Add(1)
			log.Debug().Str("kind", string(cls.Kind)).Msg("relay: send lost the race")
		} else {
			log.Error().Err(err).Str("kind", string(cls.Kind)).Msg("relay: send failed")
		}
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
		return "", fmt.Errorf("relay: send: %w", err)
	}

	var sig string
	if err := json.Unmarshal(raw, &sig); err != nil || sig == "" {
		c.failed.Add(1)
		return "", fmt.Errorf("relay: malformed send result: %s", string(raw))
	}

	c.sent.Add(1)
	c.mu.Lock()
	c.lastSent = time.Now()
	c.mu.Unlock()
	log.Info().Str("sig", short(sig)).Msg("relay: transaction submitted")
	return sig, nil
}

// Stats is the relay activity snapshot.
type Stats struct {
	Sent            int64     `json:"sent"`
	Failed          int64     `json:"failed"`
	ExpectedLosses  int64     `json:"expected_losses"`
	LastError       string    `json:"last_error,omitempty"`
	LastSubmittedAt time.Time `json:"last_submitted_at"`
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Sent:            c.sent.Load(),
		Failed:          c.failed.Load(),
		ExpectedLosses:  c.expected.Load(),
		LastError:       c.lastErr,
		LastSubmittedAt: c.lastSent,
	}
}

func short(s string) string {
	if len(s) > 20 {
		return s[:20]
	}
	return s
}
