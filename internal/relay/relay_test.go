package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/rpcpool"
)

const tipA = "96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5"
const tipB = "HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe"

func relayPool(url string) *rpcpool.Pool {
	return rpcpool.New(config.RPCConfig{
		Endpoints:      []config.RPCEndpointConfig{{URL: url, Role: "relay"}},
		RequestTimeout: 2000,
	})
}

func TestSendReturnsSignature(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"5UfDuX94A1QfqkQvg5WBvM7V3A3xEZrKzLenXr2N"}`))
	}))
	defer srv.Close()

	c, err := New(config.RelayConfig{}, relayPool(srv.URL))
	require.NoError(t, err)

	sig, err := c.Send(context.Background(), "dGVzdA==")
	require.NoError(t, err)
	assert.Equal(t, "5UfDuX94A1QfqkQvg5WBvM7V3A3xEZrKzLenXr2N", sig)

	assert.Contains(t, gotBody, `"sendTransaction"`)
	assert.Contains(t, gotBody, `"skipPreflight":true`)
	assert.Contains(t, gotBody, `"maxRetries":0`)
	assert.Contains(t, gotBody, `"base64"`)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Sent)
	assert.Equal(t, int64(0), st.Failed)
}

func TestSendClassifiesExpectedLoss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32002,"message":"Transaction simulation failed: custom program error: 0x1772"}}`))
	}))
	defer srv.Close()

	c, err := New(config.RelayConfig{}, relayPool(srv.URL))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "dGVzdA==")
	require.Error(t, err)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.ExpectedLosses)
	assert.Contains(t, st.LastError, "custom program error")
}

func TestSendUsesBlockEngineWhenConfigured(t *testing.T) {
	engineCalls := 0
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engineCalls++
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"enginesig"}`))
	}))
	defer engine.Close()

	poolCalls := 0
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		poolCalls++
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"poolsig"}`))
	}))
	defer fallback.Close()

	c, err := New(config.RelayConfig{BlockEngineURL: engine.URL}, relayPool(fallback.URL))
	require.NoError(t, err)

	sig, err := c.Send(context.Background(), "dGVzdA==")
	require.NoError(t, err)
	assert.Equal(t, "enginesig", sig)
	assert.Equal(t, 1, engineCalls)
	assert.Equal(t, 0, poolCalls)
}

func TestTipAccountRotation(t *testing.T) {
	c, err := New(config.RelayConfig{
		TipAccounts:  []string{tipA, tipB},
		TipAmountSOL: 0.015,
	}, relayPool("https://unused"))
	require.NoError(t, err)

	require.True(t, c.TipEnabled())
	assert.Equal(t, uint64(15_000_000), c.TipLamports())

	first := c.NextTipAccount()
	second := c.NextTipAccount()
	third := c.NextTipAccount()
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)
}

func TestTipDisabledWithoutAccounts(t *testing.T) {
	c, err := New(config.RelayConfig{TipAmountSOL: 0.015}, relayPool("https://unused"))
	require.NoError(t, err)
	assert.False(t, c.TipEnabled())
}

func TestNewRejectsBadTipAccount(t *testing.T) {
	_, err := New(config.RelayConfig{TipAccounts: []string{"not-a-key"}}, relayPool("https://unused"))
	assert.Error(t, err)
}
