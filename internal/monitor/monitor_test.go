package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notification(sig string, slot uint64, logs []string) []byte {
	payload := fmt.Sprintf(`{
		"jsonrpc":"2.0","method":"logsNotification",
		"params":{"result":{"context":{"slot":%d},"value":{"signature":%q,"logs":%s,"err":null}},"subscription":1}
	}`, slot, sig, toJSONArray(logs))
	return []byte(payload)
}

func toJSONArray(items []string) string {
	out := "["
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", s)
	}
	return out + "]"
}

var createLogs = []string{
	"Program 6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P invoke [1]",
	"Program log: Instruction: Create",
	"Program log: Instruction: InitializeMint2",
}

func TestHandleMessageEmitsCreate(t *testing.T) {
	m := New(DefaultConfig(nil))

	m.handleMessage(notification("sig-1", 42, createLogs), "wss_0")

	select {
	case sig := <-m.out:
		assert.Equal(t, "sig-1", sig.Signature)
		assert.Equal(t, uint64(42), sig.Slot)
		assert.Equal(t, "wss_0", sig.Source)
	case <-time.After(time.Second):
		t.Fatal("expected a create signal")
	}
	assert.Equal(t, int64(1), m.Stats().Detected)
}

func TestHandleMessageDeduplicatesAcrossSources(t *testing.T) {
	m := New(DefaultConfig(nil))

	m.handleMessage(notification("sig-dup", 10, createLogs), "wss_0")
	m.handleMessage(notification("sig-dup", 10, createLogs), "wss_1")

	st := m.Stats()
	assert.Equal(t, int64(1), st.Detected)
	assert.Equal(t, int64(1), st.Duplicates)
	assert.Len(t, drain(m), 1)
}

func TestHandleMessageIgnoresNonCreate(t *testing.T) {
	m := New(DefaultConfig(nil))

	m.handleMessage(notification("sig-buy", 10, []string{
		"Program 6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P invoke [1]",
		"Program log: Instruction: Buy",
	}), "wss_0")

	assert.Equal(t, int64(0), m.Stats().Detected)
	assert.Empty(t, drain(m))
}

func TestHandleMessageIgnoresFailedTx(t *testing.T) {
	m := New(DefaultConfig(nil))

	payload := fmt.Sprintf(`{
		"jsonrpc":"2.0","method":"logsNotification",
		"params":{"result":{"context":{"slot":5},"value":{"signature":"sig-err","logs":%s,"err":{"InstructionError":[0,"Custom"]}}}}
	}`, toJSONArray(createLogs))
	m.handleMessage([]byte(payload), "wss_0")

	assert.Equal(t, int64(0), m.Stats().Detected)
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	m := New(DefaultConfig(nil))
	m.handleMessage([]byte("{not json"), "wss_0")
	m.handleMessage([]byte(`{"jsonrpc":"2.0","id":1,"result":12345}`), "wss_0")
	assert.Equal(t, int64(0), m.Stats().Detected)
}

func TestIsCreateEventMarkerVariants(t *testing.T) {
	assert.True(t, isCreateEvent([]string{"Program log: Instruction: Create"}))
	assert.True(t, isCreateEvent([]string{
		"Program log: Instruction: InitializeMint2",
		"Program 6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P success",
	}))
	assert.False(t, isCreateEvent([]string{"Program log: Instruction: InitializeMint2"}))
	assert.False(t, isCreateEvent([]string{"Program log: Instruction: Sell"}))
}

func TestDedupEvictsBySize(t *testing.T) {
	d := newDedup(3, time.Minute)
	require.True(t, d.Add("a"))
	require.True(t, d.Add("b"))
	require.True(t, d.Add("c"))
	require.True(t, d.Add("d")) // evicts a
	assert.Equal(t, 3, d.Len())
	assert.True(t, d.Add("a"), "oldest entry was evicted and can re-enter")
}

func TestDedupCleanupByTTL(t *testing.T) {
	d := newDedup(100, 50*time.Millisecond)
	now := time.Now()
	d.now = func() time.Time { return now }

	d.Add("old")
	now = now.Add(100 * time.Millisecond)
	d.Add("fresh")
	d.Cleanup()

	assert.Equal(t, 1, d.Len())
	assert.False(t, d.Add("fresh"))
	assert.True(t, d.Add("old"))
}

// recordDelays stubs the reconnect sleep: every delay is captured and
// returns immediately, cancelling ctx once limit delays have been seen.
func recordDelays(m *Monitor, cancel context.CancelFunc, limit int) (*sync.Mutex, *[]time.Duration) {
	var mu sync.Mutex
	var delays []time.Duration
	m.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		n := len(delays)
		mu.Unlock()
		if n >= limit {
			cancel()
		}
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return &mu, &delays
}

func TestReconnectBackoffDoublesAndCaps(t *testing.T) {
	// A malformed URL makes every dial fail without touching the network.
	cfg := DefaultConfig([]string{"http://not-a-websocket"})
	m := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mu, delays := recordDelays(m, cancel, 6)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.runLoop(ctx, cfg.WSURLs[0], "wss_0")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(*delays), 6)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, maxReconnectDelay, maxReconnectDelay}
	for i, w := range want {
		assert.Equal(t, w, (*delays)[i], "retry %d", i)
	}
	assert.GreaterOrEqual(t, m.Stats().Reconnects, int64(6))
}

func TestReconnectDelayResetsAfterSubscribe(t *testing.T) {
	// Server accepts the subscription, then drops the socket: every session
	// gets far enough that the backoff schedule must restart from the base.
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.ReadMessage() // wait for logsSubscribe
		c.Close()
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := New(DefaultConfig([]string{url}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mu, delays := recordDelays(m, cancel, 3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.runLoop(ctx, url, "wss_0")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(*delays), 3)
	for i, d := range *delays {
		assert.Equal(t, 2*time.Second, d, "session %d reconnects at the base delay", i)
	}
}

func drain(m *Monitor) []CreateSignal {
	var out []CreateSignal
	for {
		select {
		case s := <-m.out:
			out = append(out, s)
		default:
			return out
		}
	}
}
