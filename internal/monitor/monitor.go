// Package monitor watches the pump.fun program logs over one websocket per
// configured endpoint and emits each create signature exactly once. It is
// detection only: fetching and parsing the transaction happens downstream.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/pump"
)

// maxReconnectDelay caps the reconnect backoff.
const maxReconnectDelay = 30 * time.Second

// Config tunes the stream loops.
type Config struct {
	WSURLs           []string
	ReconnectDelayMs int
	PingIntervalS    int
	DedupSize        int
	DedupTTLSeconds  int
}

// DefaultConfig returns sane stream settings.
func DefaultConfig(wsURLs []string) Config {
	return Config{
		WSURLs:           wsURLs,
		ReconnectDelayMs: 2000,
		PingIntervalS:    20,
		DedupSize:        50000,
		DedupTTLSeconds:  60,
	}
}

// CreateSignal is one detected create transaction, pre-parse.
type CreateSignal struct {
	Signature  string    `json:"signature"`
	Slot       uint64    `json:"slot"`
	Source     string    `json:"source"`
	Logs       []string  `json:"logs"`
	DetectedAt time.Time `json:"detected_at"`
}

// Monitor runs one read loop per websocket endpoint. All loops share the
// dedup set, so a create seen on several sockets is emitted once.
type Monitor struct {
	config Config
	dedup  *dedup

	out    chan CreateSignal
	closed atomic.Bool
	mu     sync.RWMutex // guards the out-channel close against in-flight sends

	after func(time.Duration) <-chan time.Time // injectable for tests

	messagesRecv atomic.Int64
	detected     atomic.Int64
	duplicates   atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Int64 // number of live sockets
}

// New creates a monitor; Start must be called to begin streaming.
func New(config Config) *Monitor {
	if config.DedupSize == 0 {
		config.DedupSize = 50000
	}
	if config.DedupTTLSeconds == 0 {
		config.DedupTTLSeconds = 60
	}
	return &Monitor{
		config: config,
		dedup:  newDedup(config.DedupSize, time.Duration(config.DedupTTLSeconds)*time.Second),
		out:    make(chan CreateSignal, 256),
		after:  time.After,
	}
}

// Start launches the stream loops and returns the signal channel. The
// channel is closed once every loop has exited after ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) <-chan CreateSignal {
	var wg sync.WaitGroup
	for i, url := range m.config.WSURLs {
		wg.Add(1)
		go func(url, source string) {
			defer wg.Done()
			m.runLoop(ctx, url, source)
		}(url, sourceID(i))
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.dedup.Cleanup()
			}
		}
	}()

	go func() {
		wg.Wait()
		m.mu.Lock()
		if m.closed.CompareAndSwap(false, true) {
			close(m.out)
		}
		m.mu.Unlock()
	}()

	return m.out
}

func sourceID(i int) string {
	return fmt.Sprintf("wss_%d", i)
}

func (m *Monitor) runLoop(ctx context.Context, url, source string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("source", source).Msg("monitor: loop panic recovered")
		}
	}()

	base := time.Duration(m.config.ReconnectDelayMs) * time.Millisecond
	delay := base
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		subscribed, err := m.streamOnce(ctx, url, source)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("source", source).Dur("retry_in", delay).Msg("monitor: stream dropped, reconnecting")
			m.reconnects.Add(1)
		}
		if subscribed {
			delay = base
		}

		select {
		case <-ctx.Done():
			return
		case <-m.after(delay):
		}

		// Back off only while the endpoint refuses us outright; a session
		// that made it to the subscription resets the schedule above.
		if !subscribed {
			if delay *= 2; delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}
}

// streamOnce dials, subscribes, and reads until the socket fails or ctx
// is cancelled. The bool reports whether the subscription was established.
func (m *Monitor) streamOnce(ctx context.Context, url, source string) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sub := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{pump.ProgramID.String()}},
			map[string]any{"commitment": "processed"},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, err
	}
	log.Info().Str("source", source).Msg("monitor: subscribed to pump.fun logs")
	m.connected.Add(1)
	defer m.connected.Add(-1)

	// Close the socket when ctx dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	ping := time.Duration(m.config.PingIntervalS) * time.Second
	if ping == 0 {
		ping = 20 * time.Second
	}
	lastPing := time.Now()

	for {
		if time.Since(lastPing) > ping {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return true, err
			}
			lastPing = time.Now()
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		m.messagesRecv.Add(1)
		m.handleMessage(message, source)
	}
}

func (m *Monitor) handleMessage(data []byte, source string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("monitor: handleMessage panic recovered")
		}
	}()

	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
				Value struct {
					Signature string   `json:"signature"`
					Logs      []string `json:"logs"`
					Err       any      `json:"err"`
				} `json:"value"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notification); err != nil {
		return
	}
	if notification.Method != "logsNotification" {
		return
	}

	value := notification.Params.Result.Value
	if value.Signature == "" || len(value.Logs) == 0 || value.Err != nil {
		return
	}
	if !isCreateEvent(value.Logs) {
		return
	}
	if !m.dedup.Add(value.Signature) {
		m.duplicates.Add(1)
		return
	}

	logs := value.Logs
	if len(logs) > 10 {
		logs = logs[:10]
	}
	signal := CreateSignal{
		Signature:  value.Signature,
		Slot:       notification.Params.Result.Context.Slot,
		Source:     source,
		Logs:       logs,
		DetectedAt: time.Now(),
	}

	m.detected.Add(1)
	m.mu.RLock()
	if !m.closed.Load() {
		select {
		case m.out <- signal:
			log.Info().Str("sig", short(value.Signature)).Str("source", source).Msg("monitor: create detected")
		default:
			log.Warn().Msg("monitor: signal channel full, dropping")
		}
	}
	m.mu.RUnlock()
}

// isCreateEvent checks the log lines for the pump.fun create markers.
func isCreateEvent(logs []string) bool {
	for _, l := range logs {
		if strings.Contains(l, "Program log: Instruction: Create") {
			return true
		}
	}
	// Mint initialization plus a pump.fun program mention also marks a
	// launch; some RPCs truncate the instruction log line.
	hasInitMint := false
	hasProgram := false
	for _, l := range logs {
		if strings.Contains(l, "InitializeMint") {
			hasInitMint = true
		}
		if strings.Contains(l, pump.ProgramID.String()) {
			hasProgram = true
		}
	}
	return hasInitMint && hasProgram
}

func short(sig string) string {
	if len(sig) > 16 {
		return sig[:16]
	}
	return sig
}

// Stats is the monitor's activity snapshot.
type Stats struct {
	ConnectedSockets int64 `json:"connected_sockets"`
	MessagesRecv     int64 `json:"messages_recv"`
	Detected         int64 `json:"detected"`
	Duplicates       int64 `json:"duplicates"`
	Reconnects       int64 `json:"reconnects"`
	DedupEntries     int   `json:"dedup_entries"`
}

func (m *Monitor) Stats() Stats {
	return Stats{
		ConnectedSockets: m.connected.Load(),
		MessagesRecv:     m.messagesRecv.Load(),
		Detected:         m.detected.Load(),
		Duplicates:       m.duplicates.Load(),
		Reconnects:       m.reconnects.Load(),
		DedupEntries:     m.dedup.Len(),
	}
}
