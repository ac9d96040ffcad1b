// Package execution owns the buy and sell paths: bonding-curve readiness,
// transaction construction, signing, and submission. Buys are one-shot —
// a buy that misses its window must not be retried into a worse entry.
package execution

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/observability"
	"github.com/pulse-trading/pulse/internal/pump"
	"github.com/pulse-trading/pulse/internal/txerr"
	"github.com/pulse-trading/pulse/internal/wallet"
)

// Sender is the submission side of the relay client.
type Sender interface {
	Send(ctx context.Context, txBase64 string) (string, error)
	TipEnabled() bool
	TipLamports() uint64
	NextTipAccount() solana.PublicKey
}

// BuyOutcome reports one buy attempt. Err is a string, not an error: the
// outcome is data that flows into positions and the journal.
type BuyOutcome struct {
	Success       bool    `json:"success"`
	Signature     string  `json:"signature,omitempty"`
	Err           string  `json:"error,omitempty"`
	FailKind      string  `json:"fail_kind,omitempty"`
	LatencyMs     float64 `json:"latency_ms"`
	AmountSOL     float64 `json:"amount_sol"`
	EntryPriceSOL float64 `json:"entry_price_sol"`
}

// SellOutcome reports one sell attempt.
type SellOutcome struct {
	Success   bool    `json:"success"`
	Signature string  `json:"signature,omitempty"`
	Err       string  `json:"error,omitempty"`
	FailKind  string  `json:"fail_kind,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Engine drives buys and sells. Simulation mode skips the chain entirely
// and fabricates outcomes with live-like latency.
type Engine struct {
	builder   *Builder
	chain     ChainReader
	sender    Sender
	readiness *readinessGate
	cfg       config.ExecutionConfig
	metrics   *observability.Pipeline
	simulate  atomic.Bool

	buys     atomic.Int64
	buyWins  atomic.Int64
	sells    atomic.Int64
	sellWins atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand
}

// New wires the engine. chain and sender may be nil in simulation mode.
func New(w *wallet.Wallet, chain ChainReader, sender Sender, cfg config.ExecutionConfig, timing config.TimingConfig, metrics *observability.Pipeline, simulate bool) *Engine {
	e := &Engine{
		builder: NewBuilder(w),
		chain:   chain,
		sender:  sender,
		cfg:     cfg,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.simulate.Store(simulate)
	if chain != nil {
		e.readiness = newReadinessGate(chain, timing)
	}
	return e
}

// SetSimulate toggles simulation mode at runtime. Switching to live
// requires the engine to have been built with a chain and sender.
func (e *Engine) SetSimulate(on bool) {
	e.simulate.Store(on)
}

// Simulating reports the current mode.
func (e *Engine) Simulating() bool {
	return e.simulate.Load()
}

// ExecuteBuy runs the full buy path: wait for the curve, fetch a
// blockhash, clone-and-inject, submit. Exactly one submission per
// candidate, success or not.
func (e *Engine) ExecuteBuy(ctx context.Context, ev *pump.ParsedCreateEvent, buySOL, slippagePct float64) BuyOutcome {
	start := time.Now()
	e.buys.Add(1)

	if e.simulate.Load() {
		return e.simulateBuy(start, buySOL)
	}

	if err := e.readiness.Wait(ctx, ev.BondingCurve); err != nil {
		return e.buyFailed(start, buySOL, err)
	}

	blockhash, err := e.chain.LatestBlockhash(ctx)
	if err != nil {
		return e.buyFailed(start, buySOL, err)
	}

	built, err := e.builder.BuildBuy(ev, buySOL, slippagePct, blockhash, e.tip())
	if err != nil {
		return e.buyFailed(start, buySOL, err)
	}

	sig, err := e.sender.Send(ctx, built.Base64)
	if err != nil {
		return e.buyFailed(start, buySOL, err)
	}

	latency := msSince(start)
	e.buyWins.Add(1)
	e.metrics.BuysSent.Inc()
	e.metrics.DetectToSend.Observe(time.Since(ev.ObservedAt))
	log.Info().
		Str("sig", short(sig)).
		Str("mint", short(ev.Mint.String())).
		Float64("amount_sol", buySOL).
		Float64("latency_ms", latency).
		Msg("buy submitted")

	return BuyOutcome{
		Success:   true,
		Signature: sig,
		LatencyMs: latency,
		AmountSOL: buySOL,
		// Entry cost basis is what we spent; the true fill shows up with
		// the first price update.
		EntryPriceSOL: buySOL,
	}
}

// ExecuteSell builds and submits a sell for the given ticket.
func (e *Engine) ExecuteSell(ctx context.Context, ticket SellTicket, slippagePct float64) SellOutcome {
	start := time.Now()
	e.sells.Add(1)

	if e.simulate.Load() {
		return e.simulateSell(start)
	}

	// Positions opened before the creator was known fall back to the
	// on-chain curve account.
	if ticket.Creator.IsZero() {
		creator, err := CurveCreator(ctx, e.chain, ticket.BondingCurve)
		if err != nil {
			return e.sellFailed(start, err)
		}
		ticket.Creator = creator
	}

	blockhash, err := e.chain.LatestBlockhash(ctx)
	if err != nil {
		return e.sellFailed(start, err)
	}

	built, err := e.builder.BuildSell(ticket, slippagePct, blockhash, e.tip())
	if err != nil {
		return e.sellFailed(start, err)
	}

	sig, err := e.sender.Send(ctx, built.Base64)
	if err != nil {
		return e.sellFailed(start, err)
	}

	e.sellWins.Add(1)
	e.metrics.SellsSent.Inc()
	log.Info().
		Str("sig", short(sig)).
		Str("mint", short(ticket.Mint.String())).
		Uint64("tokens", ticket.TokenAmount).
		Msg("sell submitted")

	return SellOutcome{Success: true, Signature: sig, LatencyMs: msSince(start)}
}

func (e *Engine) tip() *TipParams {
	if e.sender == nil || !e.sender.TipEnabled() {
		return nil
	}
	return &TipParams{Account: e.sender.NextTipAccount(), Lamports: e.sender.TipLamports()}
}

func (e *Engine) buyFailed(start time.Time, buySOL float64, err error) BuyOutcome {
	e.metrics.BuysFailed.Inc()
	cls := txerr.ClassifyErr(err)
	if cls.Expected {
		log.Debug().Err(err).Msg("buy lost")
	} else {
		log.Error().Err(err).Msg("buy failed")
	}
	return BuyOutcome{
		Err:       err.Error(),
		FailKind:  string(cls.Kind),
		LatencyMs: msSince(start),
		AmountSOL: buySOL,
	}
}

func (e *Engine) sellFailed(start time.Time, err error) SellOutcome {
	e.metrics.SellsFailed.Inc()
	cls := txerr.ClassifyErr(err)
	log.Warn().Err(err).Str("kind", string(cls.Kind)).Msg("sell failed")
	return SellOutcome{Err: err.Error(), FailKind: string(cls.Kind), LatencyMs: msSince(start)}
}

// simulateBuy fabricates a live-like outcome: 30-80ms latency, 90% fills.
func (e *Engine) simulateBuy(start time.Time, buySOL float64) BuyOutcome {
	e.mu.Lock()
	wait := 30 + e.rng.Intn(51)
	win := e.rng.Float64() < 0.90
	sig := simSignature(e.rng)
	e.mu.Unlock()

	time.Sleep(time.Duration(wait) * time.Millisecond)

	if !win {
		e.metrics.BuysFailed.Inc()
		return BuyOutcome{Err: "SimulatedFailure", LatencyMs: msSince(start), AmountSOL: buySOL}
	}
	e.buyWins.Add(1)
	e.metrics.BuysSent.Inc()
	return BuyOutcome{
		Success:       true,
		Signature:     "sim_" + sig,
		LatencyMs:     msSince(start),
		AmountSOL:     buySOL,
		EntryPriceSOL: buySOL,
	}
}

func (e *Engine) simulateSell(start time.Time) SellOutcome {
	e.mu.Lock()
	wait := 30 + e.rng.Intn(51)
	sig := simSignature(e.rng)
	e.mu.Unlock()

	time.Sleep(time.Duration(wait) * time.Millisecond)
	e.sellWins.Add(1)
	e.metrics.SellsSent.Inc()
	return SellOutcome{Success: true, Signature: "sim_" + sig, LatencyMs: msSince(start)}
}

const simAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func simSignature(rng *rand.Rand) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = simAlphabet[rng.Intn(len(simAlphabet))]
	}
	return string(out)
}

// Stats is the engine's cumulative outcome snapshot.
type Stats struct {
	Buys     int64 `json:"buys"`
	BuyWins  int64 `json:"buy_wins"`
	Sells    int64 `json:"sells"`
	SellWins int64 `json:"sell_wins"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Buys:     e.buys.Load(),
		BuyWins:  e.buyWins.Load(),
		Sells:    e.sells.Load(),
		SellWins: e.sellWins.Load(),
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func short(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
