// Package orchestrator wires the pipeline together: stream monitor ->
// admission gate -> parser -> strategy -> execution -> positions, plus
// the periodic evaluation, price, and status loops and the control
// surface the API layer talks to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/execution"
	"github.com/pulse-trading/pulse/internal/feed"
	"github.com/pulse-trading/pulse/internal/gate"
	"github.com/pulse-trading/pulse/internal/journal"
	"github.com/pulse-trading/pulse/internal/monitor"
	"github.com/pulse-trading/pulse/internal/observability"
	"github.com/pulse-trading/pulse/internal/parse"
	"github.com/pulse-trading/pulse/internal/position"
	"github.com/pulse-trading/pulse/internal/pump"
	"github.com/pulse-trading/pulse/internal/relay"
	"github.com/pulse-trading/pulse/internal/rpcpool"
	"github.com/pulse-trading/pulse/internal/strategy"
	"github.com/pulse-trading/pulse/internal/wallet"
)

const (
	statusInterval       = time.Second
	simCandidateInterval = 1500 * time.Millisecond
)

// Orchestrator owns every component and the loops driving them.
type Orchestrator struct {
	pool      *rpcpool.Pool
	mon       *monitor.Monitor
	parser    *parse.Parser
	admission *gate.Gate
	strat     *strategy.Engine
	exec      *execution.Engine
	chain     execution.ChainReader
	relay     *relay.Client
	positions *position.Manager
	journal   *journal.Journal
	metrics   *observability.Pipeline
	feed      *feed.Feed

	cfgMu sync.Mutex
	cfg   *config.Config

	simTick time.Duration // overridable in tests

	// price basis per mint for live price indexing
	basisMu sync.Mutex
	basis   map[string]float64

	running atomic.Bool
	halted  atomic.Bool // panic flag: refuse new candidates until restart
	cancel  context.CancelFunc
	work    context.Context // outlives Stop so in-flight workers finish
	wg      sync.WaitGroup
	started time.Time
}

// New builds the full component graph from the configuration.
func New(cfg *config.Config) (*Orchestrator, error) {
	simulate := cfg.General.Mode != "live"
	metrics := observability.NewPipeline()
	hub := feed.New()
	pool := rpcpool.New(cfg.RPC)

	var w *wallet.Wallet
	var err error
	if simulate && cfg.Wallet.PrivateKey == "" && cfg.Wallet.KeyFile == "" {
		w, err = wallet.Ephemeral()
	} else {
		w, err = wallet.Load(cfg.Wallet)
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: wallet: %w", err)
	}

	relayClient, err := relay.New(cfg.Relay, pool)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: relay: %w", err)
	}

	chain := &execution.PoolChain{Pool: pool}
	exec := execution.New(w, chain, relayClient, cfg.Execution, cfg.Timing, metrics, simulate)

	var jnl *journal.Journal
	if cfg.Journal.Enabled && cfg.Journal.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		jnl, err = journal.Open(ctx, cfg.Journal.DSN)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("journal unavailable, trading without it")
			jnl = nil
		}
	}

	var recorder position.Recorder
	if jnl != nil {
		recorder = jnl
	}

	o := &Orchestrator{
		pool:      pool,
		mon:       monitor.New(monitor.DefaultConfig(pool.StreamURLs())),
		parser:    parse.New(pool, metrics, cfg.Timing.ParseAttempts),
		admission: gate.New(cfg.Execution.MaxInFlightBuys),
		strat:     strategy.New(cfg.Scoring, cfg.Filters, cfg.Momentum, cfg.Creator),
		exec:      exec,
		chain:     chain,
		relay:     relayClient,
		positions: position.NewManager(cfg, exec, recorder, metrics),
		journal:   jnl,
		metrics:   metrics,
		feed:      hub,
		cfg:       cfg,
		simTick:   simCandidateInterval,
		basis:     make(map[string]float64),
	}
	return o, nil
}

// Feed exposes the event stream for subscribers.
func (o *Orchestrator) Feed() *feed.Feed { return o.feed }

// Config returns the live configuration snapshot.
func (o *Orchestrator) Config() *config.Config {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	return o.cfg
}

func (o *Orchestrator) simulating() bool {
	return o.exec.Simulating()
}

// Start launches the pipeline loops. Returns an error if already running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already running")
	}
	o.halted.Store(false)
	// Workers keep this context through Stop: a cancelled send could leave
	// a transaction landing on-chain with no position tracking it. Their
	// own readiness/RPC timeouts bound how long they run.
	o.work = context.WithoutCancel(ctx)
	ctx, o.cancel = context.WithCancel(ctx)
	o.started = time.Now()

	var signals <-chan monitor.CreateSignal
	if !o.simulating() {
		signals = o.mon.Start(ctx)
	}

	o.wg.Add(4)
	go o.intakeLoop(ctx, signals)
	go o.evalLoop(ctx)
	go o.priceLoop(ctx)
	go o.statusLoop(ctx)

	mode := "live"
	if o.simulating() {
		mode = "simulation"
	}
	log.Info().Str("mode", mode).Msg("pipeline started")
	o.feed.PublishLog(feed.LevelInfo, "core", "pipeline started ("+mode+")")
	return nil
}

// Stop halts the loops and waits for admitted candidates to run to
// completion. Open positions stay tracked for the next Start.
func (o *Orchestrator) Stop() {
	if !o.running.Load() {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.running.Store(false)
	log.Info().Msg("pipeline stopped")
	o.feed.PublishLog(feed.LevelInfo, "core", "pipeline stopped")
}

// Shutdown stops the loops and releases long-lived resources.
func (o *Orchestrator) Shutdown() {
	o.Stop()
	o.journal.Close()
	o.feed.Close()
}

// Running reports whether the loops are active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Panic halts intake first, then force-closes every open position. The
// halt holds until the next Start so nothing reopens behind the flatten.
func (o *Orchestrator) Panic(ctx context.Context) int {
	o.halted.Store(true)
	n := o.positions.CloseAll(ctx, position.ReasonPanic)
	o.feed.PublishLog(feed.LevelWarn, "core", fmt.Sprintf("panic close: %d positions", n))
	return n
}

// SetMode switches between live and simulation execution. The event
// source (stream vs synthetic) is chosen at Start; toggling while
// running changes only how buys and sells execute.
func (o *Orchestrator) SetMode(mode string) error {
	switch mode {
	case "live", "simulation":
	default:
		return fmt.Errorf("orchestrator: unknown mode %q", mode)
	}
	o.cfgMu.Lock()
	cfg, err := o.cfg.Apply(func(c *config.Config) { c.General.Mode = mode })
	if err == nil {
		o.cfg = cfg
	}
	o.cfgMu.Unlock()
	if err != nil {
		return err
	}
	o.exec.SetSimulate(mode != "live")
	log.Info().Str("mode", mode).Msg("execution mode switched")
	return nil
}

// UpdateConfig validates a mutated copy of the configuration and, on
// success, swaps it in and pushes the tunables to the components.
func (o *Orchestrator) UpdateConfig(mutate func(*config.Config)) error {
	o.cfgMu.Lock()
	cfg, err := o.cfg.Apply(mutate)
	if err != nil {
		o.cfgMu.Unlock()
		return err
	}
	o.cfg = cfg
	o.cfgMu.Unlock()

	o.strat.UpdateConfig(cfg.Scoring, cfg.Filters, cfg.Momentum, cfg.Creator)
	o.positions.UpdateConfig(cfg)
	log.Info().Msg("configuration updated")
	return nil
}

// intakeLoop feeds candidates from the stream (live) or the synthetic
// generator (simulation) into the admission gate.
func (o *Orchestrator) intakeLoop(ctx context.Context, signals <-chan monitor.CreateSignal) {
	defer o.wg.Done()

	sim := time.NewTicker(o.simTick)
	defer sim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			o.admit(ctx, sig, nil)
		case <-sim.C:
			if !o.simulating() {
				continue
			}
			ev := synthesizeCreate()
			o.admit(ctx, monitor.CreateSignal{
				Signature:  ev.Signature,
				Source:     "sim",
				DetectedAt: ev.ObservedAt,
			}, ev)
		}
	}
}

// admit applies the intake checks and dispatches one worker per admitted
// candidate. ev is non-nil for synthetic candidates, which skip the
// parser.
func (o *Orchestrator) admit(ctx context.Context, sig monitor.CreateSignal, ev *pump.ParsedCreateEvent) {
	o.metrics.Detected.Inc()
	cfg := o.Config()

	if o.halted.Load() {
		log.Debug().Str("sig", shortSig(sig.Signature)).Msg("intake halted by panic")
		return
	}
	if cfg.Execution.HaltIntakeWhenFull &&
		len(o.positions.OpenSnapshots()) >= cfg.Execution.MaxOpenPositions {
		log.Debug().Str("sig", shortSig(sig.Signature)).Msg("intake halted, positions full")
		return
	}
	if !o.admission.TryAdmit() {
		o.metrics.GateDropped.Inc()
		return
	}

	work := o.work
	if work == nil {
		work = ctx
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.admission.Release()
		o.processCandidate(work, sig, ev, cfg)
	}()
}

func (o *Orchestrator) processCandidate(ctx context.Context, sig monitor.CreateSignal, ev *pump.ParsedCreateEvent, cfg *config.Config) {
	if ev == nil {
		res := o.parser.Parse(ctx, sig.Signature)
		if res.Status != parse.StatusParsed {
			return
		}
		ev = res.Event
	}

	maxAge := time.Duration(cfg.Timing.CandidateMaxAgeMs) * time.Millisecond
	if age := time.Since(sig.DetectedAt); maxAge > 0 && age > maxAge {
		log.Debug().Str("sig", shortSig(sig.Signature)).Dur("age", age).Msg("candidate too old")
		o.metrics.ParseDropped.Inc()
		return
	}

	name := "PUMP-" + shortSig(ev.Mint.String())
	liq := o.liquidityFor(ctx, ev, cfg)

	in := o.strat.SampleInput(ev.Mint.String(), name, liq)
	o.metrics.Scored.Inc()
	decision := o.strat.Evaluate(in)
	if !decision.Passed {
		o.metrics.Rejected.Inc()
		return
	}

	out := o.exec.ExecuteBuy(ctx, ev, decision.BuyAmountSOL, cfg.Execution.BuySlippagePct)
	if !out.Success {
		return
	}

	tokenAmount, _ := pump.BuyAmounts(decision.BuyAmountSOL, cfg.Execution.BuySlippagePct)
	_, ok := o.positions.Open(position.OpenParams{
		Mint:          ev.Mint,
		Name:          name,
		Score:         decision.PumpScore,
		Signature:     out.Signature,
		EntryPriceSOL: out.EntryPriceSOL,
		AmountSOL:     out.AmountSOL,
		Sell: execution.SellTicket{
			Mint:                   ev.Mint,
			BondingCurve:           ev.BondingCurve,
			AssociatedBondingCurve: ev.AssociatedBondingCurve,
			TokenProgram:           ev.TokenProgram,
			Creator:                ev.Creator,
			TokenAmount:            tokenAmount,
		},
	})
	if !ok {
		return
	}
	o.feed.PublishLog(feed.LevelTrade, "execution",
		fmt.Sprintf("bought %s for %.4f SOL (score %.0f)", name, out.AmountSOL, decision.PumpScore))
}

// liquidityFor estimates the candidate's liquidity. Live mode reads the
// curve's real reserves; if the account is not readable yet the filter
// floor is used so liquidity alone does not veto the candidate.
func (o *Orchestrator) liquidityFor(ctx context.Context, ev *pump.ParsedCreateEvent, cfg *config.Config) float64 {
	if o.simulating() {
		return 0.5 + float64(time.Now().UnixNano()%400)/100.0
	}
	state, err := execution.FetchCurve(ctx, o.chain, ev.BondingCurve)
	if err != nil {
		return cfg.Filters.MinLiquiditySOL
	}
	return state.LiquiditySOL()
}

func (o *Orchestrator) evalLoop(ctx context.Context) {
	defer o.wg.Done()
	t := time.NewTicker(time.Duration(o.Config().Timing.EvalIntervalMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// Sells run on the worker context so a Stop mid-tick cannot
			// abort an exit that is already on the wire.
			o.positions.EvaluateTick(o.work)
		}
	}
}

func (o *Orchestrator) priceLoop(ctx context.Context) {
	defer o.wg.Done()
	t := time.NewTicker(time.Duration(o.Config().Timing.PriceUpdateIntervalMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if o.simulating() {
				o.positions.SimulatePrices()
			} else {
				o.updateLivePrices(ctx)
			}
		}
	}
}

// updateLivePrices reads each open position's curve and feeds a price
// indexed to the entry: the position opened at its cost basis, so the
// curve price is applied as a ratio against the first observation.
func (o *Orchestrator) updateLivePrices(ctx context.Context) {
	open := o.positions.OpenSnapshots()

	o.basisMu.Lock()
	live := make(map[string]bool, len(open))
	for _, snap := range open {
		live[snap.Mint] = true
	}
	for mint := range o.basis {
		if !live[mint] {
			delete(o.basis, mint)
		}
	}
	o.basisMu.Unlock()

	for _, snap := range open {
		mint, err := solana.PublicKeyFromBase58(snap.Mint)
		if err != nil {
			continue
		}
		bondingCurve, err := solana.PublicKeyFromBase58(snap.BondingCurve)
		if err != nil {
			continue
		}
		curve, err := execution.FetchCurve(ctx, o.chain, bondingCurve)
		if err != nil {
			log.Debug().Err(err).Str("mint", shortSig(snap.Mint)).Msg("price poll failed")
			continue
		}
		price := curve.PriceSOL()
		if price <= 0 {
			continue
		}

		o.basisMu.Lock()
		first, seen := o.basis[snap.Mint]
		if !seen {
			o.basis[snap.Mint] = price
			first = price
		}
		o.basisMu.Unlock()

		o.positions.UpdatePrice(mint, snap.EntryPriceSOL*(price/first))
	}
}

func (o *Orchestrator) statusLoop(ctx context.Context) {
	defer o.wg.Done()
	t := time.NewTicker(statusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.feed.PublishStatus(o.Status())
		}
	}
}

// Status is the control-surface snapshot.
type Status struct {
	Running   bool                     `json:"running"`
	Mode      string                   `json:"mode"`
	UptimeS   float64                  `json:"uptime_s"`
	Gate      gate.Stats               `json:"gate"`
	Monitor   monitor.Stats            `json:"monitor"`
	Strategy  strategy.Stats           `json:"strategy"`
	Execution execution.Stats          `json:"execution"`
	Relay     relay.Stats              `json:"relay"`
	KPI       position.KPI             `json:"kpi"`
	RPC       []rpcpool.EndpointHealth `json:"rpc"`
	Metrics   map[string]float64       `json:"metrics"`
	Positions []position.Snapshot      `json:"positions"`
}

func (o *Orchestrator) Status() Status {
	mode := "live"
	if o.simulating() {
		mode = "simulation"
	}
	var uptime float64
	if o.running.Load() {
		uptime = time.Since(o.started).Seconds()
	}
	return Status{
		Running:   o.running.Load(),
		Mode:      mode,
		UptimeS:   uptime,
		Gate:      o.admission.Stats(),
		Monitor:   o.mon.Stats(),
		Strategy:  o.strat.Stats(),
		Execution: o.exec.Stats(),
		Relay:     o.relay.Stats(),
		KPI:       o.positions.KPIs(),
		RPC:       o.pool.Health(),
		Metrics:   o.metrics.Snapshot(),
		Positions: o.positions.OpenSnapshots(),
	}
}

// Positions exposes the manager for the API layer.
func (o *Orchestrator) Positions() *position.Manager { return o.positions }

// RecentLatencies returns the last detect-to-send samples in ms.
func (o *Orchestrator) RecentLatencies(limit int) []float64 {
	return o.metrics.DetectToSend.Samples(limit)
}

// synthesizeCreate fabricates a create event shaped exactly like a parsed
// live one, down to the 16-entry account list.
func synthesizeCreate() *pump.ParsedCreateEvent {
	accounts := make([]pump.AccountMeta, pump.CreateAccountCount)
	for i := range accounts {
		key, _ := solana.NewRandomPrivateKey()
		accounts[i] = pump.AccountMeta{Pubkey: key.PublicKey()}
	}
	accounts[3].IsWritable = true
	accounts[4].IsWritable = true
	accounts[pump.IdxBuyerATA].IsWritable = true
	accounts[pump.IdxSigner].IsSigner = true
	accounts[pump.IdxSigner].IsWritable = true

	sigKey, _ := solana.NewRandomPrivateKey()
	return &pump.ParsedCreateEvent{
		Signature:              sigKey.PublicKey().String(),
		Mint:                   accounts[2].Pubkey,
		BondingCurve:           accounts[3].Pubkey,
		AssociatedBondingCurve: accounts[4].Pubkey,
		Creator:                accounts[pump.IdxSigner].Pubkey,
		TokenProgram:           pump.Token2022Program,
		Accounts:               accounts,
		ObservedAt:             time.Now(),
	}
}

func shortSig(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
