// Package position owns the lifecycle of every open trade: entry
// bookkeeping, price updates, and the exit state machine (take-profit
// ladder, trailing stop, stop-loss tiers, kill-switch, max-age). Exits
// call back into the execution engine; a failed sell puts the position
// back to OPEN so the next tick retries it.
package position

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/execution"
	"github.com/pulse-trading/pulse/internal/observability"
)

// Seller is the sell side of the execution engine.
type Seller interface {
	ExecuteSell(ctx context.Context, ticket execution.SellTicket, slippagePct float64) execution.SellOutcome
}

// Recorder receives best-effort journal writes. May be nil.
type Recorder interface {
	RecordOpen(s Snapshot)
	RecordClose(s Snapshot)
}

const closedKeep = 200

// Manager tracks open and recently closed positions.
type Manager struct {
	seller  Seller
	journal Recorder
	metrics *observability.Pipeline

	mu     sync.Mutex
	cfg    *config.Config
	open   map[string]*Position
	closed []*Position
	rng    *rand.Rand
	now    func() time.Time

	realized decimal.Decimal
}

// NewManager wires a manager. journal may be nil.
func NewManager(cfg *config.Config, seller Seller, journal Recorder, metrics *observability.Pipeline) *Manager {
	return &Manager{
		seller:  seller,
		journal: journal,
		metrics: metrics,
		cfg:     cfg,
		open:    make(map[string]*Position),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// UpdateConfig swaps the config snapshot used by subsequent ticks.
func (m *Manager) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Open registers a filled buy as a position. Returns false when the
// position cap is reached or a position for the mint already exists.
func (m *Manager) Open(p OpenParams) (Snapshot, bool) {
	m.mu.Lock()
	if len(m.open) >= m.cfg.Execution.MaxOpenPositions {
		m.mu.Unlock()
		log.Warn().Str("name", p.Name).Msg("position cap reached, not tracking fill")
		return Snapshot{}, false
	}
	if m.cfg.Execution.OnePerToken {
		for _, existing := range m.open {
			if existing.Mint.Equals(p.Mint) {
				m.mu.Unlock()
				log.Warn().Str("mint", p.Mint.String()).Msg("position for mint already open")
				return Snapshot{}, false
			}
		}
	}

	sl := stopLossFor(p.Score, m.cfg.Risk.StopLoss, m.cfg.Scoring.Thresholds)
	pos := newPosition(p, sl, m.now())
	m.open[pos.ID] = pos
	snap := pos.snapshot()
	m.metrics.OpenPositions.Set(float64(len(m.open)))
	m.mu.Unlock()

	log.Info().
		Str("id", pos.ID[:8]).
		Str("name", pos.Name).
		Float64("entry_sol", pos.EntryPriceSOL).
		Float64("stop_loss_pct", sl).
		Msg("position opened")

	if m.journal != nil {
		m.journal.RecordOpen(snap)
	}
	return snap, true
}

// UpdatePrice feeds a live price into every open position on the mint.
func (m *Manager) UpdatePrice(mint solana.PublicKey, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.open {
		if pos.Mint.Equals(mint) {
			pos.updatePrice(price)
		}
	}
}

// SimulatePrices applies a small gaussian drift to every open position.
// Simulation mode only; live mode gets real curve prices.
func (m *Manager) SimulatePrices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.open {
		changePct := m.rng.NormFloat64()*3 + 0.5
		price := pos.CurrentPriceSOL * (1 + changePct/100)
		if price < 0.000001 {
			price = 0.000001
		}
		pos.updatePrice(price)
	}
}

// SetStopLoss overrides one position's stop-loss percentage.
func (m *Manager) SetStopLoss(id string, pct float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.open[id]
	if !ok {
		return false
	}
	pos.StopLossPct = pct
	return true
}

type actionKind int

const (
	actionClose actionKind = iota
	actionPartial
)

type exitAction struct {
	pos    *Position
	kind   actionKind
	reason string
	// partial take-profit fields
	level   int
	sellPct float64
}

// EvaluateTick runs every exit rule against every open position, then
// executes the triggered sells. Called on the orchestrator's eval loop.
func (m *Manager) EvaluateTick(ctx context.Context) {
	m.mu.Lock()
	actions := m.collectActions()
	m.mu.Unlock()

	for _, a := range actions {
		switch a.kind {
		case actionClose:
			m.executeClose(ctx, a.pos, a.reason)
		case actionPartial:
			m.executePartial(ctx, a.pos, a.level, a.sellPct)
		}
	}
}

// collectActions applies the rule order: kill-switch, stop-loss,
// take-profit ladder, trailing stop, max-age. Full closes mark the
// position CLOSING so a slow sell cannot be double-triggered; partial
// rungs are marked hit up front and rolled back if the sell fails.
func (m *Manager) collectActions() []exitAction {
	now := m.now()
	cfg := m.cfg
	maxAge := time.Duration(cfg.Timing.MaxPositionAgeMs) * time.Millisecond
	var actions []exitAction

	for _, pos := range m.open {
		if pos.Status != StatusOpen {
			continue
		}

		ks := cfg.Risk.KillSwitch
		if ks.Enabled &&
			pos.age(now) > time.Duration(ks.MaxTimeSeconds)*time.Second &&
			pos.PnLPct < ks.DropThresholdPct {
			pos.Status = StatusClosing
			actions = append(actions, exitAction{pos: pos, kind: actionClose, reason: ReasonKillSwitch})
			continue
		}

		if pos.PnLPct <= pos.StopLossPct {
			pos.Status = StatusClosing
			actions = append(actions, exitAction{pos: pos, kind: actionClose, reason: ReasonStopLoss})
			continue
		}

		rungs := [tpLevels]config.TakeProfitLevel{cfg.TakeProfit.TP1, cfg.TakeProfit.TP2, cfg.TakeProfit.TP3}
		partial := false
		for i, rung := range rungs {
			if pos.TPHits[i] || pos.PnLPct < rung.GainPct || rung.SellPct <= 0 {
				continue
			}
			pos.TPHits[i] = true
			actions = append(actions, exitAction{pos: pos, kind: actionPartial, level: i, sellPct: rung.SellPct})
			partial = true
			break
		}
		if partial {
			continue
		}

		if pos.PnLPct >= cfg.Risk.Trailing.StartPct {
			pos.TrailingOn = true
		}
		if pos.TrailingOn && pos.retraceFromHighPct() <= -cfg.Risk.Trailing.DistancePct {
			pos.Status = StatusClosing
			actions = append(actions, exitAction{pos: pos, kind: actionClose, reason: ReasonTrailingStop})
			continue
		}

		if maxAge > 0 && pos.age(now) > maxAge {
			pos.Status = StatusClosing
			actions = append(actions, exitAction{pos: pos, kind: actionClose, reason: ReasonMaxAge})
		}
	}
	return actions
}

// executeClose sells the full remaining size. On failure the position
// reverts to OPEN and the next tick retries.
func (m *Manager) executeClose(ctx context.Context, pos *Position, reason string) {
	m.mu.Lock()
	ticket := pos.Sell
	slippage := m.cfg.Execution.SellSlippagePct
	m.mu.Unlock()

	out := m.seller.ExecuteSell(ctx, ticket, slippage)

	m.mu.Lock()
	if !out.Success {
		pos.Status = StatusOpen
		m.mu.Unlock()
		log.Warn().
			Str("id", pos.ID[:8]).
			Str("reason", reason).
			Str("error", out.Err).
			Msg("exit sell failed, position reopened")
		return
	}
	pos.ExitSig = out.Signature
	m.finalize(pos, reason)
	snap := pos.snapshot()
	m.mu.Unlock()

	log.Info().
		Str("id", pos.ID[:8]).
		Str("name", pos.Name).
		Str("reason", reason).
		Float64("pnl_pct", pos.PnLPct).
		Msg("position closed")

	if m.journal != nil {
		m.journal.RecordClose(snap)
	}
}

// executePartial sells sellPct of the remaining size for one take-profit
// rung. Failure rolls the rung back so it can fire again.
func (m *Manager) executePartial(ctx context.Context, pos *Position, level int, sellPct float64) {
	m.mu.Lock()
	ticket := pos.Sell
	ticket.TokenAmount = uint64(float64(ticket.TokenAmount) * sellPct / 100)
	slippage := m.cfg.Execution.SellSlippagePct
	m.mu.Unlock()

	if ticket.TokenAmount == 0 {
		return
	}

	out := m.seller.ExecuteSell(ctx, ticket, slippage)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !out.Success {
		pos.TPHits[level] = false
		log.Warn().
			Str("id", pos.ID[:8]).
			Int("level", level+1).
			Str("error", out.Err).
			Msg("take-profit sell failed, rung rearmed")
		return
	}

	keep := decimal.NewFromFloat(1 - sellPct/100)
	realizedPart := pos.PnLSOL.Mul(decimal.NewFromFloat(sellPct / 100)).Round(9)
	m.realized = m.realized.Add(realizedPart)
	m.metrics.RealizedPnL.Add(realizedPart.InexactFloat64())
	pos.AmountSOL = pos.AmountSOL.Mul(keep).Round(9)
	pos.Sell.TokenAmount -= ticket.TokenAmount
	pos.updatePrice(pos.CurrentPriceSOL)

	log.Info().
		Str("id", pos.ID[:8]).
		Str("name", pos.Name).
		Int("level", level+1).
		Float64("pnl_pct", pos.PnLPct).
		Msg("take-profit rung filled")
}

// finalize moves a position to the closed ring. Caller holds the lock.
func (m *Manager) finalize(pos *Position, reason string) {
	pos.Status = StatusClosed
	pos.CloseReason = reason
	pos.ClosedAt = m.now()
	delete(m.open, pos.ID)

	m.realized = m.realized.Add(pos.PnLSOL)
	m.metrics.RealizedPnL.Add(pos.PnLSOL.InexactFloat64())
	m.metrics.OpenPositions.Set(float64(len(m.open)))

	m.closed = append(m.closed, pos)
	if len(m.closed) > closedKeep {
		m.closed = m.closed[len(m.closed)-closedKeep:]
	}
}

// Close force-closes one position by id.
func (m *Manager) Close(ctx context.Context, id, reason string) bool {
	m.mu.Lock()
	pos, ok := m.open[id]
	if !ok || pos.Status != StatusOpen {
		m.mu.Unlock()
		return false
	}
	pos.Status = StatusClosing
	m.mu.Unlock()

	m.executeClose(ctx, pos, reason)
	return true
}

// CloseAll force-closes everything. Used by the panic control.
func (m *Manager) CloseAll(ctx context.Context, reason string) int {
	m.mu.Lock()
	var targets []*Position
	for _, pos := range m.open {
		if pos.Status == StatusOpen {
			pos.Status = StatusClosing
			targets = append(targets, pos)
		}
	}
	m.mu.Unlock()

	for _, pos := range targets {
		m.executeClose(ctx, pos, reason)
	}
	return len(targets)
}

// OpenSnapshots lists open positions, newest last.
func (m *Manager) OpenSnapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.open))
	for _, pos := range m.open {
		out = append(out, pos.snapshot())
	}
	return out
}

// ClosedSnapshots lists up to limit most recently closed positions.
func (m *Manager) ClosedSnapshots(limit int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.closed) > limit {
		start = len(m.closed) - limit
	}
	out := make([]Snapshot, 0, len(m.closed)-start)
	for _, pos := range m.closed[start:] {
		out = append(out, pos.snapshot())
	}
	return out
}

// KPI is the aggregate trading scoreboard.
type KPI struct {
	OpenPositions   int     `json:"open_positions"`
	MaxPositions    int     `json:"max_positions"`
	ClosedPositions int     `json:"closed_positions"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRatePct      float64 `json:"win_rate_pct"`
	RealizedPnLSOL  string  `json:"realized_pnl_sol"`
	OpenPnLSOL      string  `json:"open_pnl_sol"`
}

func (m *Manager) KPIs() KPI {
	m.mu.Lock()
	defer m.mu.Unlock()

	wins := 0
	for _, pos := range m.closed {
		if pos.PnLSOL.IsPositive() {
			wins++
		}
	}
	openPnL := decimal.Zero
	for _, pos := range m.open {
		openPnL = openPnL.Add(pos.PnLSOL)
	}
	k := KPI{
		OpenPositions:   len(m.open),
		MaxPositions:    m.cfg.Execution.MaxOpenPositions,
		ClosedPositions: len(m.closed),
		Wins:            wins,
		Losses:          len(m.closed) - wins,
		RealizedPnLSOL:  m.realized.String(),
		OpenPnLSOL:      openPnL.String(),
	}
	if len(m.closed) > 0 {
		k.WinRatePct = float64(wins) / float64(len(m.closed)) * 100
	}
	return k
}
