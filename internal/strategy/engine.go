// Package strategy scores fresh launch candidates and decides whether the
// pipeline buys. Evaluate is side-effect free apart from its own counters:
// it never touches the chain, so it can run inside the latency budget.
package strategy

import (
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/config"
)

// MomentumSample is the early-window trading activity observed on a
// candidate: buy count, SOL volume, and distinct buyers inside the
// configured check window.
type MomentumSample struct {
	Buys          int
	VolumeSOL     float64
	UniqueWallets int
}

// CreatorHistory is what is known about the deployer wallet: prior
// launches, their winrate, and an aggregate risk score in [0,100].
type CreatorHistory struct {
	TokensLaunched int
	WinratePct     float64
	RiskScore      float64
}

// Input is the candidate view the engine scores. Live mode fills it from a
// parsed create event; simulation fabricates it. RugScore is a component
// score in [0,100]; momentum and creator arrive as raw observations and
// are scored against their configured floors.
type Input struct {
	Mint         string
	TokenName    string
	LiquiditySOL float64
	RugScore     float64
	Momentum     MomentumSample
	Creator      CreatorHistory
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Passed       bool    `json:"passed"`
	PumpScore    float64 `json:"pump_score"`
	Reason       string  `json:"reason"`
	BuyAmountSOL float64 `json:"buy_amount_sol"`
	FastBuy      bool    `json:"fast_buy"`
}

// Engine applies the weighted scoring model. Config swaps are atomic under
// the mutex; evaluation holds it only long enough to read.
type Engine struct {
	mu        sync.Mutex
	scoring   config.ScoringConfig
	filters   config.FiltersConfig
	momentum  config.MomentumConfig
	creator   config.CreatorConfig
	evaluated int64
	passed    int64
	rejected  int64
	buckets   [5]int64 // <50, 50-70, 70-85, 85-90, >=90
	rng       *rand.Rand
}

// New builds an engine from the scoring, filter, momentum, and creator
// configuration.
func New(scoring config.ScoringConfig, filters config.FiltersConfig, momentum config.MomentumConfig, creator config.CreatorConfig) *Engine {
	return &Engine{
		scoring:  scoring,
		filters:  filters,
		momentum: momentum,
		creator:  creator,
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

// UpdateConfig swaps in new tunables.
func (e *Engine) UpdateConfig(scoring config.ScoringConfig, filters config.FiltersConfig, momentum config.MomentumConfig, creator config.CreatorConfig) {
	e.mu.Lock()
	e.scoring = scoring
	e.filters = filters
	e.momentum = momentum
	e.creator = creator
	e.mu.Unlock()
}

// SampleInput fabricates the raw observations for simulation mode.
func (e *Engine) SampleInput(mint, name string, liquiditySOL float64) Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Input{
		Mint:         mint,
		TokenName:    name,
		LiquiditySOL: liquiditySOL,
		RugScore:     40 + e.rng.Float64()*55,
		Momentum: MomentumSample{
			Buys:          e.rng.Intn(9),
			VolumeSOL:     e.rng.Float64() * 0.6,
			UniqueWallets: e.rng.Intn(7),
		},
		Creator: CreatorHistory{
			TokensLaunched: e.rng.Intn(12),
			WinratePct:     e.rng.Float64() * 100,
			RiskScore:      e.rng.Float64() * 100,
		},
	}
}

// Score computes the weighted pump score, clamped to [0,100].
func (e *Engine) Score(in Input) float64 {
	e.mu.Lock()
	w := e.scoring.Weights
	mc := e.momentum
	cc := e.creator
	e.mu.Unlock()

	liqComponent := in.LiquiditySOL * 40
	if liqComponent > 100 {
		liqComponent = 100
	}
	score := in.RugScore*w.RugCheck +
		liqComponent*w.Liquidity +
		scoreMomentum(in.Momentum, mc)*w.Momentum +
		scoreCreator(in.Creator, cc)*w.Creator
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// scoreMomentum maps window activity onto [0,100]: each observation earns
// its share of the component in proportion to the configured floor, and a
// window that clears every floor saturates.
func scoreMomentum(s MomentumSample, cfg config.MomentumConfig) float64 {
	var score float64
	if cfg.MinBuys > 0 {
		score += 40 * capRatio(float64(s.Buys), float64(cfg.MinBuys))
	}
	if cfg.MinVolumeSOL > 0 {
		score += 35 * capRatio(s.VolumeSOL, cfg.MinVolumeSOL)
	}
	if cfg.MinUniqueWallets > 0 {
		score += 25 * capRatio(float64(s.UniqueWallets), float64(cfg.MinUniqueWallets))
	}
	return score
}

// scoreCreator maps launch history onto [0,100]. A risky deployer is
// pinned near zero no matter the winrate; a wallet without enough history
// sits at a neutral 50.
func scoreCreator(h CreatorHistory, cfg config.CreatorConfig) float64 {
	switch {
	case h.RiskScore >= cfg.HighRiskThreshold:
		return 5
	case h.TokensLaunched < cfg.MinTokens:
		return 50
	case h.WinratePct < cfg.BadWinrateThreshold:
		return 15
	case h.WinratePct > 100:
		return 100
	default:
		return h.WinratePct
	}
}

func capRatio(v, floor float64) float64 {
	if v <= 0 {
		return 0
	}
	if r := v / floor; r < 1 {
		return r
	}
	return 1
}

// Evaluate scores the candidate and applies the liquidity floor and score
// thresholds. A candidate at or above the fast-buy threshold skips the
// min-score comparison entirely.
func (e *Engine) Evaluate(in Input) Decision {
	score := e.Score(in)

	e.mu.Lock()
	e.evaluated++
	e.buckets[bucketFor(score)]++
	th := e.scoring.Thresholds
	f := e.filters
	e.mu.Unlock()

	d := Decision{
		PumpScore:    score,
		Passed:       true,
		Reason:       "PASS",
		BuyAmountSOL: f.MaxInitialBuySOL,
		FastBuy:      f.FastBuyEnabled && score >= th.FastBuy,
	}

	switch {
	case in.LiquiditySOL < f.MinLiquiditySOL:
		d.Passed = false
		d.Reason = "LOW_LIQUIDITY"
	case !d.FastBuy && score < th.MinScore:
		d.Passed = false
		d.Reason = "LOW_SCORE"
	case !d.FastBuy:
		d.Reason = "SCORE_OK"
	}

	e.mu.Lock()
	if d.Passed {
		e.passed++
	} else {
		e.rejected++
	}
	e.mu.Unlock()

	log.Debug().
		Str("token", in.TokenName).
		Float64("score", score).
		Float64("liquidity_sol", in.LiquiditySOL).
		Str("result", d.Reason).
		Bool("fast_buy", d.FastBuy).
		Msg("strategy evaluated")

	return d
}

func bucketFor(score float64) int {
	switch {
	case score < 50:
		return 0
	case score < 70:
		return 1
	case score < 85:
		return 2
	case score < 90:
		return 3
	default:
		return 4
	}
}

// Stats is the engine's cumulative activity snapshot.
type Stats struct {
	Evaluated    int64            `json:"evaluated"`
	Passed       int64            `json:"passed"`
	Rejected     int64            `json:"rejected"`
	ScoreBuckets map[string]int64 `json:"score_buckets"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Evaluated: e.evaluated,
		Passed:    e.passed,
		Rejected:  e.rejected,
		ScoreBuckets: map[string]int64{
			"0-50":   e.buckets[0],
			"50-70":  e.buckets[1],
			"70-85":  e.buckets[2],
			"85-90":  e.buckets[3],
			"90-100": e.buckets[4],
		},
	}
}
