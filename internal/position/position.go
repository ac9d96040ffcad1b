package position

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/execution"
)

// Status is the lifecycle state. A position moves OPEN -> CLOSING ->
// CLOSED; a failed sell moves it back from CLOSING to OPEN so the next
// tick retries.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// Close reasons. These end up in the journal and the status feed.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonKillSwitch   = "kill_switch"
	ReasonMaxAge       = "max_age"
	ReasonTakeProfit   = "take_profit"
	ReasonPanic        = "panic"
	ReasonManual       = "manual"
)

const tpLevels = 3

// Position is one open trade. The Sell ticket carries the accounts
// captured at buy time; a sell must never go back to the chain for them.
type Position struct {
	ID        string
	Mint      solana.PublicKey
	Name      string
	Score     float64
	Signature string

	EntryPriceSOL   float64
	CurrentPriceSOL float64
	AmountSOL       decimal.Decimal
	PnLSOL          decimal.Decimal
	PnLPct          float64

	Status       Status
	StopLossPct  float64
	TrailingOn   bool
	TrailingHigh float64
	TPHits       [tpLevels]bool

	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason string
	ExitSig     string

	Sell execution.SellTicket
}

// OpenParams is everything a successful buy hands over.
type OpenParams struct {
	Mint          solana.PublicKey
	Name          string
	Score         float64
	Signature     string
	EntryPriceSOL float64
	AmountSOL     float64
	Sell          execution.SellTicket
}

func newPosition(p OpenParams, stopLoss float64, now time.Time) *Position {
	amount := decimal.NewFromFloat(p.AmountSOL)
	return &Position{
		ID:              uuid.NewString(),
		Mint:            p.Mint,
		Name:            p.Name,
		Score:           p.Score,
		Signature:       p.Signature,
		EntryPriceSOL:   p.EntryPriceSOL,
		CurrentPriceSOL: p.EntryPriceSOL,
		AmountSOL:       amount,
		Status:          StatusOpen,
		StopLossPct:     stopLoss,
		TrailingHigh:    p.EntryPriceSOL,
		OpenedAt:        now,
		Sell:            p.Sell,
	}
}

// updatePrice recomputes PnL and advances the high-water mark.
func (p *Position) updatePrice(price float64) {
	p.CurrentPriceSOL = price
	if p.EntryPriceSOL > 0 {
		p.PnLPct = (price - p.EntryPriceSOL) / p.EntryPriceSOL * 100
	}
	p.PnLSOL = p.AmountSOL.Mul(decimal.NewFromFloat(p.PnLPct / 100)).Round(9)
	if price > p.TrailingHigh {
		p.TrailingHigh = price
	}
}

func (p *Position) age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// retraceFromHighPct is how far below the high-water mark the price sits,
// as a negative percentage.
func (p *Position) retraceFromHighPct() float64 {
	if p.TrailingHigh <= 0 {
		return 0
	}
	return (p.CurrentPriceSOL - p.TrailingHigh) / p.TrailingHigh * 100
}

// stopLossFor maps a strategy score onto the loss tier it can tolerate.
// High-conviction entries get more room before the stop fires.
func stopLossFor(score float64, tiers config.StopLossTiers, thresholds config.ScoringThresholds) float64 {
	switch {
	case score >= thresholds.UltraScore:
		return tiers.Ultra
	case score >= thresholds.FastBuy:
		return tiers.High
	case score >= thresholds.MinScore:
		return tiers.Medium
	default:
		return tiers.Low
	}
}

// Snapshot is the JSON shape positions are reported in, for the status
// feed and the journal.
type Snapshot struct {
	ID              string  `json:"id"`
	Mint            string  `json:"mint"`
	BondingCurve    string  `json:"bonding_curve"`
	Name            string  `json:"name"`
	Score           float64 `json:"score"`
	Signature       string  `json:"signature"`
	EntryPriceSOL   float64 `json:"entry_price_sol"`
	CurrentPriceSOL float64 `json:"current_price_sol"`
	AmountSOL       string  `json:"amount_sol"`
	PnLSOL          string  `json:"pnl_sol"`
	PnLPct          float64 `json:"pnl_percent"`
	Status          string  `json:"status"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TrailingOn      bool    `json:"trailing_on"`
	TrailingHigh    float64 `json:"trailing_high"`
	OpenedAt        string  `json:"opened_at"`
	ClosedAt        string  `json:"closed_at,omitempty"`
	CloseReason     string  `json:"close_reason,omitempty"`
	ExitSignature   string  `json:"exit_signature,omitempty"`
}

func (p *Position) snapshot() Snapshot {
	s := Snapshot{
		ID:              p.ID,
		Mint:            p.Mint.String(),
		BondingCurve:    p.Sell.BondingCurve.String(),
		Name:            p.Name,
		Score:           p.Score,
		Signature:       p.Signature,
		EntryPriceSOL:   p.EntryPriceSOL,
		CurrentPriceSOL: p.CurrentPriceSOL,
		AmountSOL:       p.AmountSOL.String(),
		PnLSOL:          p.PnLSOL.String(),
		PnLPct:          p.PnLPct,
		Status:          string(p.Status),
		StopLossPct:     p.StopLossPct,
		TrailingOn:      p.TrailingOn,
		TrailingHigh:    p.TrailingHigh,
		OpenedAt:        p.OpenedAt.UTC().Format(time.RFC3339Nano),
		CloseReason:     p.CloseReason,
		ExitSignature:   p.ExitSig,
	}
	if !p.ClosedAt.IsZero() {
		s.ClosedAt = p.ClosedAt.UTC().Format(time.RFC3339Nano)
	}
	return s
}
