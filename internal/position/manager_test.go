package position

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/execution"
	"github.com/pulse-trading/pulse/internal/observability"
)

type fakeSeller struct {
	fail    bool
	tickets []execution.SellTicket
}

func (s *fakeSeller) ExecuteSell(_ context.Context, ticket execution.SellTicket, _ float64) execution.SellOutcome {
	s.tickets = append(s.tickets, ticket)
	if s.fail {
		return execution.SellOutcome{Err: "blockhash not found"}
	}
	return execution.SellOutcome{Success: true, Signature: "sellsig"}
}

type fakeRecorder struct {
	opens  []Snapshot
	closes []Snapshot
}

func (r *fakeRecorder) RecordOpen(s Snapshot)  { r.opens = append(r.opens, s) }
func (r *fakeRecorder) RecordClose(s Snapshot) { r.closes = append(r.closes, s) }

func testManager(t *testing.T, seller Seller) (*Manager, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	m := NewManager(config.Default(), seller, rec, observability.NewPipeline())
	return m, rec
}

func mintKey(t *testing.T) solana.PublicKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

func openOne(t *testing.T, m *Manager, score float64) (Snapshot, solana.PublicKey) {
	t.Helper()
	mint := mintKey(t)
	snap, ok := m.Open(OpenParams{
		Mint:          mint,
		Name:          "TESTCOIN",
		Score:         score,
		Signature:     "buysig",
		EntryPriceSOL: 1.0,
		AmountSOL:     0.03,
		Sell: execution.SellTicket{
			Mint:        mint,
			TokenAmount: 1000,
		},
	})
	require.True(t, ok)
	return snap, mint
}

func TestStopLossClosesAndStaysClosed(t *testing.T) {
	seller := &fakeSeller{}
	m, rec := testManager(t, seller)
	snap, mint := openOne(t, m, 10) // lowest tier, -10% stop

	m.UpdatePrice(mint, 0.85)
	m.EvaluateTick(context.Background())

	require.Len(t, seller.tickets, 1)
	assert.Equal(t, uint64(1000), seller.tickets[0].TokenAmount, "full size goes out")
	assert.Empty(t, m.OpenSnapshots())

	closed := m.ClosedSnapshots(10)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonStopLoss, closed[0].CloseReason)
	assert.Equal(t, string(StatusClosed), closed[0].Status)
	assert.Equal(t, "sellsig", closed[0].ExitSignature)
	require.Len(t, rec.closes, 1)
	assert.Equal(t, snap.ID, rec.closes[0].ID)

	// A later price update must not resurrect it.
	m.UpdatePrice(mint, 2.0)
	m.EvaluateTick(context.Background())
	assert.Empty(t, m.OpenSnapshots())
	assert.Len(t, seller.tickets, 1)
}

func TestStopLossTierFollowsScore(t *testing.T) {
	m, _ := testManager(t, &fakeSeller{})
	low, _ := openOne(t, m, 10)
	med, _ := openOne(t, m, 75)
	high, _ := openOne(t, m, 86)
	ultra, _ := openOne(t, m, 95)

	assert.Equal(t, -10.0, low.StopLossPct)
	assert.Equal(t, -12.0, med.StopLossPct)
	assert.Equal(t, -15.0, high.StopLossPct)
	assert.Equal(t, -20.0, ultra.StopLossPct)
}

func TestTakeProfitRungsFireOnce(t *testing.T) {
	seller := &fakeSeller{}
	m, _ := testManager(t, seller)
	_, mint := openOne(t, m, 75)

	m.UpdatePrice(mint, 2.2) // +120%, over the first rung only
	m.EvaluateTick(context.Background())
	require.Len(t, seller.tickets, 1)
	assert.Equal(t, uint64(500), seller.tickets[0].TokenAmount, "first rung sells half")

	// Same price again: the rung already fired.
	m.EvaluateTick(context.Background())
	assert.Len(t, seller.tickets, 1)

	m.UpdatePrice(mint, 3.5) // +250%, second rung
	m.EvaluateTick(context.Background())
	require.Len(t, seller.tickets, 2)
	assert.Equal(t, uint64(125), seller.tickets[1].TokenAmount, "quarter of the remaining 500")

	open := m.OpenSnapshots()
	require.Len(t, open, 1, "residual stays open after partial fills")
}

func TestTakeProfitFailureRearmsRung(t *testing.T) {
	seller := &fakeSeller{fail: true}
	m, _ := testManager(t, seller)
	_, mint := openOne(t, m, 75)

	m.UpdatePrice(mint, 2.2)
	m.EvaluateTick(context.Background())
	require.Len(t, seller.tickets, 1)

	seller.fail = false
	m.EvaluateTick(context.Background())
	require.Len(t, seller.tickets, 2, "rung retries after a failed sell")
	assert.Equal(t, uint64(500), seller.tickets[1].TokenAmount, "size unchanged by the failed attempt")
}

func TestTrailingStopArmsAndCloses(t *testing.T) {
	seller := &fakeSeller{}
	m, _ := testManager(t, seller)
	_, mint := openOne(t, m, 75)

	m.UpdatePrice(mint, 1.20) // +20% arms the trail
	m.EvaluateTick(context.Background())
	require.Len(t, m.OpenSnapshots(), 1)
	assert.True(t, m.OpenSnapshots()[0].TrailingOn)

	m.UpdatePrice(mint, 1.07) // -10.8% off the 1.20 high
	m.EvaluateTick(context.Background())

	closed := m.ClosedSnapshots(10)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonTrailingStop, closed[0].CloseReason)
}

func TestKillSwitchNeedsBothAgeAndDrawdown(t *testing.T) {
	seller := &fakeSeller{}
	m, _ := testManager(t, seller)
	_, mint := openOne(t, m, 95) // ultra tier, -20% stop keeps stop-loss out of the way

	opened := time.Now()
	m.now = func() time.Time { return opened.Add(50 * time.Second) }

	m.UpdatePrice(mint, 0.95) // old but only -5%
	m.EvaluateTick(context.Background())
	assert.Len(t, m.OpenSnapshots(), 1, "age alone must not trigger")

	m.UpdatePrice(mint, 0.87) // -13%, now both conditions hold
	m.EvaluateTick(context.Background())

	closed := m.ClosedSnapshots(10)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonKillSwitch, closed[0].CloseReason)
}

func TestMaxAgeClosesRegardlessOfPnL(t *testing.T) {
	seller := &fakeSeller{}
	m, _ := testManager(t, seller)
	_, mint := openOne(t, m, 75)

	opened := time.Now()
	m.now = func() time.Time { return opened.Add(61 * time.Second) }

	m.UpdatePrice(mint, 1.05) // in profit, still expires
	m.EvaluateTick(context.Background())

	closed := m.ClosedSnapshots(10)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonMaxAge, closed[0].CloseReason)
}

func TestFailedExitSellReopensAndRetries(t *testing.T) {
	seller := &fakeSeller{fail: true}
	m, _ := testManager(t, seller)
	_, mint := openOne(t, m, 10)

	m.UpdatePrice(mint, 0.80)
	m.EvaluateTick(context.Background())

	open := m.OpenSnapshots()
	require.Len(t, open, 1, "failed sell keeps the position")
	assert.Equal(t, string(StatusOpen), open[0].Status)
	assert.Len(t, seller.tickets, 1)

	seller.fail = false
	m.EvaluateTick(context.Background())
	assert.Empty(t, m.OpenSnapshots())
	assert.Len(t, seller.tickets, 2)
}

func TestOpenEnforcesCapAndOnePerToken(t *testing.T) {
	m, _ := testManager(t, &fakeSeller{})
	cfg := config.Default()
	cfg.Execution.MaxOpenPositions = 2
	m.UpdateConfig(cfg)

	_, mint := openOne(t, m, 75)

	_, ok := m.Open(OpenParams{Mint: mint, Name: "DUP", EntryPriceSOL: 1, AmountSOL: 0.03})
	assert.False(t, ok, "one position per mint")

	openOne(t, m, 75)
	_, ok = m.Open(OpenParams{Mint: mintKey(t), Name: "OVER", EntryPriceSOL: 1, AmountSOL: 0.03})
	assert.False(t, ok, "cap reached")
}

func TestCloseAllPanics(t *testing.T) {
	seller := &fakeSeller{}
	m, _ := testManager(t, seller)
	openOne(t, m, 75)
	openOne(t, m, 75)

	n := m.CloseAll(context.Background(), ReasonPanic)
	assert.Equal(t, 2, n)
	assert.Empty(t, m.OpenSnapshots())
	for _, snap := range m.ClosedSnapshots(10) {
		assert.Equal(t, ReasonPanic, snap.CloseReason)
	}
}

func TestKPIs(t *testing.T) {
	seller := &fakeSeller{}
	m, _ := testManager(t, seller)
	_, winner := openOne(t, m, 95)
	_, loser := openOne(t, m, 10)

	m.UpdatePrice(winner, 1.20)
	m.UpdatePrice(loser, 0.85)
	m.EvaluateTick(context.Background()) // trailing arms, loser stops out

	m.UpdatePrice(winner, 1.07)
	m.EvaluateTick(context.Background()) // winner trails out in profit

	k := m.KPIs()
	assert.Equal(t, 0, k.OpenPositions)
	assert.Equal(t, 2, k.ClosedPositions)
	assert.Equal(t, 1, k.Wins)
	assert.Equal(t, 1, k.Losses)
	assert.Equal(t, 50.0, k.WinRatePct)
}
