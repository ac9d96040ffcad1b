package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/monitor"
	"github.com/pulse-trading/pulse/internal/position"
)

func newSim(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(config.Default())
	require.NoError(t, err)
	return o
}

func TestSynthesizedEventMatchesLiveShape(t *testing.T) {
	ev := synthesizeCreate()
	require.NoError(t, ev.Validate())
	assert.Equal(t, ev.Accounts[2].Pubkey, ev.Mint)
	assert.Equal(t, ev.Accounts[3].Pubkey, ev.BondingCurve)
	assert.True(t, ev.Accounts[6].IsSigner)
}

func TestSimulationEndToEnd(t *testing.T) {
	o := newSim(t)
	o.simTick = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Shutdown()

	require.Error(t, o.Start(ctx), "double start must be rejected")

	require.Eventually(t, func() bool {
		return len(o.positions.OpenSnapshots())+len(o.positions.ClosedSnapshots(50)) > 0
	}, 10*time.Second, 50*time.Millisecond, "simulation should produce positions")

	var snaps []position.Snapshot
	snaps = append(snaps, o.positions.OpenSnapshots()...)
	snaps = append(snaps, o.positions.ClosedSnapshots(50)...)
	for _, s := range snaps {
		assert.NotEmpty(t, s.ID)
		assert.NotEmpty(t, s.Mint)
		assert.NotEmpty(t, s.BondingCurve)
		assert.Positive(t, s.EntryPriceSOL)
		assert.True(t, strings.HasPrefix(s.Signature, "sim_"), "simulated fills carry sim signatures")
	}

	st := o.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "simulation", st.Mode)
	assert.Positive(t, st.Execution.Buys)
	assert.Positive(t, st.Metrics["tokens_detected"])

	o.Stop()
	assert.False(t, o.Running())
}

func TestRejectedCandidateNeverExecutes(t *testing.T) {
	o := newSim(t)
	require.NoError(t, o.UpdateConfig(func(c *config.Config) {
		c.Filters.FastBuyEnabled = false
		c.Scoring.Thresholds.MinScore = 100
		c.Scoring.Thresholds.FastBuy = 100
	}))

	ev := synthesizeCreate()
	o.processCandidate(context.Background(), monitor.CreateSignal{
		Signature:  ev.Signature,
		DetectedAt: ev.ObservedAt,
	}, ev, o.Config())

	assert.Zero(t, o.exec.Stats().Buys, "a rejected candidate must not reach execution")
	assert.Empty(t, o.positions.OpenSnapshots())
}

func TestStaleCandidateDropped(t *testing.T) {
	o := newSim(t)
	ev := synthesizeCreate()
	ev.ObservedAt = time.Now().Add(-time.Minute)

	o.processCandidate(context.Background(), monitor.CreateSignal{
		Signature:  ev.Signature,
		DetectedAt: ev.ObservedAt,
	}, ev, o.Config())

	assert.Zero(t, o.exec.Stats().Buys)
}

func TestHaltIntakeWhenFull(t *testing.T) {
	o := newSim(t)
	require.NoError(t, o.UpdateConfig(func(c *config.Config) {
		c.Execution.MaxOpenPositions = 1
	}))

	_, ok := o.positions.Open(position.OpenParams{
		Mint:          synthesizeCreate().Mint,
		Name:          "FILLER",
		EntryPriceSOL: 1,
		AmountSOL:     0.03,
	})
	require.True(t, ok)

	ev := synthesizeCreate()
	o.admit(context.Background(), monitor.CreateSignal{
		Signature:  ev.Signature,
		DetectedAt: ev.ObservedAt,
	}, ev)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, o.exec.Stats().Buys, "intake must halt at the position cap")
	assert.Zero(t, o.admission.InFlight())
}

func TestSetMode(t *testing.T) {
	o := newSim(t)

	assert.Error(t, o.SetMode("bogus"))
	assert.Error(t, o.SetMode("live"), "live mode without rpc endpoints is invalid")
	assert.True(t, o.simulating())

	require.NoError(t, o.UpdateConfig(func(c *config.Config) {
		c.RPC.Endpoints = []config.RPCEndpointConfig{{URL: "http://localhost:8899", Role: "fast"}}
	}))
	require.NoError(t, o.SetMode("live"))
	assert.False(t, o.simulating())
	assert.Equal(t, "live", o.Config().General.Mode)

	require.NoError(t, o.SetMode("simulation"))
	assert.True(t, o.simulating())
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	o := newSim(t)
	before := o.Config().Execution.MaxInFlightBuys

	err := o.UpdateConfig(func(c *config.Config) {
		c.Execution.MaxInFlightBuys = 0
	})
	require.Error(t, err)
	assert.Equal(t, before, o.Config().Execution.MaxInFlightBuys, "failed update leaves config untouched")
}

func TestPanicClosesEverything(t *testing.T) {
	o := newSim(t)
	for i := 0; i < 3; i++ {
		_, ok := o.positions.Open(position.OpenParams{
			Mint:          synthesizeCreate().Mint,
			Name:          "P",
			EntryPriceSOL: 1,
			AmountSOL:     0.03,
		})
		require.True(t, ok)
	}

	n := o.Panic(context.Background())
	assert.Equal(t, 3, n)
	assert.Empty(t, o.positions.OpenSnapshots())
	for _, s := range o.positions.ClosedSnapshots(10) {
		assert.Equal(t, position.ReasonPanic, s.CloseReason)
	}
}

func TestPanicHaltsIntake(t *testing.T) {
	o := newSim(t)
	o.Panic(context.Background())

	ev := synthesizeCreate()
	o.admit(context.Background(), monitor.CreateSignal{
		Signature:  ev.Signature,
		DetectedAt: ev.ObservedAt,
	}, ev)
	o.wg.Wait()

	assert.Zero(t, o.exec.Stats().Buys, "no candidate may execute behind a panic close")
	assert.Zero(t, o.admission.InFlight())
	assert.Empty(t, o.positions.OpenSnapshots())

	// A fresh Start lifts the halt.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Start(ctx))
	assert.False(t, o.halted.Load())
	cancel()
	o.Stop()
}

func TestStopKeepsWorkerContextAlive(t *testing.T) {
	o := newSim(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	o.Stop()

	// The loops are gone, but an in-flight buy or sell would still be
	// running on a context Stop did not cancel.
	require.NotNil(t, o.work)
	assert.NoError(t, o.work.Err(), "worker context must survive Stop")
}
