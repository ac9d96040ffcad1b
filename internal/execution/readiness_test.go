package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/pump"
)

type ownerStep struct {
	owner  solana.PublicKey
	exists bool
	err    error
}

// scriptedChain replays a fixed sequence of AccountOwner answers, sticking
// on the last one once exhausted.
type scriptedChain struct {
	steps []ownerStep
	calls int
}

func (c *scriptedChain) AccountOwner(ctx context.Context, _ solana.PublicKey) (solana.PublicKey, bool, error) {
	i := c.calls
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	c.calls++
	s := c.steps[i]
	return s.owner, s.exists, s.err
}

func (c *scriptedChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{9}, nil
}

func (c *scriptedChain) AccountData(context.Context, solana.PublicKey) ([]byte, error) {
	return nil, errors.New("not scripted")
}

func testTiming() config.TimingConfig {
	return config.TimingConfig{
		ReadinessPollMinMs: 250,
		ReadinessPollMaxMs: 400,
		ReadinessTimeoutMs: 8000,
	}
}

// fastGate wires a gate whose sleeps complete instantly but still report
// the delay they were asked for.
func fastGate(chain ChainReader, timing config.TimingConfig) (*readinessGate, *[]time.Duration) {
	g := newReadinessGate(chain, timing)
	var delays []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delays = append(delays, d)
		return nil
	}
	return g, &delays
}

func TestWaitSucceedsThroughMissingAndSystemOwned(t *testing.T) {
	chain := &scriptedChain{steps: []ownerStep{
		{exists: false},
		{owner: solana.SystemProgramID, exists: true},
		{owner: pump.ProgramID, exists: true},
	}}
	g, delays := fastGate(chain, testTiming())

	err := g.Wait(context.Background(), solana.PublicKey{1})
	require.NoError(t, err)
	assert.Equal(t, 3, chain.calls)
	assert.Len(t, *delays, 2, "the winning poll must not sleep first")
}

func TestWaitFirstPollImmediate(t *testing.T) {
	chain := &scriptedChain{steps: []ownerStep{
		{owner: pump.ProgramID, exists: true},
	}}
	g, delays := fastGate(chain, testTiming())

	start := time.Now()
	require.NoError(t, g.Wait(context.Background(), solana.PublicKey{1}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, *delays)
}

func TestWaitDelayRampsAndCaps(t *testing.T) {
	steps := make([]ownerStep, 8)
	steps[7] = ownerStep{owner: pump.ProgramID, exists: true}
	g, delays := fastGate(&scriptedChain{steps: steps}, testTiming())

	require.NoError(t, g.Wait(context.Background(), solana.PublicKey{1}))
	require.Len(t, *delays, 7)

	// Jitter spreads each delay +-10% around the ramp 250, 300, 350,
	// then capped at 400.
	want := []time.Duration{250, 300, 350, 400, 400, 400, 400}
	for i, d := range *delays {
		nominal := want[i] * time.Millisecond
		lo := time.Duration(float64(nominal) * 0.89)
		hi := time.Duration(float64(nominal) * 1.11)
		assert.GreaterOrEqual(t, d, lo, "delay %d", i)
		assert.LessOrEqual(t, d, hi, "delay %d", i)
	}
}

func TestWaitWrongOwnerFailsFast(t *testing.T) {
	chain := &scriptedChain{steps: []ownerStep{
		{owner: solana.TokenProgramID, exists: true},
	}}
	g, delays := fastGate(chain, testTiming())

	err := g.Wait(context.Background(), solana.PublicKey{1})
	require.ErrorIs(t, err, ErrWrongOwner)
	assert.Equal(t, 1, chain.calls, "no retry against a foreign owner")
	assert.Empty(t, *delays)
}

func TestWaitTimesOut(t *testing.T) {
	chain := &scriptedChain{steps: []ownerStep{{exists: false}}}
	timing := testTiming()
	timing.ReadinessTimeoutMs = 30
	g := newReadinessGate(chain, timing)

	err := g.Wait(context.Background(), solana.PublicKey{1})
	assert.ErrorIs(t, err, ErrCurveNotReady)
}

// neverReadyChain answers every poll with "account not found".
type neverReadyChain struct{}

func (neverReadyChain) AccountOwner(context.Context, solana.PublicKey) (solana.PublicKey, bool, error) {
	return solana.PublicKey{}, false, nil
}

func (neverReadyChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
}

func (neverReadyChain) AccountData(context.Context, solana.PublicKey) ([]byte, error) {
	return nil, errors.New("not ready")
}

func TestWaitConcurrentCandidatesShareOneGate(t *testing.T) {
	timing := testTiming()
	timing.ReadinessTimeoutMs = 40
	g := newReadinessGate(neverReadyChain{}, timing)

	// The admission ceiling allows several candidates to poll at once, so
	// every Wait hits the shared jitter source concurrently.
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Wait(context.Background(), solana.PublicKey{byte(i + 1)})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, ErrCurveNotReady, "candidate %d", i)
	}
}

func TestWaitPollErrorsKeepPolling(t *testing.T) {
	chain := &scriptedChain{steps: []ownerStep{
		{err: errors.New("rpc hiccup")},
		{owner: pump.ProgramID, exists: true},
	}}
	g, _ := fastGate(chain, testTiming())

	require.NoError(t, g.Wait(context.Background(), solana.PublicKey{1}))
	assert.Equal(t, 2, chain.calls)
}
