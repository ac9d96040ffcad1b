package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/pump"
)

// ErrCurveNotReady means the bonding curve did not come up within the
// timeout. ErrWrongOwner means it exists under a program that is neither
// system nor pump.fun, which no amount of waiting will fix.
var (
	ErrCurveNotReady = errors.New("execution: bonding curve not initialized in time")
	ErrWrongOwner    = errors.New("execution: bonding curve owned by unexpected program")
)

// readinessGate polls the bonding curve account until pump.fun owns it.
// Sending a buy before then fails with AccountOwnedByWrongProgram, so the
// first poll fires immediately and the delay ramps from the configured
// minimum toward the maximum with a little jitter to avoid beating one
// endpoint in lockstep.
type readinessGate struct {
	chain  ChainReader
	timing config.TimingConfig
	sleep  func(context.Context, time.Duration) error

	rngMu sync.Mutex // one gate serves every concurrent Wait
	rng   *rand.Rand
}

func newReadinessGate(chain ChainReader, timing config.TimingConfig) *readinessGate {
	return &readinessGate{
		chain:  chain,
		timing: timing,
		sleep:  ctxSleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until the curve is owned by pump.fun, the timeout elapses,
// or an unexpected owner shows up.
func (g *readinessGate) Wait(ctx context.Context, bondingCurve solana.PublicKey) error {
	timeout := time.Duration(g.timing.ReadinessTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	delay := time.Duration(g.timing.ReadinessPollMinMs) * time.Millisecond
	maxDelay := time.Duration(g.timing.ReadinessPollMaxMs) * time.Millisecond
	attempt := 0

	for {
		attempt++
		owner, exists, err := g.chain.AccountOwner(ctx, bondingCurve)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ErrCurveNotReady
			}
			log.Debug().Err(err).Int("attempt", attempt).Msg("readiness: poll failed")
		case !exists:
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("readiness: curve account not found yet")
		case owner.Equals(pump.ProgramID):
			log.Info().
				Int("attempt", attempt).
				Dur("elapsed", time.Since(start)).
				Msg("readiness: curve initialized")
			return nil
		case owner.Equals(solana.SystemProgramID):
			log.Debug().Int("attempt", attempt).Msg("readiness: curve still system-owned")
		default:
			return fmt.Errorf("%w: %s", ErrWrongOwner, owner)
		}

		if err := g.sleep(ctx, g.jitter(delay)); err != nil {
			return ErrCurveNotReady
		}
		if delay += 50 * time.Millisecond; delay > maxDelay {
			delay = maxDelay
		}
	}
}

// jitter spreads the delay ±10%.
func (g *readinessGate) jitter(d time.Duration) time.Duration {
	g.rngMu.Lock()
	f := 0.9 + g.rng.Float64()*0.2
	g.rngMu.Unlock()
	return time.Duration(float64(d) * f)
}
