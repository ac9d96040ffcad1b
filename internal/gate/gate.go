// Package gate implements the in-flight buy admission gate. It bounds how
// many buy pipelines may run concurrently; anything over the ceiling is
// dropped on the floor rather than queued, because a queued candidate is
// stale by the time a slot frees up.
package gate

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Gate admits at most ceiling concurrent holders. The zero value is not
// usable; construct with New.
type Gate struct {
	ceiling  int64
	inFlight atomic.Int64
	admitted atomic.Int64
	dropped  atomic.Int64
}

// New returns a gate with the given concurrency ceiling (minimum 1).
func New(ceiling int) *Gate {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Gate{ceiling: int64(ceiling)}
}

// TryAdmit claims a slot if one is free. It never blocks: a false return
// means the candidate is gone for good, counted under Dropped.
func (g *Gate) TryAdmit() bool {
	for {
		cur := g.inFlight.Load()
		if cur >= g.ceiling {
			g.dropped.Add(1)
			log.Debug().Int64("in_flight", cur).Int64("ceiling", g.ceiling).Msg("gate: candidate dropped")
			return false
		}
		if g.inFlight.CompareAndSwap(cur, cur+1) {
			g.admitted.Add(1)
			return true
		}
	}
}

// Release frees a slot. Releasing below zero clamps to zero; the slot
// count must never go negative even on a double release bug upstream.
func (g *Gate) Release() {
	for {
		cur := g.inFlight.Load()
		if cur <= 0 {
			log.Warn().Msg("gate: release without matching admit")
			return
		}
		if g.inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// InFlight returns the current number of held slots.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Stats is a point-in-time snapshot of gate activity.
type Stats struct {
	Ceiling  int64 `json:"ceiling"`
	InFlight int64 `json:"in_flight"`
	Admitted int64 `json:"admitted"`
	Dropped  int64 `json:"dropped"`
}

func (g *Gate) Stats() Stats {
	return Stats{
		Ceiling:  g.ceiling,
		InFlight: g.inFlight.Load(),
		Admitted: g.admitted.Load(),
		Dropped:  g.dropped.Load(),
	}
}
