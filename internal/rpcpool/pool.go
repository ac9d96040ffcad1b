// Package rpcpool manages the upstream Solana RPC endpoints. Endpoints are
// grouped by role (fast for the hot path, cold for fallback, relay for
// transaction submission), carry a health score, and are benched for a
// cooldown window after rate limits or auth failures.
package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/config"
)

// Role partitions the pool.
type Role string

const (
	RoleFast  Role = "fast"
	RoleCold  Role = "cold"
	RoleRelay Role = "relay"
)

// Cooldown windows.
const (
	rateLimitCooldown = 4 * time.Second
	authCooldown      = 5 * time.Minute
)

// JSON-RPC error codes we act on.
const (
	codeAuthFailure = -32401
)

// Endpoint is one upstream RPC. All mutable state is guarded by the pool
// mutex; endpoints are never accessed outside the pool.
type Endpoint struct {
	URL   string
	WSURL string
	Role  Role

	healthScore   float64
	recent429s    int
	cooldownUntil time.Time
	lastFailure   time.Time
	lastLatencyMs float64
}

// RPCError is a JSON-RPC level error returned by an endpoint that answered
// the HTTP request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Pool owns the endpoint set. The clock is injectable for tests.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	client    *http.Client
	now       func() time.Time
}

// New builds a pool from configuration. Endpoints keep config order within
// their role; selection is by health score.
func New(cfg config.RPCConfig) *Pool {
	p := &Pool{
		client: &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Millisecond},
		now:    time.Now,
	}
	for _, ec := range cfg.Endpoints {
		p.endpoints = append(p.endpoints, &Endpoint{
			URL:         ec.URL,
			WSURL:       ec.WSURL,
			Role:        Role(ec.Role),
			healthScore: 100,
		})
	}
	return p
}

// SetClock replaces the pool clock. Test hook.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Acquire returns the healthiest available endpoint for the role, falling
// back to the cold pool when the fast pool is fully benched. When every
// endpoint is cooling down it returns the one whose last failure is oldest
// rather than nothing: a degraded answer beats no answer.
func (p *Pool) Acquire(role Role) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(role)
}

func (p *Pool) acquireLocked(role Role) *Endpoint {
	if ep := p.bestAvailableLocked(role); ep != nil {
		return ep
	}
	if role == RoleFast {
		if ep := p.bestAvailableLocked(RoleCold); ep != nil {
			return ep
		}
	}
	// Everything is cooling down: pick the least-recently-failed endpoint.
	var fallback *Endpoint
	for _, ep := range p.endpoints {
		if role != "" && ep.Role != role && !(role == RoleFast && ep.Role == RoleCold) {
			continue
		}
		if fallback == nil || ep.lastFailure.Before(fallback.lastFailure) {
			fallback = ep
		}
	}
	return fallback
}

func (p *Pool) bestAvailableLocked(role Role) *Endpoint {
	now := p.now()
	var best *Endpoint
	for _, ep := range p.endpoints {
		if ep.Role != role || now.Before(ep.cooldownUntil) {
			continue
		}
		if best == nil || ep.healthScore > best.healthScore {
			best = ep
		}
	}
	return best
}

// Available returns all endpoints of the role currently out of cooldown,
// healthiest first. Used by callers that rotate across endpoints.
func (p *Pool) Available(role Role) []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []*Endpoint
	for _, ep := range p.endpoints {
		if now.Before(ep.cooldownUntil) {
			continue
		}
		if ep.Role == role || (role == RoleFast && ep.Role == RoleCold) {
			out = append(out, ep)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].healthScore > out[j].healthScore })
	return out
}

// StreamURLs returns the websocket URLs of every endpoint that has one.
func (p *Pool) StreamURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var urls []string
	for _, ep := range p.endpoints {
		if ep.WSURL != "" {
			urls = append(urls, ep.WSURL)
		}
	}
	return urls
}

// MarkRateLimited benches the endpoint for the 429 cooldown and docks its
// health score.
func (p *Pool) MarkRateLimited(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.recent429s++
	ep.cooldownUntil = p.now().Add(rateLimitCooldown)
	ep.lastFailure = p.now()
	if ep.healthScore -= 20; ep.healthScore < 0 {
		ep.healthScore = 0
	}
	log.Warn().Str("url", ep.URL).Float64("health", ep.healthScore).Msg("rpc rate limited, benching")
}

// MarkAuthFailure zeroes the endpoint's health and benches it for the long
// auth cooldown. A bad key does not fix itself in seconds.
func (p *Pool) MarkAuthFailure(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.healthScore = 0
	ep.cooldownUntil = p.now().Add(authCooldown)
	ep.lastFailure = p.now()
	log.Warn().Str("url", ep.URL).Dur("cooldown", authCooldown).Msg("rpc auth failure, benching")
}

// markFailure records a transport-level failure without a fixed cooldown.
func (p *Pool) markFailure(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.lastFailure = p.now()
	if ep.healthScore -= 5; ep.healthScore < 0 {
		ep.healthScore = 0
	}
}

// ReportLatency refreshes the endpoint's health from an observed
// round-trip latency.
func (p *Pool) ReportLatency(ep *Endpoint, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ms := float64(d.Milliseconds())
	ep.lastLatencyMs = ms
	score := 100 - ms/10 - float64(ep.recent429s)*10
	if score < 0 {
		score = 0
	}
	ep.healthScore = score
}

// Call performs one JSON-RPC request against the healthiest endpoint of
// the role, rotating to the next endpoint on transport or auth failures.
// JSON-RPC level errors other than auth are returned to the caller: they
// describe the request, not the endpoint.
func (p *Pool) Call(ctx context.Context, role Role, method string, params []any) (json.RawMessage, error) {
	eps := p.Available(role)
	if len(eps) == 0 {
		if ep := p.Acquire(role); ep != nil {
			eps = []*Endpoint{ep}
		}
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("rpcpool: no endpoint for role %s", role)
	}
	if len(eps) > 3 {
		eps = eps[:3]
	}

	var lastErr error
	for _, ep := range eps {
		result, err := p.callEndpoint(ctx, ep, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var rpcErr *RPCError
		switch {
		case asRPCError(err, &rpcErr) && rpcErr.Code == codeAuthFailure:
			p.MarkAuthFailure(ep)
		case asRPCError(err, &rpcErr):
			// Request-level error; the endpoint itself is fine.
			return nil, err
		default:
			p.markFailure(ep)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("rpcpool: %s failed on all endpoints: %w", method, lastErr)
}

func asRPCError(err error, target **RPCError) bool {
	re, ok := err.(*RPCError)
	if ok {
		*target = re
	}
	return ok
}

func (p *Pool) callEndpoint(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("rpcpool: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpcpool: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpcpool: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		p.MarkRateLimited(ep)
		return nil, fmt.Errorf("rpcpool: %s: http 429", method)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &RPCError{Code: codeAuthFailure, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("rpcpool: read response: %w", err)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("rpcpool: decode response: %w", err)
	}
	if rr.Error != nil {
		return nil, rr.Error
	}

	p.ReportLatency(ep, time.Since(start))
	return rr.Result, nil
}

// EndpointHealth is one row of the pool health snapshot.
type EndpointHealth struct {
	URL           string  `json:"url"`
	Role          string  `json:"role"`
	HealthScore   float64 `json:"health_score"`
	Recent429s    int     `json:"recent_429s"`
	InCooldown    bool    `json:"in_cooldown"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Health reports every endpoint's current state.
func (p *Pool) Health() []EndpointHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, EndpointHealth{
			URL:           ep.URL,
			Role:          string(ep.Role),
			HealthScore:   ep.healthScore,
			Recent429s:    ep.recent429s,
			InCooldown:    now.Before(ep.cooldownUntil),
			LastLatencyMs: ep.lastLatencyMs,
		})
	}
	return out
}
