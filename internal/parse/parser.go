// Package parse turns a detected create signature into a ParsedCreateEvent
// by fetching the confirmed transaction and capturing the pump.fun
// instruction's account list verbatim. Failures here are routine — the
// stream outruns confirmation, RPCs hiccup — so anything unparseable is
// dropped quietly with a counter, never an error-level log.
package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/observability"
	"github.com/pulse-trading/pulse/internal/pump"
	"github.com/pulse-trading/pulse/internal/rpcpool"
)

// Status of one parse attempt.
type Status int

const (
	StatusParsed Status = iota
	StatusDropped
)

// Result is the outcome of Parse. A dropped result carries the reason for
// metrics; it is not an error.
type Result struct {
	Status Status
	Reason string
	Event  *pump.ParsedCreateEvent
}

// Parser fetches and extracts create transactions.
type Parser struct {
	pool     *rpcpool.Pool
	metrics  *observability.Pipeline
	attempts int
	sleep    func(time.Duration) // injectable for tests
}

// New builds a parser. attempts is the fetch retry budget per signature.
func New(pool *rpcpool.Pool, metrics *observability.Pipeline, attempts int) *Parser {
	if attempts < 1 {
		attempts = 1
	}
	return &Parser{pool: pool, metrics: metrics, attempts: attempts, sleep: func(d time.Duration) { time.Sleep(d) }}
}

// Parse fetches the transaction and extracts the create event. Each retry
// goes through the pool, which rotates endpoints on endpoint-level
// failures within the same attempt.
func (p *Parser) Parse(ctx context.Context, signature string) Result {
	start := time.Now()
	params := []any{
		signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}

	for attempt := 0; attempt < p.attempts; attempt++ {
		if ctx.Err() != nil {
			return p.drop(signature, "cancelled")
		}

		raw, err := p.pool.Call(ctx, rpcpool.RoleFast, "getTransaction", params)
		if err != nil {
			log.Debug().Err(err).Str("sig", short(signature)).Int("attempt", attempt+1).Msg("parse: getTransaction failed")
			p.sleep(200 * time.Millisecond)
			continue
		}
		if len(raw) == 0 || string(raw) == "null" {
			// Not confirmed yet; back off a little longer each attempt.
			if attempt < p.attempts-1 {
				p.sleep(300*time.Millisecond + time.Duration(attempt)*200*time.Millisecond)
			}
			continue
		}

		event, reason := p.extract(raw, signature)
		if event == nil {
			return p.drop(signature, reason)
		}
		p.metrics.Parsed.Inc()
		p.metrics.ParseLatency.Observe(time.Since(start))
		log.Info().
			Str("sig", short(signature)).
			Str("mint", short(event.Mint.String())).
			Int("attempt", attempt+1).
			Msg("parse: create extracted")
		return Result{Status: StatusParsed, Event: event}
	}
	return p.drop(signature, "not_found")
}

func (p *Parser) drop(signature, reason string) Result {
	p.metrics.ParseDropped.Inc()
	log.Debug().Str("sig", short(signature)).Str("reason", reason).Msg("parse: dropped")
	return Result{Status: StatusDropped, Reason: reason}
}

// txEnvelope mirrors the slice of the getTransaction response we read.
type txEnvelope struct {
	Slot        uint64 `json:"slot"`
	Transaction struct {
		Message struct {
			AccountKeys  []accountKey  `json:"accountKeys"`
			Instructions []instruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
	Meta struct {
		Err               any `json:"err"`
		InnerInstructions []struct {
			Instructions []instruction `json:"instructions"`
		} `json:"innerInstructions"`
		PostTokenBalances []struct {
			Mint  string `json:"mint"`
			Owner string `json:"owner"`
		} `json:"postTokenBalances"`
	} `json:"meta"`
}

type accountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type instruction struct {
	ProgramID string   `json:"programId"`
	Accounts  []string `json:"accounts"`
	Data      string   `json:"data"`
}

// extract pulls the create event out of a decoded transaction. Anything
// panicking in here (malformed responses take odd shapes) is recovered
// into a drop.
func (p *Parser) extract(raw json.RawMessage, signature string) (event *pump.ParsedCreateEvent, reason string) {
	defer func() {
		if r := recover(); r != nil {
			event, reason = nil, fmt.Sprintf("extract_panic: %v", r)
		}
	}()

	var tx txEnvelope
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, "decode_failed"
	}
	if tx.Meta.Err != nil {
		return nil, "tx_failed"
	}

	keys := tx.Transaction.Message.AccountKeys
	if len(keys) == 0 {
		return nil, "no_account_keys"
	}
	flags := make(map[string]accountKey, len(keys))
	for _, k := range keys {
		flags[k.Pubkey] = k
	}

	pumpIx := findPumpInstruction(tx)
	if pumpIx == nil {
		return nil, "no_pump_instruction"
	}
	if len(pumpIx.Accounts) < 5 {
		return nil, "short_account_list"
	}

	// Token program: Token-2022 unless only the legacy program appears.
	tokenProgram := pump.Token2022Program
	_, hasLegacy := flags[pump.LegacyTokenProgram.String()]
	_, hasT22 := flags[pump.Token2022Program.String()]
	if hasLegacy && !hasT22 {
		tokenProgram = pump.LegacyTokenProgram
	}

	// Mint: first post token balance wins, instruction slot 2 as fallback.
	mintStr := ""
	for _, ptb := range tx.Meta.PostTokenBalances {
		if ptb.Mint != "" && ptb.Owner != "" {
			mintStr = ptb.Mint
			break
		}
	}
	if mintStr == "" {
		mintStr = pumpIx.Accounts[2]
	}

	mint, err := solana.PublicKeyFromBase58(mintStr)
	if err != nil {
		return nil, "bad_mint"
	}
	bondingCurve, err := solana.PublicKeyFromBase58(pumpIx.Accounts[3])
	if err != nil {
		return nil, "bad_bonding_curve"
	}
	assocCurve, err := solana.PublicKeyFromBase58(pumpIx.Accounts[4])
	if err != nil {
		return nil, "bad_associated_curve"
	}

	// Creator: first signer that is not the mint itself.
	var creator solana.PublicKey
	for _, k := range keys {
		if k.Signer && k.Pubkey != mintStr {
			if c, err := solana.PublicKeyFromBase58(k.Pubkey); err == nil {
				creator = c
			}
			break
		}
	}

	// Instruction data arrives base58-encoded in jsonParsed responses.
	var payload []byte
	if pumpIx.Data != "" {
		payload, err = base58.Decode(pumpIx.Data)
		if err != nil {
			return nil, "bad_instruction_data"
		}
	}

	metas := make([]pump.AccountMeta, 0, len(pumpIx.Accounts))
	for _, acc := range pumpIx.Accounts {
		pk, err := solana.PublicKeyFromBase58(acc)
		if err != nil {
			return nil, "bad_account_key"
		}
		f := flags[acc]
		metas = append(metas, pump.AccountMeta{Pubkey: pk, IsSigner: f.Signer, IsWritable: f.Writable})
	}

	return &pump.ParsedCreateEvent{
		Signature:              signature,
		Mint:                   mint,
		BondingCurve:           bondingCurve,
		AssociatedBondingCurve: assocCurve,
		Creator:                creator,
		TokenProgram:           tokenProgram,
		Accounts:               metas,
		Payload:                payload,
		Slot:                   tx.Slot,
		ObservedAt:             time.Now(),
	}, ""
}

// findPumpInstruction scans outer instructions first, then inner.
func findPumpInstruction(tx txEnvelope) *instruction {
	program := pump.ProgramID.String()
	for i := range tx.Transaction.Message.Instructions {
		if tx.Transaction.Message.Instructions[i].ProgramID == program {
			return &tx.Transaction.Message.Instructions[i]
		}
	}
	for gi := range tx.Meta.InnerInstructions {
		group := &tx.Meta.InnerInstructions[gi]
		for i := range group.Instructions {
			if group.Instructions[i].ProgramID == program {
				return &group.Instructions[i]
			}
		}
	}
	return nil
}

func short(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
