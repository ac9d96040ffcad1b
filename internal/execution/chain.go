package execution

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/pulse-trading/pulse/internal/rpcpool"
)

// ChainReader is the on-chain state the engine needs. Tests substitute a
// fake; production wires PoolChain.
type ChainReader interface {
	// LatestBlockhash returns a processed-commitment blockhash.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// AccountOwner returns the owner of the account and whether the
	// account exists at confirmed commitment.
	AccountOwner(ctx context.Context, account solana.PublicKey) (owner solana.PublicKey, exists bool, err error)
	// AccountData returns the raw account data at confirmed commitment.
	AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error)
}

// PoolChain adapts the RPC pool to ChainReader.
type PoolChain struct {
	Pool *rpcpool.Pool
}

func (c *PoolChain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	raw, err := c.Pool.Call(ctx, rpcpool.RoleFast, "getLatestBlockhash", []any{
		map[string]any{"commitment": "processed"},
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("execution: blockhash: %w", err)
	}
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return solana.Hash{}, fmt.Errorf("execution: decode blockhash: %w", err)
	}
	hash, err := solana.HashFromBase58(result.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("execution: bad blockhash %q: %w", result.Value.Blockhash, err)
	}
	return hash, nil
}

func (c *PoolChain) AccountOwner(ctx context.Context, account solana.PublicKey) (solana.PublicKey, bool, error) {
	raw, err := c.Pool.Call(ctx, rpcpool.RoleFast, "getAccountInfo", []any{
		account.String(),
		map[string]any{"encoding": "base64", "commitment": "confirmed"},
	})
	if err != nil {
		return solana.PublicKey{}, false, err
	}
	var result struct {
		Value *struct {
			Owner string `json:"owner"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return solana.PublicKey{}, false, fmt.Errorf("execution: decode account info: %w", err)
	}
	if result.Value == nil {
		return solana.PublicKey{}, false, nil
	}
	owner, err := solana.PublicKeyFromBase58(result.Value.Owner)
	if err != nil {
		return solana.PublicKey{}, false, fmt.Errorf("execution: bad owner %q: %w", result.Value.Owner, err)
	}
	return owner, true, nil
}

func (c *PoolChain) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	raw, err := c.Pool.Call(ctx, rpcpool.RoleFast, "getAccountInfo", []any{
		account.String(),
		map[string]any{"encoding": "base64", "commitment": "confirmed"},
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("execution: decode account data: %w", err)
	}
	if result.Value == nil || len(result.Value.Data) == 0 {
		return nil, fmt.Errorf("execution: account %s not found", account)
	}
	return base64.StdEncoding.DecodeString(result.Value.Data[0])
}

// CurveState is the decoded bonding curve account.
// Layout: discriminator(8) + 5*u64(40) + bool(1) + creator(32).
type CurveState struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
	Creator              solana.PublicKey
}

// DecodeCurve parses a raw bonding curve account body.
func DecodeCurve(data []byte) (CurveState, error) {
	if len(data) < 81 {
		return CurveState{}, fmt.Errorf("execution: curve account too short (%d bytes)", len(data))
	}
	return CurveState{
		VirtualTokenReserves: binary.LittleEndian.Uint64(data[8:16]),
		VirtualSolReserves:   binary.LittleEndian.Uint64(data[16:24]),
		RealTokenReserves:    binary.LittleEndian.Uint64(data[24:32]),
		RealSolReserves:      binary.LittleEndian.Uint64(data[32:40]),
		TokenTotalSupply:     binary.LittleEndian.Uint64(data[40:48]),
		Complete:             data[48] != 0,
		Creator:              solana.PublicKeyFromBytes(data[49:81]),
	}, nil
}

// PriceSOL is the spot price in SOL per token implied by the virtual
// reserves. Tokens carry 6 decimals, SOL 9.
func (s CurveState) PriceSOL() float64 {
	if s.VirtualTokenReserves == 0 {
		return 0
	}
	sol := float64(s.VirtualSolReserves) / 1e9
	tokens := float64(s.VirtualTokenReserves) / 1e6
	return sol / tokens
}

// LiquiditySOL is the real SOL sitting in the curve.
func (s CurveState) LiquiditySOL() float64 {
	return float64(s.RealSolReserves) / 1e9
}

// FetchCurve reads and decodes the bonding curve account.
func FetchCurve(ctx context.Context, chain ChainReader, bondingCurve solana.PublicKey) (CurveState, error) {
	data, err := chain.AccountData(ctx, bondingCurve)
	if err != nil {
		return CurveState{}, err
	}
	return DecodeCurve(data)
}

// CurveCreator reads the creator field out of the on-chain bonding curve
// account. Fallback for positions opened before the creator was persisted.
func CurveCreator(ctx context.Context, chain ChainReader, bondingCurve solana.PublicKey) (solana.PublicKey, error) {
	state, err := FetchCurve(ctx, chain, bondingCurve)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return state.Creator, nil
}
