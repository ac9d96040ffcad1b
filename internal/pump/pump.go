// Package pump holds the pump.fun program constants, instruction layouts,
// and the account-list snapshot captured from observed create transactions.
package pump

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// On-chain program addresses.
var (
	ProgramID = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")

	Global         = solana.MustPublicKeyFromBase58("4wTV1YmiEkRvAtNtsSGPtUrqRYQMe5SKy2uB4Jjaxnjf")
	FeeRecipient   = solana.MustPublicKeyFromBase58("62qc2CNXwrYqQScmEdiZFFAnJR262PxWEuNQtxfafNgV")
	EventAuthority = solana.MustPublicKeyFromBase58("Ce6TQqeHC9p8KetsN6JsjHK7UTZk7nasjjnr7XxXp9F1")
	FeeProgram     = solana.MustPublicKeyFromBase58("pfeeUxB6jkeY1Hxd7CsFCAjcbHA9rWtchMGdZ6VojVZ")

	// Token programs a new mint may belong to. Token-2022 is the default for
	// fresh pump.fun launches; the legacy program still appears occasionally.
	LegacyTokenProgram = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022Program   = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// Static PDAs, derived once at startup.
var (
	GlobalVolumeAccumulator = mustPDA([][]byte{[]byte("global_volume_accumulator")}, ProgramID)
	FeeConfig               = mustPDA([][]byte{[]byte("fee_config"), ProgramID.Bytes()}, FeeProgram)
)

func mustPDA(seeds [][]byte, program solana.PublicKey) solana.PublicKey {
	pda, _, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		panic(err)
	}
	return pda
}

// Anchor instruction discriminators, first 8 bytes of the payload.
var (
	BuyDiscriminator  = [8]byte{0x66, 0x06, 0x3d, 0x12, 0x01, 0xda, 0xeb, 0xea}
	SellDiscriminator = [8]byte{0x33, 0xe6, 0x85, 0xa4, 0x01, 0x7f, 0x83, 0xad}
)

// Positions inside the create instruction's 16-entry account list. A cloned
// buy reuses the captured list verbatim and substitutes only these two slots.
const (
	CreateAccountCount = 16
	IdxBuyerATA        = 5
	IdxSigner          = 6
)

// CurveTokensPerLamport is the fixed early-curve exchange rate used to size
// buy amounts: tokens received per lamport spent at the top of a fresh curve.
const CurveTokensPerLamport = 30

// AccountMeta is a plain snapshot of one entry of an instruction account
// list, decoupled from any RPC response structure so it can be persisted
// and replayed.
type AccountMeta struct {
	Pubkey     solana.PublicKey `json:"pubkey"`
	IsSigner   bool             `json:"is_signer"`
	IsWritable bool             `json:"is_writable"`
}

// ParsedCreateEvent is everything extracted from a confirmed create
// transaction that the execution path needs. Accounts is the verbatim
// account list of the create instruction, in on-chain order; Payload is
// the instruction's raw data bytes.
type ParsedCreateEvent struct {
	Signature              string           `json:"signature"`
	Mint                   solana.PublicKey `json:"mint"`
	BondingCurve           solana.PublicKey `json:"bonding_curve"`
	AssociatedBondingCurve solana.PublicKey `json:"associated_bonding_curve"`
	Creator                solana.PublicKey `json:"creator"`
	TokenProgram           solana.PublicKey `json:"token_program"`
	Accounts               []AccountMeta    `json:"accounts"`
	Payload                []byte           `json:"payload"`
	Slot                   uint64           `json:"slot"`
	ObservedAt             time.Time        `json:"observed_at"`
}

// Validate rejects events whose captured account list cannot be cloned.
func (e *ParsedCreateEvent) Validate() error {
	if len(e.Accounts) != CreateAccountCount {
		return fmt.Errorf("pump: create account list has %d entries, want %d", len(e.Accounts), CreateAccountCount)
	}
	if e.Mint.IsZero() || e.BondingCurve.IsZero() {
		return fmt.Errorf("pump: create event missing mint or bonding curve")
	}
	return nil
}

// BuyData encodes the buy instruction payload: discriminator, token amount,
// max lamports in, and a trailing track-volume flag (always off).
func BuyData(tokenAmount, maxSolLamports uint64) []byte {
	data := make([]byte, 0, 25)
	data = append(data, BuyDiscriminator[:]...)
	data = binary.LittleEndian.AppendUint64(data, tokenAmount)
	data = binary.LittleEndian.AppendUint64(data, maxSolLamports)
	data = append(data, 0)
	return data
}

// SellData encodes the sell instruction payload: discriminator, token amount,
// minimum lamports acceptable after slippage, and the track-volume flag.
func SellData(tokenAmount, minSolLamports uint64) []byte {
	data := make([]byte, 0, 25)
	data = append(data, SellDiscriminator[:]...)
	data = binary.LittleEndian.AppendUint64(data, tokenAmount)
	data = binary.LittleEndian.AppendUint64(data, minSolLamports)
	data = append(data, 0)
	return data
}

// BuyAmounts converts a SOL buy size into the token amount and slippage cap
// the buy payload carries. The token amount assumes the fixed early-curve
// rate; the cap allows slippagePct percent above the nominal spend.
func BuyAmounts(buySOL, slippagePct float64) (tokenAmount, maxSolLamports uint64) {
	lamports := uint64(buySOL * 1e9)
	tokenAmount = lamports * CurveTokensPerLamport
	maxSolLamports = uint64(float64(lamports) * (1 + slippagePct/100))
	return tokenAmount, maxSolLamports
}

// SellMinOut computes the minimum lamports acceptable when unwinding
// tokenAmount at the fixed early-curve rate with slippagePct tolerance.
func SellMinOut(tokenAmount uint64, slippagePct float64) uint64 {
	nominal := float64(tokenAmount) / CurveTokensPerLamport
	return uint64(nominal * (1 - slippagePct/100))
}

// CreatorVaultPDA derives the creator-vault account a sell must reference.
func CreatorVaultPDA(creator solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("creator-vault"), creator.Bytes()},
		ProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("pump: derive creator vault: %w", err)
	}
	return pda, nil
}

// UserVolumeAccumulatorPDA derives the per-user volume accumulator a sell
// must reference.
func UserVolumeAccumulatorPDA(user solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("user_volume_accumulator"), user.Bytes()},
		ProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("pump: derive user volume accumulator: %w", err)
	}
	return pda, nil
}

// AssociatedTokenAddress derives the ATA for owner/mint under the given
// token program. The standard helper only covers the legacy program, and
// fresh pump.fun mints are usually Token-2022.
func AssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress(
		[][]byte{owner.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("pump: derive ata: %w", err)
	}
	return pda, nil
}
