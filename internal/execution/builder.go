package execution

import (
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/pulse-trading/pulse/internal/pump"
	"github.com/pulse-trading/pulse/internal/wallet"
)

// Compute budget for both buys and sells.
const (
	computeUnitLimit = 200_000
	computeUnitPrice = 500_000
)

// Builder assembles and signs transactions for one wallet. The buy path
// clones the captured create account list verbatim and substitutes exactly
// two slots; it never derives fee, vault, or volume-accumulator addresses.
// The sell path cannot clone (the captured list carries the dev's
// accounts), so it assembles the canonical list and derives the two PDAs
// that depend on the creator and on our own key.
type Builder struct {
	wallet *wallet.Wallet
}

// NewBuilder returns a builder signing with the given wallet.
func NewBuilder(w *wallet.Wallet) *Builder {
	return &Builder{wallet: w}
}

// TipParams describes the optional relay tip transfer appended last.
type TipParams struct {
	Account  solana.PublicKey
	Lamports uint64
}

// BuiltTx is a signed transaction ready for submission.
type BuiltTx struct {
	Base64    string
	BuyerATA  solana.PublicKey
	Blockhash solana.Hash
}

// BuildBuy clones the create instruction's account list, substituting only
// the buyer ATA and signer slots. The event must carry the full 16-entry
// list; anything else means the capture was bad and the buy must not go
// out.
func (b *Builder) BuildBuy(ev *pump.ParsedCreateEvent, buySOL, slippagePct float64, blockhash solana.Hash, tip *TipParams) (*BuiltTx, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	buyer := b.wallet.PublicKey()
	buyerATA, err := pump.AssociatedTokenAddress(buyer, ev.Mint, ev.TokenProgram)
	if err != nil {
		return nil, err
	}

	tokenAmount, maxSol := pump.BuyAmounts(buySOL, slippagePct)
	data := pump.BuyData(tokenAmount, maxSol)
	accounts := cloneBuyAccounts(ev, buyerATA, buyer)

	ixs := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(computeUnitLimit).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(computeUnitPrice).Build(),
		b.createATAIdempotent(buyer, buyerATA, ev.Mint, ev.TokenProgram),
		solana.NewInstruction(pump.ProgramID, accounts, data),
	}
	ixs = appendTip(ixs, buyer, tip)

	return b.signAndEncode(ixs, buyer, buyerATA, blockhash)
}

// SellTicket carries the persisted fields a sell needs. Everything except
// the two derived PDAs was captured at buy time.
type SellTicket struct {
	Mint                   solana.PublicKey
	BondingCurve           solana.PublicKey
	AssociatedBondingCurve solana.PublicKey
	TokenProgram           solana.PublicKey
	Creator                solana.PublicKey
	TokenAmount            uint64
}

// BuildSell assembles the sell instruction. The creator vault comes from
// the creator persisted with the position; the volume accumulator from our
// own key.
func (b *Builder) BuildSell(ticket SellTicket, slippagePct float64, blockhash solana.Hash, tip *TipParams) (*BuiltTx, error) {
	if ticket.Creator.IsZero() {
		return nil, fmt.Errorf("execution: sell needs the persisted creator")
	}
	if ticket.TokenAmount == 0 {
		return nil, fmt.Errorf("execution: sell of zero tokens")
	}

	seller := b.wallet.PublicKey()
	tokenProgram := ticket.TokenProgram
	if tokenProgram.IsZero() {
		tokenProgram = pump.Token2022Program
	}

	sellerATA, err := pump.AssociatedTokenAddress(seller, ticket.Mint, tokenProgram)
	if err != nil {
		return nil, err
	}
	creatorVault, err := pump.CreatorVaultPDA(ticket.Creator)
	if err != nil {
		return nil, err
	}
	volumeAcc, err := pump.UserVolumeAccumulatorPDA(seller)
	if err != nil {
		return nil, err
	}

	minOut := pump.SellMinOut(ticket.TokenAmount, slippagePct)
	data := pump.SellData(ticket.TokenAmount, minOut)
	accounts := sellAccounts(ticket, seller, sellerATA, creatorVault, volumeAcc, tokenProgram)

	ixs := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(computeUnitLimit).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(computeUnitPrice).Build(),
		solana.NewInstruction(pump.ProgramID, accounts, data),
	}
	ixs = appendTip(ixs, seller, tip)

	return b.signAndEncode(ixs, seller, sellerATA, blockhash)
}

// sellAccounts lays out the canonical sell instruction account list.
func sellAccounts(ticket SellTicket, seller, sellerATA, creatorVault, volumeAcc, tokenProgram solana.PublicKey) solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		{PublicKey: pump.Global},
		{PublicKey: pump.FeeRecipient, IsWritable: true},
		{PublicKey: ticket.Mint},
		{PublicKey: ticket.BondingCurve, IsWritable: true},
		{PublicKey: ticket.AssociatedBondingCurve, IsWritable: true},
		{PublicKey: sellerATA, IsWritable: true},
		{PublicKey: seller, IsSigner: true, IsWritable: true},
		{PublicKey: solana.SystemProgramID},
		{PublicKey: tokenProgram},
		{PublicKey: creatorVault, IsWritable: true},
		{PublicKey: pump.EventAuthority},
		{PublicKey: pump.ProgramID},
		{PublicKey: pump.GlobalVolumeAccumulator},
		{PublicKey: volumeAcc, IsWritable: true},
		{PublicKey: pump.FeeConfig},
		{PublicKey: pump.FeeProgram},
	}
}

// cloneBuyAccounts copies the captured account list, substituting only the
// buyer-ATA and signer slots. Flags are carried over untouched.
func cloneBuyAccounts(ev *pump.ParsedCreateEvent, buyerATA, buyer solana.PublicKey) solana.AccountMetaSlice {
	accounts := make(solana.AccountMetaSlice, 0, pump.CreateAccountCount)
	for i, meta := range ev.Accounts {
		pk := meta.Pubkey
		switch i {
		case pump.IdxBuyerATA:
			pk = buyerATA
		case pump.IdxSigner:
			pk = buyer
		}
		accounts = append(accounts, &solana.AccountMeta{
			PublicKey:  pk,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		})
	}
	return accounts
}

// createATAIdempotent builds the associated-token-account create
// instruction with the idempotent discriminator, so an existing account is
// a no-op instead of an error.
func (b *Builder) createATAIdempotent(payer, ata, mint, tokenProgram solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsWritable: true},
		{PublicKey: payer},
		{PublicKey: mint},
		{PublicKey: solana.SystemProgramID},
		{PublicKey: tokenProgram},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1})
}

func appendTip(ixs []solana.Instruction, from solana.PublicKey, tip *TipParams) []solana.Instruction {
	if tip == nil || tip.Lamports == 0 {
		return ixs
	}
	transfer := system.NewTransferInstruction(tip.Lamports, from, tip.Account).Build()
	return append(ixs, transfer)
}

func (b *Builder) signAndEncode(ixs []solana.Instruction, payer, ata solana.PublicKey, blockhash solana.Hash) (*BuiltTx, error) {
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("execution: build transaction: %w", err)
	}
	if _, err := tx.Sign(b.wallet.Signer()); err != nil {
		return nil, fmt.Errorf("execution: sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("execution: serialize transaction: %w", err)
	}
	return &BuiltTx{
		Base64:    base64.StdEncoding.EncodeToString(raw),
		BuyerATA:  ata,
		Blockhash: blockhash,
	}, nil
}
