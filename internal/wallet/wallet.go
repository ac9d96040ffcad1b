// Package wallet loads the signing keypair and hands out a signer the
// transaction builders can use without ever seeing the secret bytes.
package wallet

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/config"
)

// Wallet wraps the loaded keypair.
type Wallet struct {
	key solana.PrivateKey
}

// Load resolves the keypair from configuration: an inline base58 secret
// wins, otherwise the JSON byte-array key file is read. A 32-byte value is
// treated as a seed, a 64-byte value as the full secret key.
func Load(cfg config.WalletConfig) (*Wallet, error) {
	switch {
	case cfg.PrivateKey != "":
		raw, err := base58.Decode(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet: decode private key: %w", err)
		}
		return fromBytes(raw)
	case cfg.KeyFile != "":
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("wallet: read key file: %w", err)
		}
		// Keygen files hold a JSON array of numbers, not base64.
		var nums []int
		if err := json.Unmarshal(data, &nums); err != nil {
			return nil, fmt.Errorf("wallet: parse key file: %w", err)
		}
		raw := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("wallet: key file byte %d out of range", i)
			}
			raw[i] = byte(n)
		}
		return fromBytes(raw)
	default:
		return nil, fmt.Errorf("wallet: no private_key or key_file configured")
	}
}

func fromBytes(raw []byte) (*Wallet, error) {
	var key solana.PrivateKey
	switch len(raw) {
	case 64:
		key = solana.PrivateKey(raw)
	case 32:
		key = solana.PrivateKey(ed25519.NewKeyFromSeed(raw))
	default:
		return nil, fmt.Errorf("wallet: key must be 32 or 64 bytes, got %d", len(raw))
	}

	w := &Wallet{key: key}
	log.Info().Str("pubkey", w.PublicKey().String()).Msg("wallet loaded")
	return w, nil
}

// Ephemeral generates a throwaway keypair. Simulation mode uses this so
// the rest of the pipeline runs unchanged without a funded key.
func Ephemeral() (*Wallet, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate: %w", err)
	}
	return &Wallet{key: key}, nil
}

// PublicKey returns the wallet's public key.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

// Signer returns the callback shape the transaction signer expects: the
// private key for our own public key, nil for anything else.
func (w *Wallet) Signer() func(key solana.PublicKey) *solana.PrivateKey {
	return func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.key.PublicKey()) {
			k := w.key
			return &k
		}
		return nil
	}
}
