package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// LamportsPerSOL is the smallest-unit scale of native SOL (decimals = 9).
const LamportsPerSOL = 1_000_000_000

// NativeDecimals is the decimal count of native SOL amounts.
const NativeDecimals = 9

// pubkey length in bytes
const pubkeyLen = 32

// ValidateAddress checks that s is a well-formed base58 Solana public key.
func ValidateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("address is empty")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("address is not valid base58: %w", err)
	}
	if len(raw) != pubkeyLen {
		return fmt.Errorf("address decodes to %d bytes, want %d", len(raw), pubkeyLen)
	}
	return nil
}
