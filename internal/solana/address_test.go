package solana

import "testing"

func TestValidateAddress(t *testing.T) {
	// system program address, 32 bytes of zeros
	if err := ValidateAddress("11111111111111111111111111111111"); err != nil {
		t.Fatalf("system program address should validate: %v", err)
	}
	if err := ValidateAddress("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"); err != nil {
		t.Fatalf("wallet address should validate: %v", err)
	}

	for _, bad := range []string{"", "not-base58-0OIl", "abc", "9WzDXwBbmkg8"} {
		if err := ValidateAddress(bad); err == nil {
			t.Fatalf("%q should not validate", bad)
		}
	}
}
