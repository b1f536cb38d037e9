package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AlertRule is a user-defined bundle detection rule for one tracked wallet.
// Rules are created and edited through the bot dialog; the detector only ever
// reads them.
type AlertRule struct {
	ID              int64
	UserID          int64
	ChatID          int64
	TrackedAddress  string
	CustomName      string
	WindowMinutes   int
	MinCount        int
	AmountTolerance decimal.Decimal
	MinAmount       decimal.Decimal
	MaxAmount       *decimal.Decimal
	Active          bool
	CreatedAt       time.Time
}

// Validate checks the rule against its structural invariants.
func (r AlertRule) Validate() error {
	if r.TrackedAddress == "" {
		return fmt.Errorf("rule %d: tracked address is empty", r.ID)
	}
	if r.WindowMinutes < 1 {
		return fmt.Errorf("rule %d: window must be at least one minute", r.ID)
	}
	if r.MinCount < 1 {
		return fmt.Errorf("rule %d: min count must be at least one", r.ID)
	}
	if !r.AmountTolerance.IsPositive() {
		return fmt.Errorf("rule %d: amount tolerance must be positive", r.ID)
	}
	if r.MinAmount.IsNegative() {
		return fmt.Errorf("rule %d: min amount cannot be negative", r.ID)
	}
	if r.MaxAmount != nil && r.MaxAmount.LessThan(r.MinAmount) {
		return fmt.Errorf("rule %d: max amount below min amount", r.ID)
	}
	return nil
}

// Window returns the rule's look-back duration.
func (r AlertRule) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// TransferRecord is one observed outbound transfer from a tracked wallet.
// Records are immutable except for Consumed, which flips false→true exactly
// once when the transfer contributes to an emitted alert.
type TransferRecord struct {
	ID             int64
	Signature      string
	TrackedAddress string
	Counterparty   string
	AmountRaw      int64
	Decimals       int32
	ObservedAt     time.Time
	Consumed       bool
}

// AlertRecord captures an emitted bundle alert for de-duplication/auditing.
type AlertRecord struct {
	ID             int64
	EventID        string
	RuleID         int64
	TrackedAddress string
	GroupSize      int
	AmountSpread   decimal.Decimal
	TransferIDs    []int64
	EmittedAt      time.Time
	CreatedAt      time.Time
}
