package detector

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bundle-alerts/internal/storage"
)

// Candidate is a transfer with its amount scaled to the token's decimal
// representation.
type Candidate struct {
	storage.TransferRecord
	Amount decimal.Decimal
}

// Event is one detected bundle: the largest cluster of transfers whose
// amounts sit within the rule's tolerance of each other. Group is ordered by
// ascending amount.
type Event struct {
	EventID   string
	Rule      storage.AlertRule
	Group     []Candidate
	EmittedAt time.Time
}

// TransferIDs returns the ids of every transfer in the group.
func (e *Event) TransferIDs() []int64 {
	ids := make([]int64, len(e.Group))
	for i, c := range e.Group {
		ids[i] = c.ID
	}
	return ids
}

// Amounts returns the scaled amounts of the group in ascending order.
func (e *Event) Amounts() []decimal.Decimal {
	amounts := make([]decimal.Decimal, len(e.Group))
	for i, c := range e.Group {
		amounts[i] = c.Amount
	}
	return amounts
}

// Spread returns max − min over the group's amounts.
func (e *Event) Spread() decimal.Decimal {
	if len(e.Group) == 0 {
		return decimal.Zero
	}
	return e.Group[len(e.Group)-1].Amount.Sub(e.Group[0].Amount)
}

// AverageAmount returns the mean amount of the group.
func (e *Event) AverageAmount() decimal.Decimal {
	if len(e.Group) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range e.Group {
		sum = sum.Add(c.Amount)
	}
	return sum.Div(decimal.NewFromInt(int64(len(e.Group))))
}

// Counterparties returns the distinct recipient addresses of the group in
// group order, capped at max when max > 0. Truncation here is display-only;
// the full group is still consumed.
func (e *Event) Counterparties(max int) []string {
	seen := make(map[string]struct{}, len(e.Group))
	out := make([]string, 0, len(e.Group))
	for _, c := range e.Group {
		if _, ok := seen[c.Counterparty]; ok {
			continue
		}
		seen[c.Counterparty] = struct{}{}
		out = append(out, c.Counterparty)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// Detector decides whether a rule's candidate transfers contain a qualifying
// bundle. It holds no cross-cycle state; the consumed flag lives in the
// ledger and is flipped by the caller.
type Detector struct {
	logger zerolog.Logger
}

// New constructs a Detector.
func New(logger zerolog.Logger) *Detector {
	return &Detector{logger: logger.With().Str("component", "detector").Logger()}
}

// Evaluate inspects candidates for the largest cluster of transfers whose
// amounts are mutually within rule.AmountTolerance, of size at least
// rule.MinCount. Candidates must already be restricted to the rule's address,
// time window, and consumed = false by the caller; the amount-bound filter is
// applied here. Returns nil when no qualifying cluster exists.
func (d *Detector) Evaluate(rule storage.AlertRule, candidates []storage.TransferRecord, now time.Time) (*Event, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	scaled := make([]Candidate, 0, len(candidates))
	for _, t := range candidates {
		amount, ok := scaleAmount(t)
		if !ok {
			d.logger.Warn().
				Int64("rule_id", rule.ID).
				Int64("transfer_id", t.ID).
				Int64("amount_raw", t.AmountRaw).
				Int32("decimals", t.Decimals).
				Msg("skipping transfer with unusable amount data")
			continue
		}
		if amount.LessThan(rule.MinAmount) {
			continue
		}
		if rule.MaxAmount != nil && amount.GreaterThan(*rule.MaxAmount) {
			continue
		}
		scaled = append(scaled, Candidate{TransferRecord: t, Amount: amount})
	}

	if len(scaled) < rule.MinCount {
		return nil, nil
	}

	sort.Slice(scaled, func(i, j int) bool {
		cmp := scaled[i].Amount.Cmp(scaled[j].Amount)
		if cmp != 0 {
			return cmp < 0
		}
		return scaled[i].ID < scaled[j].ID
	})

	// Two-pointer scan over the amount-sorted slice. The slice is sorted, so
	// any window's max − min equals amount[right] − amount[left], making the
	// spread check exact.
	bestLo, bestHi := 0, 0
	left := 0
	for right := range scaled {
		for scaled[right].Amount.Sub(scaled[left].Amount).GreaterThan(rule.AmountTolerance) {
			left++
		}
		if size := right - left + 1; size >= rule.MinCount && size > bestHi-bestLo {
			bestLo, bestHi = left, right+1
		}
	}

	if bestHi-bestLo < rule.MinCount {
		return nil, nil
	}

	group := append([]Candidate(nil), scaled[bestLo:bestHi]...)
	return &Event{
		EventID:   uuid.NewString(),
		Rule:      rule,
		Group:     group,
		EmittedAt: now,
	}, nil
}

// scaleAmount converts the raw integer amount to a decimal using the token's
// decimals. Records with negative raw amounts or missing/negative decimals
// are data-quality failures and excluded from consideration.
func scaleAmount(t storage.TransferRecord) (decimal.Decimal, bool) {
	if t.AmountRaw < 0 || t.Decimals < 0 {
		return decimal.Decimal{}, false
	}
	return decimal.New(t.AmountRaw, -t.Decimals), true
}
