package detector

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bundle-alerts/internal/storage"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testRule(minCount int, tolerance string) storage.AlertRule {
	return storage.AlertRule{
		ID:              1,
		ChatID:          100,
		TrackedAddress:  "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		WindowMinutes:   10,
		MinCount:        minCount,
		AmountTolerance: dec(tolerance),
		MinAmount:       decimal.Zero,
		Active:          true,
	}
}

// transfer builds a SOL transfer (9 decimals) with the given decimal amount.
func transfer(id int64, amount string) storage.TransferRecord {
	raw := dec(amount).Shift(9)
	return storage.TransferRecord{
		ID:             id,
		Signature:      fmt.Sprintf("sig-%d", id),
		TrackedAddress: "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		Counterparty:   fmt.Sprintf("recipient-%d", id),
		AmountRaw:      raw.IntPart(),
		Decimals:       9,
		ObservedAt:     time.Now().UTC(),
	}
}

func TestEvaluateSelectsTightCluster(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(3, "0.05")
	candidates := []storage.TransferRecord{
		transfer(1, "1.00"),
		transfer(2, "1.02"),
		transfer(3, "1.04"),
		transfer(4, "5.00"),
	}

	event, err := d.Evaluate(rule, candidates, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if event == nil {
		t.Fatal("expected an event for the 1.00/1.02/1.04 cluster")
	}
	if got := len(event.Group); got != 3 {
		t.Fatalf("expected group of 3, got %d", got)
	}
	for _, c := range event.Group {
		if c.ID == 4 {
			t.Fatal("5.00 transfer must not join the cluster")
		}
	}
	if !event.Spread().Equal(dec("0.04")) {
		t.Fatalf("expected spread 0.04, got %s", event.Spread())
	}
}

func TestEvaluateNoClusterWithinTolerance(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(3, "0.05")
	candidates := []storage.TransferRecord{
		transfer(1, "1.00"),
		transfer(2, "1.10"),
		transfer(3, "1.20"),
	}

	event, err := d.Evaluate(rule, candidates, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if event != nil {
		t.Fatalf("no amounts are within tolerance of each other, got group of %d", len(event.Group))
	}
}

func TestEvaluateAppliesMinAmountBound(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(3, "0.05")
	rule.MinAmount = dec("2.0")
	candidates := []storage.TransferRecord{
		transfer(1, "1.00"),
		transfer(2, "1.02"),
		transfer(3, "2.00"),
		transfer(4, "2.01"),
		transfer(5, "2.02"),
	}

	event, err := d.Evaluate(rule, candidates, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if event == nil {
		t.Fatal("expected an event on the 2.00/2.01/2.02 group")
	}
	for _, c := range event.Group {
		if c.Amount.LessThan(rule.MinAmount) {
			t.Fatalf("transfer %d below min amount appeared in group", c.ID)
		}
	}
	if got := len(event.Group); got != 3 {
		t.Fatalf("expected group of 3, got %d", got)
	}
}

func TestEvaluateBelowMinCountReturnsNothing(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(3, "0.05")
	candidates := []storage.TransferRecord{
		transfer(5, "5.00"),
	}

	event, err := d.Evaluate(rule, candidates, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if event != nil {
		t.Fatal("a single leftover transfer must not re-alert")
	}
}

func TestEvaluateNoImplicitUpperBound(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(2, "0.05")
	candidates := []storage.TransferRecord{
		transfer(1, "1000000000"),
		transfer(2, "1000000000.01"),
	}

	event, err := d.Evaluate(rule, candidates, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if event == nil || len(event.Group) != 2 {
		t.Fatal("unset max amount must not exclude very large transfers")
	}
}

func TestEvaluateAppliesMaxAmountBound(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(2, "10")
	maxAmount := dec("1.5")
	rule.MaxAmount = &maxAmount
	candidates := []storage.TransferRecord{
		transfer(1, "1.00"),
		transfer(2, "1.01"),
		transfer(3, "2.00"),
	}

	event, err := d.Evaluate(rule, candidates, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if event == nil {
		t.Fatal("expected an event")
	}
	for _, c := range event.Group {
		if c.Amount.GreaterThan(maxAmount) {
			t.Fatalf("transfer %d above max amount appeared in group", c.ID)
		}
	}
}

func TestEvaluateSkipsUnusableRecords(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(2, "0.05")

	bad := transfer(3, "1.01")
	bad.Decimals = -1
	negative := transfer(4, "1.02")
	negative.AmountRaw = -5

	candidates := []storage.TransferRecord{
		transfer(1, "1.00"),
		transfer(2, "1.01"),
		bad,
		negative,
	}

	event, err := d.Evaluate(rule, candidates, time.Now().UTC())
	if err != nil {
		t.Fatalf("bad records must not fail the whole evaluation: %v", err)
	}
	if event == nil {
		t.Fatal("expected an event from the two valid transfers")
	}
	if got := len(event.Group); got != 2 {
		t.Fatalf("expected group of 2, got %d", got)
	}
	for _, c := range event.Group {
		if c.ID == 3 || c.ID == 4 {
			t.Fatalf("unusable transfer %d appeared in group", c.ID)
		}
	}
}

func TestEvaluateRejectsInvalidRule(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(0, "0.05")

	if _, err := d.Evaluate(rule, nil, time.Now().UTC()); err == nil {
		t.Fatal("min count of zero must be rejected")
	}

	rule = testRule(3, "0")
	if _, err := d.Evaluate(rule, nil, time.Now().UTC()); err == nil {
		t.Fatal("zero tolerance must be rejected")
	}
}

func TestEvaluateDeterministicTieBreak(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(2, "0.001")

	// Equal amounts: the group must come out in id order regardless of input
	// order.
	forward := []storage.TransferRecord{transfer(1, "1.00"), transfer(2, "1.00"), transfer(3, "1.00")}
	backward := []storage.TransferRecord{transfer(3, "1.00"), transfer(2, "1.00"), transfer(1, "1.00")}

	a, err := d.Evaluate(rule, forward, time.Now().UTC())
	if err != nil || a == nil {
		t.Fatalf("evaluate forward: %v", err)
	}
	b, err := d.Evaluate(rule, backward, time.Now().UTC())
	if err != nil || b == nil {
		t.Fatalf("evaluate backward: %v", err)
	}

	if len(a.Group) != len(b.Group) {
		t.Fatalf("group sizes differ: %d vs %d", len(a.Group), len(b.Group))
	}
	for i := range a.Group {
		if a.Group[i].ID != b.Group[i].ID {
			t.Fatalf("group order differs at %d: %d vs %d", i, a.Group[i].ID, b.Group[i].ID)
		}
	}
}

// TestLargestWindowMatchesBruteForce cross-checks the two-pointer scan against
// an exhaustive search over all contiguous windows of the sorted amounts.
func TestLargestWindowMatchesBruteForce(t *testing.T) {
	d := New(noopLogger())
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(40)
		minCount := 1 + rng.Intn(5)
		tolerance := decimal.New(int64(1+rng.Intn(500)), -3)

		rule := testRule(minCount, tolerance.String())

		candidates := make([]storage.TransferRecord, n)
		for i := range candidates {
			amount := decimal.New(int64(rng.Intn(2000)), -3)
			candidates[i] = transfer(int64(i+1), amount.String())
		}

		event, err := d.Evaluate(rule, candidates, time.Now().UTC())
		if err != nil {
			t.Fatalf("iter %d: evaluate failed: %v", iter, err)
		}

		best := bruteForceBest(candidates, tolerance, minCount)

		if best == 0 {
			if event != nil {
				t.Fatalf("iter %d: brute force found nothing, detector found group of %d", iter, len(event.Group))
			}
			continue
		}
		if event == nil {
			t.Fatalf("iter %d: brute force found group of %d, detector found nothing", iter, best)
		}
		if len(event.Group) != best {
			t.Fatalf("iter %d: detector group %d != brute force %d", iter, len(event.Group), best)
		}
		if event.Spread().GreaterThan(tolerance) {
			t.Fatalf("iter %d: emitted group spread %s exceeds tolerance %s", iter, event.Spread(), tolerance)
		}
	}
}

// bruteForceBest returns the size of the largest contiguous window (in sorted
// amount order) whose spread is within tolerance and whose size reaches
// minCount, or 0 when none exists.
func bruteForceBest(candidates []storage.TransferRecord, tolerance decimal.Decimal, minCount int) int {
	amounts := make([]decimal.Decimal, len(candidates))
	for i, c := range candidates {
		amounts[i] = decimal.New(c.AmountRaw, -c.Decimals)
	}
	for i := 0; i < len(amounts); i++ {
		for j := i + 1; j < len(amounts); j++ {
			if amounts[j].LessThan(amounts[i]) {
				amounts[i], amounts[j] = amounts[j], amounts[i]
			}
		}
	}

	best := 0
	for lo := 0; lo < len(amounts); lo++ {
		for hi := lo; hi < len(amounts); hi++ {
			if amounts[hi].Sub(amounts[lo]).GreaterThan(tolerance) {
				break
			}
			if size := hi - lo + 1; size >= minCount && size > best {
				best = size
			}
		}
	}
	return best
}

func TestCounterpartiesDedupAndCap(t *testing.T) {
	d := New(noopLogger())
	rule := testRule(3, "0.10")

	a := transfer(1, "1.00")
	b := transfer(2, "1.01")
	c := transfer(3, "1.02")
	b.Counterparty = a.Counterparty

	event, err := d.Evaluate(rule, []storage.TransferRecord{a, b, c}, time.Now().UTC())
	if err != nil || event == nil {
		t.Fatalf("evaluate: %v", err)
	}

	all := event.Counterparties(0)
	if len(all) != 2 {
		t.Fatalf("expected 2 distinct recipients, got %d", len(all))
	}
	capped := event.Counterparties(1)
	if len(capped) != 1 {
		t.Fatalf("expected display cap of 1, got %d", len(capped))
	}
}
