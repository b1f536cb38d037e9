package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bundle-alerts/internal/detector"
	"bundle-alerts/internal/service"
	"bundle-alerts/internal/solana"
	"bundle-alerts/internal/storage"
)

// SimulateOptions 描述一次模拟告警的参数。
type SimulateOptions struct {
	ChatID    int64
	Address   string
	Amounts   []string
	Tolerance string
	MinCount  int
}

// SimulateAlert 用给定的金额序列走一遍检测与告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	if err := solana.ValidateAddress(opts.Address); err != nil {
		return fmt.Errorf("invalid tracked address: %w", err)
	}

	tolerance, err := decimal.NewFromString(opts.Tolerance)
	if err != nil {
		return fmt.Errorf("invalid tolerance: %w", err)
	}

	now := time.Now().UTC()
	rule := storage.AlertRule{
		ID:              1,
		ChatID:          opts.ChatID,
		TrackedAddress:  opts.Address,
		CustomName:      "simulated",
		WindowMinutes:   10,
		MinCount:        opts.MinCount,
		AmountTolerance: tolerance,
		MinAmount:       decimal.Zero,
		Active:          true,
	}

	transfers := make([]storage.TransferRecord, 0, len(opts.Amounts))
	for i, raw := range opts.Amounts {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", raw, err)
		}
		transfers = append(transfers, storage.TransferRecord{
			ID:             int64(i + 1),
			Signature:      fmt.Sprintf("simulated-%d", i+1),
			TrackedAddress: opts.Address,
			Counterparty:   fmt.Sprintf("simulated-recipient-%d", i+1),
			AmountRaw:      amount.Shift(solana.NativeDecimals).IntPart(),
			Decimals:       solana.NativeDecimals,
			ObservedAt:     now.Add(-time.Minute),
		})
	}

	rules := &staticRuleStore{rules: []storage.AlertRule{rule}}
	ledger := &staticLedger{transfers: transfers}

	svc := service.New(a.Config, nil, detector.New(a.Logger), rules, ledger, nil, notifier, a.Logger)
	if err := svc.EvaluateAll(ctx, now); err != nil {
		return err
	}

	if !ledger.consumed {
		return errors.New("样本金额未构成 bundle，未触发告警")
	}
	return nil
}

type staticRuleStore struct {
	rules []storage.AlertRule
}

func (s *staticRuleStore) ListActiveRules(ctx context.Context) ([]storage.AlertRule, error) {
	return s.rules, nil
}

type staticLedger struct {
	transfers []storage.TransferRecord
	consumed  bool
}

func (s *staticLedger) ListCandidateTransfers(ctx context.Context, address string, since time.Time) ([]storage.TransferRecord, error) {
	out := make([]storage.TransferRecord, 0, len(s.transfers))
	for _, t := range s.transfers {
		if t.TrackedAddress == address && !t.ObservedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *staticLedger) MarkConsumed(ctx context.Context, ids []int64) (int64, error) {
	s.consumed = true
	return int64(len(ids)), nil
}

var _ storage.RuleStore = (*staticRuleStore)(nil)
var _ storage.TransferStore = (*staticLedger)(nil)
