package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bundle-alerts/internal/alerting"
	"bundle-alerts/internal/config"
	"bundle-alerts/internal/detector"
	"bundle-alerts/internal/scheduler"
	"bundle-alerts/internal/storage"
)

// Service orchestrates rule evaluation, consumption, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	detector  *detector.Detector
	rules     storage.RuleStore
	transfers storage.TransferStore
	alerts    storage.AlertStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	alertsOn      bool
	locker        storage.AdvisoryLocker
	lockBase      int64
	maxCandidates int
	ruleTimeout   time.Duration
	retention     time.Duration
}

// New constructs the evaluation service.
func New(cfg *config.Config, sched *scheduler.Scheduler, det *detector.Detector, rules storage.RuleStore, transfers storage.TransferStore, alerts storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := transfers.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:     sched,
		detector:      det,
		rules:         rules,
		transfers:     transfers,
		alerts:        alerts,
		notifier:      notifier,
		logger:        logger.With().Str("component", "service").Logger(),
		alertsOn:      cfg.Alerting.Enabled,
		locker:        locker,
		lockBase:      cfg.Scheduler.AdvisoryLockBase,
		maxCandidates: cfg.Detector.MaxCandidates,
		ruleTimeout:   cfg.Detector.RuleTimeout,
		retention:     cfg.Retention.AlertHistory,
	}
}

// Run begins the periodic evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.EvaluateAll)
}

// EvaluateAll runs one evaluation cycle over every active rule. Rules are
// evaluated concurrently; a failure in one rule never aborts the others.
func (s *Service) EvaluateAll(ctx context.Context, now time.Time) error {
	rules, err := s.rules.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}
	if len(rules) == 0 {
		s.logger.Debug().Msg("no active alert rules")
	}

	var wg sync.WaitGroup
	for _, rule := range rules {
		wg.Add(1)
		go func(rule storage.AlertRule) {
			defer wg.Done()
			if err := s.evaluateRule(ctx, rule, now); err != nil {
				s.logger.Error().Err(err).
					Int64("rule_id", rule.ID).
					Str("address", rule.TrackedAddress).
					Msg("rule evaluation failed")
			}
		}(rule)
	}
	wg.Wait()

	s.sweepAuditTrail(ctx, now)
	return nil
}

// evaluateRule runs the read-evaluate-consume-notify cycle for one rule under
// a per-rule advisory lock. The conditional consume makes the cycle safe even
// when the lock is unavailable.
func (s *Service) evaluateRule(ctx context.Context, rule storage.AlertRule, now time.Time) error {
	if s.ruleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ruleTimeout)
		defer cancel()
	}

	unlock, proceed, err := s.acquireRuleLock(ctx, rule.ID)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Int64("rule_id", rule.ID).Msg("skip rule because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	since := now.Add(-rule.Window())
	candidates, err := s.transfers.ListCandidateTransfers(ctx, rule.TrackedAddress, since)
	if err != nil {
		return fmt.Errorf("fetch candidate transfers: %w", err)
	}
	if s.maxCandidates > 0 && len(candidates) > s.maxCandidates {
		s.logger.Warn().Int64("rule_id", rule.ID).
			Int("candidates", len(candidates)).
			Int("cap", s.maxCandidates).
			Msg("candidate set truncated to most recent transfers")
		candidates = candidates[len(candidates)-s.maxCandidates:]
	}

	event, err := s.detector.Evaluate(rule, candidates, now)
	if err != nil {
		return fmt.Errorf("evaluate rule: %w", err)
	}
	if event == nil {
		return nil
	}

	ids := event.TransferIDs()
	affected, err := s.transfers.MarkConsumed(ctx, ids)
	if err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}
	if affected != int64(len(ids)) {
		// another evaluator already claimed part of the group; do not re-emit
		s.logger.Warn().Int64("rule_id", rule.ID).
			Int("expected", len(ids)).
			Int64("affected", affected).
			Msg("lost consume race, alert suppressed")
		return nil
	}

	s.recordAlert(ctx, event, ids)

	if s.alertsOn && s.notifier != nil {
		note := buildNotification(event)
		if err := s.notifier.Notify(ctx, note); err != nil {
			// consumption is already committed; at-most-once delivery
			s.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to dispatch alert")
		}
	}

	s.logger.Info().Int64("rule_id", rule.ID).
		Str("address", rule.TrackedAddress).
		Int("group_size", len(event.Group)).
		Str("spread", event.Spread().String()).
		Msg("bundle alert emitted")
	return nil
}

func (s *Service) recordAlert(ctx context.Context, event *detector.Event, ids []int64) {
	if s.alerts == nil {
		return
	}
	record := storage.AlertRecord{
		EventID:        event.EventID,
		RuleID:         event.Rule.ID,
		TrackedAddress: event.Rule.TrackedAddress,
		GroupSize:      len(event.Group),
		AmountSpread:   event.Spread(),
		TransferIDs:    ids,
		EmittedAt:      event.EmittedAt,
	}
	if _, err := s.alerts.InsertAlert(ctx, record); err != nil {
		s.logger.Error().Err(err).Int64("rule_id", event.Rule.ID).Msg("failed to persist alert record")
	}
}

func (s *Service) sweepAuditTrail(ctx context.Context, now time.Time) {
	if s.alerts == nil || s.retention <= 0 {
		return
	}
	if err := s.alerts.DeleteAlertsBefore(ctx, now.Add(-s.retention)); err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep alert audit trail")
	}
}

func (s *Service) acquireRuleLock(ctx context.Context, ruleID int64) (func(), bool, error) {
	if s.lockBase == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockBase^ruleID)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func buildNotification(event *detector.Event) alerting.Notification {
	return alerting.Notification{
		ChatID:         event.Rule.ChatID,
		RuleName:       event.Rule.CustomName,
		TrackedAddress: event.Rule.TrackedAddress,
		WindowMinutes:  event.Rule.WindowMinutes,
		GroupSize:      len(event.Group),
		Amounts:        event.Amounts(),
		AverageAmount:  event.AverageAmount(),
		Spread:         event.Spread(),
		Recipients:     event.Counterparties(0),
		EmittedAt:      event.EmittedAt,
	}
}
