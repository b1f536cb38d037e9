package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listActiveRulesSQL = `SELECT
        id,
        user_id,
        chat_id,
        address_to_track,
        custom_name,
        time_gap_min,
        min_cnt,
        amount_step,
        min_transfer_amount,
        max_transfer_amount,
        is_active,
        created_at
    FROM address_alerts
    WHERE is_active = TRUE
    ORDER BY id;`

	listCandidateTransfersSQL = `SELECT
        id,
        signature,
        tracked_address,
        recipient,
        amount,
        decimals,
        block_time,
        sent
    FROM tracked_transactions
    WHERE tracked_address = $1
      AND flow = 'out'
      AND sent = FALSE
      AND block_time >= $2
    ORDER BY block_time, id;`

	markConsumedSQL = `UPDATE tracked_transactions
    SET sent = TRUE
    WHERE id = ANY($1)
      AND sent = FALSE;`

	insertAlertSQL = `INSERT INTO bundle_alerts (
        event_id,
        rule_id,
        tracked_address,
        group_size,
        amount_spread,
        transfer_ids,
        emitted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (event_id) DO NOTHING
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        event_id,
        rule_id,
        tracked_address,
        group_size,
        amount_spread,
        transfer_ids,
        emitted_at,
        created_at
    FROM bundle_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT
        id,
        event_id,
        rule_id,
        tracked_address,
        group_size,
        amount_spread,
        transfer_ids,
        emitted_at,
        created_at
    FROM bundle_alerts
    WHERE emitted_at >= $1
      AND emitted_at < $2
    ORDER BY emitted_at;`

	deleteAlertsBeforeSQL = `DELETE FROM bundle_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RuleStore exposes read access to alert rules.
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]AlertRule, error)
}

// TransferStore exposes the transfer ledger: candidate reads plus the
// conditional consume update.
type TransferStore interface {
	ListCandidateTransfers(ctx context.Context, address string, since time.Time) ([]TransferRecord, error)
	MarkConsumed(ctx context.Context, ids []int64) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rules, the transfer ledger, and alert auditing.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListActiveRules returns all rules with is_active = true.
func (s *Store) ListActiveRules(ctx context.Context) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, scanErr := scanAlertRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// ListCandidateTransfers returns unconsumed outbound transfers for an address
// observed at or after since. Amount bounds are applied by the detector.
func (s *Store) ListCandidateTransfers(ctx context.Context, address string, since time.Time) ([]TransferRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCandidateTransfersSQL, address, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list candidate transfers: %w", queryErr)
	}
	defer rows.Close()

	transfers := make([]TransferRecord, 0)
	for rows.Next() {
		var rec TransferRecord
		var decimals sql.NullInt32
		if err := rows.Scan(
			&rec.ID,
			&rec.Signature,
			&rec.TrackedAddress,
			&rec.Counterparty,
			&rec.AmountRaw,
			&decimals,
			&rec.ObservedAt,
			&rec.Consumed,
		); err != nil {
			return nil, err
		}
		if decimals.Valid {
			rec.Decimals = decimals.Int32
		} else {
			rec.Decimals = -1
		}
		transfers = append(transfers, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return transfers, nil
}

// MarkConsumed flips sent = true on the given rows where still unsent and
// reports how many rows were actually claimed. A count below len(ids) means a
// concurrent evaluation got there first.
func (s *Store) MarkConsumed(ctx context.Context, ids []int64) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, markConsumedSQL, ids)
	if execErr != nil {
		return 0, fmt.Errorf("mark consumed: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	spread := alert.AmountSpread.String()

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.EventID,
		alert.RuleID,
		alert.TrackedAddress,
		alert.GroupSize,
		spread,
		alert.TransferIDs,
		alert.EmittedAt,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			// conflict on event_id: already recorded
			return alert, nil
		}
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}

	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlertRecords(rows, limit)
}

// ListAlertsBetween lists alerts emitted within a time window.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()

	return collectAlertRecords(rows, 0)
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func collectAlertRecords(rows pgx.Rows, hint int) ([]AlertRecord, error) {
	alerts := make([]AlertRecord, 0, hint)
	for rows.Next() {
		var rec AlertRecord
		var spreadStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.RuleID,
			&rec.TrackedAddress,
			&rec.GroupSize,
			&spreadStr,
			&rec.TransferIDs,
			&rec.EmittedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.AmountSpread, convErr = decimal.NewFromString(spreadStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse amount spread: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlertRule(rows pgx.Rows) (AlertRule, error) {
	var (
		rule         AlertRule
		customName   sql.NullString
		toleranceStr string
		minStr       sql.NullString
		maxStr       sql.NullString
	)

	if err := rows.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.ChatID,
		&rule.TrackedAddress,
		&customName,
		&rule.WindowMinutes,
		&rule.MinCount,
		&toleranceStr,
		&minStr,
		&maxStr,
		&rule.Active,
		&rule.CreatedAt,
	); err != nil {
		return AlertRule{}, err
	}

	if customName.Valid {
		rule.CustomName = customName.String
	}

	tolerance, err := decimal.NewFromString(toleranceStr)
	if err != nil {
		return AlertRule{}, fmt.Errorf("parse amount step: %w", err)
	}
	rule.AmountTolerance = tolerance

	rule.MinAmount = decimal.Zero
	if minStr.Valid {
		minAmount, err := decimal.NewFromString(minStr.String)
		if err != nil {
			return AlertRule{}, fmt.Errorf("parse min transfer amount: %w", err)
		}
		rule.MinAmount = minAmount
	}

	if maxStr.Valid {
		maxAmount, err := decimal.NewFromString(maxStr.String)
		if err != nil {
			return AlertRule{}, fmt.Errorf("parse max transfer amount: %w", err)
		}
		rule.MaxAmount = &maxAmount
	}

	return rule, nil
}
