package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrAlertNotFound indicates the referenced alert row does not exist.
	ErrAlertNotFound = errors.New("storage: alert not found")
)

const (
	insertSnapshotSQL = `INSERT INTO protocol_snapshots (
        protocol_id,
        ts,
        tvl_usd,
        apy_7d,
        utilization
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (protocol_id, ts) DO NOTHING;`

	upsertSnapshotTVLSQL = `INSERT INTO protocol_snapshots (
        protocol_id,
        ts,
        tvl_usd,
        apy_7d,
        utilization
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (protocol_id, ts) DO UPDATE
    SET tvl_usd = EXCLUDED.tvl_usd;`

	latestSnapshotSQL = `SELECT
        protocol_id, ts, tvl_usd, apy_7d, utilization, created_at
    FROM protocol_snapshots
    WHERE protocol_id = $1
    ORDER BY ts DESC
    LIMIT 1;`

	snapshotAsOfSQL = `SELECT
        protocol_id, ts, tvl_usd, apy_7d, utilization, created_at
    FROM protocol_snapshots
    WHERE protocol_id = $1
      AND ts <= $2
    ORDER BY ts DESC
    LIMIT 1;`

	listSnapshotsSinceSQL = `SELECT
        protocol_id, ts, tvl_usd, apy_7d, utilization, created_at
    FROM protocol_snapshots
    WHERE protocol_id = $1
      AND ts > $2
    ORDER BY ts DESC;`

	listRecentSnapshotsSQL = `SELECT
        protocol_id, ts, tvl_usd, apy_7d, utilization, created_at
    FROM protocol_snapshots
    WHERE protocol_id = $1
    ORDER BY ts DESC
    LIMIT $2;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM protocol_snapshots;`

	hasRecentOpenAlertSQL = `SELECT EXISTS (
        SELECT 1 FROM protocol_alerts
        WHERE protocol_id = $1
          AND alert_kind = $2
          AND resolved_at IS NULL
          AND triggered_at > $3
    );`

	insertAlertSQL = `INSERT INTO protocol_alerts (
        protocol_id, alert_kind, severity, message, triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5
    ) RETURNING id;`

	openSeveritySQL = `SELECT severity FROM protocol_alerts
    WHERE protocol_id = $1
      AND resolved_at IS NULL
      AND triggered_at > $2
    ORDER BY
        CASE severity
            WHEN 'critical' THEN 1
            WHEN 'warning' THEN 2
            WHEN 'info' THEN 3
        END
    LIMIT 1;`

	resolveAlertSQL = `UPDATE protocol_alerts
    SET resolved_at = $2
    WHERE id = $1
      AND resolved_at IS NULL;`

	tryAdvisoryLockSQL  = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL   = `SELECT pg_advisory_unlock($1);`
	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock($1);`
)

// SnapshotStore defines read/write access to protocol snapshots.
type SnapshotStore interface {
	// InsertSnapshot appends a snapshot. Returns false when a row with the
	// same (protocol_id, ts) natural key already exists; re-ingestion is a
	// no-op, not an error.
	InsertSnapshot(ctx context.Context, snap Snapshot) (bool, error)
	// LatestSnapshot returns the most recent snapshot, or nil when none exist.
	LatestSnapshot(ctx context.Context, protocolID string) (*Snapshot, error)
	// SnapshotAsOf returns the freshest snapshot at-or-before cutoff, or nil.
	// This approximates "N hours ago" by the closest earlier sample; when
	// the sampling cadence exceeds the lookback it can be materially older
	// than the target instant.
	SnapshotAsOf(ctx context.Context, protocolID string, cutoff time.Time) (*Snapshot, error)
	// ListSnapshotsSince lists snapshots newer than since, newest first.
	ListSnapshotsSince(ctx context.Context, protocolID string, since time.Time) ([]Snapshot, error)
	// ListRecentSnapshots lists the newest snapshots, newest first.
	ListRecentSnapshots(ctx context.Context, protocolID string, limit int) ([]Snapshot, error)
}

// AlertStore defines access to the alert ledger rows.
type AlertStore interface {
	// InsertAlertDedup inserts the alert unless an open alert of the same
	// (protocol_id, alert_kind) was triggered after cutoff. The window query
	// and insert run in one transaction serialized by an advisory lock, so
	// concurrent saves for the same pair cannot both pass the check.
	InsertAlertDedup(ctx context.Context, alert Alert, cutoff time.Time) (int64, bool, error)
	// HasRecentOpenAlert reports whether an open (protocol_id, alert_kind)
	// alert was triggered after cutoff.
	HasRecentOpenAlert(ctx context.Context, protocolID, kind string, cutoff time.Time) (bool, error)
	// ListAlerts returns alerts matching the filter, newest first.
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
	// OpenSeverity returns the most severe open alert triggered after cutoff,
	// or "" when none exist.
	OpenSeverity(ctx context.Context, protocolID string, cutoff time.Time) (string, error)
	// ResolveAlert stamps resolved_at on an open alert.
	ResolveAlert(ctx context.Context, id int64, at time.Time) error
}

// AdvisoryLocker exposes session advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots and alerts.
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

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSnapshot appends a snapshot, idempotent on the natural key.
func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, insertSnapshotSQL,
		snap.ProtocolID,
		snap.Timestamp,
		decimalArg(snap.TVLUSD),
		decimalArg(snap.APY7d),
		decimalArg(snap.Utilization),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert snapshot: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// UpsertSnapshotTVL inserts a snapshot or overwrites the TVL of an existing
// row with the same natural key. Seed/demo tooling only; ingestion must use
// InsertSnapshot to keep history append-only.
func (s *Store) UpsertSnapshotTVL(ctx context.Context, snap Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertSnapshotTVLSQL,
		snap.ProtocolID,
		snap.Timestamp,
		decimalArg(snap.TVLUSD),
		decimalArg(snap.APY7d),
		decimalArg(snap.Utilization),
	); execErr != nil {
		return fmt.Errorf("upsert snapshot tvl: %w", execErr)
	}
	return nil
}

// LatestSnapshot fetches the most recent snapshot for a protocol.
func (s *Store) LatestSnapshot(ctx context.Context, protocolID string) (*Snapshot, error) {
	return s.querySnapshot(ctx, latestSnapshotSQL, protocolID)
}

// SnapshotAsOf fetches the freshest snapshot at-or-before cutoff.
func (s *Store) SnapshotAsOf(ctx context.Context, protocolID string, cutoff time.Time) (*Snapshot, error) {
	return s.querySnapshot(ctx, snapshotAsOfSQL, protocolID, cutoff)
}

func (s *Store) querySnapshot(ctx context.Context, query string, args ...any) (*Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query snapshot: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, nil
	}

	snap, scanErr := scanSnapshot(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &snap, nil
}

// ListSnapshotsSince lists snapshots newer than since, newest first.
func (s *Store) ListSnapshotsSince(ctx context.Context, protocolID string, since time.Time) ([]Snapshot, error) {
	return s.querySnapshots(ctx, listSnapshotsSinceSQL, protocolID, since)
}

// ListRecentSnapshots lists the newest snapshots, newest first.
func (s *Store) ListRecentSnapshots(ctx context.Context, protocolID string, limit int) ([]Snapshot, error) {
	return s.querySnapshots(ctx, listRecentSnapshotsSQL, protocolID, limit)
}

func (s *Store) querySnapshots(ctx context.Context, query string, args ...any) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// CountSnapshots counts stored snapshots across all protocols.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// InsertAlertDedup inserts an alert unless a matching open alert already
// exists inside the dedup window.
func (s *Store) InsertAlertDedup(ctx context.Context, alert Alert, cutoff time.Time) (int64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin alert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes concurrent saves of the same (protocol, kind) pair so both
	// cannot pass the window check. Released at commit/rollback.
	if _, err := tx.Exec(ctx, advisoryXactLockSQL, dedupLockKey(alert.ProtocolID, alert.Kind)); err != nil {
		return 0, false, fmt.Errorf("alert advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, hasRecentOpenAlertSQL, alert.ProtocolID, alert.Kind, cutoff).Scan(&exists); err != nil {
		return 0, false, fmt.Errorf("check recent alert: %w", err)
	}
	if exists {
		if err := tx.Commit(ctx); err != nil {
			return 0, false, fmt.Errorf("commit alert tx: %w", err)
		}
		return 0, false, nil
	}

	var id int64
	if err := tx.QueryRow(ctx, insertAlertSQL,
		alert.ProtocolID,
		alert.Kind,
		alert.Severity,
		alert.Message,
		alert.TriggeredAt,
	).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("insert alert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit alert tx: %w", err)
	}
	return id, true, nil
}

// HasRecentOpenAlert reports whether an open alert of that kind was
// triggered after cutoff.
func (s *Store) HasRecentOpenAlert(ctx context.Context, protocolID, kind string, cutoff time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, hasRecentOpenAlertSQL, protocolID, kind, cutoff).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("check recent alert: %w", scanErr)
	}
	return exists, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, protocol_id, alert_kind, severity, message, triggered_at, resolved_at
    FROM protocol_alerts`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 2)

	switch filter.Status {
	case AlertStatusOpen, "":
		conditions = append(conditions, "resolved_at IS NULL")
	case AlertStatusResolved:
		conditions = append(conditions, "resolved_at IS NOT NULL")
	case AlertStatusAll:
	default:
		return nil, fmt.Errorf("unknown alert status filter %q", filter.Status)
	}
	if filter.ProtocolID != "" {
		args = append(args, filter.ProtocolID)
		conditions = append(conditions, fmt.Sprintf("protocol_id = $%d", len(args)))
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY triggered_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d;", len(args))

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]Alert, 0, limit)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// OpenSeverity returns the highest open severity triggered after cutoff.
func (s *Store) OpenSeverity(ctx context.Context, protocolID string, cutoff time.Time) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var severity string
	scanErr := pool.QueryRow(ctx, openSeveritySQL, protocolID, cutoff).Scan(&severity)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return "", nil
	}
	if scanErr != nil {
		return "", fmt.Errorf("open severity: %w", scanErr)
	}
	return severity, nil
}

// ResolveAlert stamps resolved_at on an open alert.
func (s *Store) ResolveAlert(ctx context.Context, id int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, resolveAlertSQL, id, at)
	if execErr != nil {
		return fmt.Errorf("resolve alert: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
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
		// best effort, the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func dedupLockKey(protocolID, kind string) int64 {
	h := fnv.New64a()
	h.Write([]byte(protocolID))
	h.Write([]byte{'|'})
	h.Write([]byte(kind))
	return int64(h.Sum64())
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func scanSnapshot(rows pgx.Rows) (Snapshot, error) {
	var (
		protocolID string
		ts         time.Time
		tvlStr     sql.NullString
		apyStr     sql.NullString
		utilStr    sql.NullString
		createdAt  time.Time
	)

	if err := rows.Scan(&protocolID, &ts, &tvlStr, &apyStr, &utilStr, &createdAt); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		ProtocolID: protocolID,
		Timestamp:  ts,
		CreatedAt:  createdAt,
	}

	var err error
	if snap.TVLUSD, err = parseNullDecimal(tvlStr, "tvl_usd"); err != nil {
		return Snapshot{}, err
	}
	if snap.APY7d, err = parseNullDecimal(apyStr, "apy_7d"); err != nil {
		return Snapshot{}, err
	}
	if snap.Utilization, err = parseNullDecimal(utilStr, "utilization"); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func scanAlert(rows pgx.Rows) (Alert, error) {
	var (
		alert      Alert
		resolvedAt sql.NullTime
	)
	if err := rows.Scan(
		&alert.ID,
		&alert.ProtocolID,
		&alert.Kind,
		&alert.Severity,
		&alert.Message,
		&alert.TriggeredAt,
		&resolvedAt,
	); err != nil {
		return Alert{}, err
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		alert.ResolvedAt = &at
	}
	return alert, nil
}

func parseNullDecimal(v sql.NullString, column string) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", column, err)
	}
	return &parsed, nil
}
