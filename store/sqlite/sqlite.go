/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface the irrigation package defines
  (MeterStore, PlanStore, ValveStore, BalanceStore, UserStore,
  RateCatalog) on a single Store. In production the same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on meter_readings, ever
  - No UPDATE or DELETE on balance_entries; the audit trail is immutable
  - plans rows are deleted only by explicit cancellation (hard delete,
    together with their plan_days)

KEY TABLES:
  users:           committed available balance per user
  meter_readings:  immutable flow/volume/cost samples
  plans:           irrigation contracts with daily bookkeeping columns
  plan_days:       per-(plan, day) consumption buckets, upserted additively
  valve_states:    one row per user: mode, source, reason, changed_at
  balance_entries: append-only audit of every credit and debit
  crop_rates:      the water-requirement catalog, seeded on migration

DECIMALS:
  All quantities are stored as TEXT and parsed with shopspring/decimal.
  No floats touch money or liters.

CONCURRENCY:
  sync.RWMutex for in-process safety plus WAL mode. Multi-statement
  operations (plan start, cancellation, balance mutation, bucket upsert)
  run inside BeginTx with a deferred rollback.

USAGE:
  store, err := sqlite.New("./data/valves.db")   // or ":memory:"

SEE ALSO:
  - irrigation/store.go: the interface contracts
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/hydronet/valve-engine/irrigation"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database and migrates the schema. Use
// ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := store.seed(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset wipes all operational data and re-seeds the fixed users. The
// crop catalog survives. Demo/dev tooling only; nothing in the serving
// path calls this.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{
		"meter_readings", "plan_days", "plans", "valve_states", "balance_entries", "users",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.seed()
}

func (s *Store) migrate() error {
	schema := `
	-- Users (balance holders). Registration is an external concern; rows
	-- are provisioned on first sight of a device reading.
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		available_balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	-- Meter readings (append-only)
	CREATE TABLE IF NOT EXISTS meter_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		flow TEXT NOT NULL,
		volume TEXT NOT NULL,
		cost TEXT NOT NULL
	);

	-- Latest-reading lookup (hot path: every ingest and every day roll)
	CREATE INDEX IF NOT EXISTS idx_readings_user_ts
		ON meter_readings(user_id, timestamp DESC);

	-- Plans
	CREATE TABLE IF NOT EXISTS plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		crop TEXT NOT NULL,
		region TEXT NOT NULL,
		stage TEXT NOT NULL,
		area_m2 TEXT NOT NULL,
		per_day_target TEXT NOT NULL,
		total_target TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		start_volume TEXT NOT NULL,
		started_at TEXT NOT NULL,
		last_reset_date TEXT NOT NULL,
		flat_fee TEXT NOT NULL,
		consumed_total TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'active',
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_plans_user_status
		ON plans(user_id, status);

	-- Per-day consumption buckets
	CREATE TABLE IF NOT EXISTS plan_days (
		plan_id INTEGER NOT NULL,
		day TEXT NOT NULL,
		consumed TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (plan_id, day)
	);

	-- Valve states (one row per user; upserted)
	CREATE TABLE IF NOT EXISTS valve_states (
		user_id INTEGER PRIMARY KEY,
		mode TEXT NOT NULL,
		source TEXT NOT NULL,
		reason TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);

	-- Balance audit trail (append-only)
	CREATE TABLE IF NOT EXISTS balance_entries (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		delta TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		reference TEXT,
		created_at TEXT NOT NULL
	);

	-- Credit idempotency: a payment reference is applied at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_reference
		ON balance_entries(reference)
		WHERE reference IS NOT NULL AND entry_type = 'credit';

	CREATE INDEX IF NOT EXISTS idx_entries_user
		ON balance_entries(user_id);

	-- Crop water-requirement catalog
	CREATE TABLE IF NOT EXISTS crop_rates (
		crop TEXT NOT NULL,
		region TEXT NOT NULL,
		stage TEXT NOT NULL,
		liters_per_m2 TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		PRIMARY KEY (crop, region, stage)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// seed provisions the fixed deployment users and the default catalog.
// INSERT OR IGNORE keeps re-runs harmless.
func (s *Store) seed() error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range []int{1, 2, 3} {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO users (id, available_balance, created_at) VALUES (?, '0', ?)`,
			id, now); err != nil {
			return err
		}
	}

	for _, r := range defaultRates {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO crop_rates (crop, region, stage, liters_per_m2, duration_days)
			 VALUES (?, ?, ?, ?, ?)`,
			r.Crop, r.Region, r.Stage, r.LitersPerM2.String(), r.DurationDays); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// METER STORE (irrigation.MeterStore)
// =============================================================================

func (s *Store) AppendReading(ctx context.Context, r irrigation.MeterReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meter_readings (user_id, timestamp, flow, volume, cost)
		 VALUES (?, ?, ?, ?, ?)`,
		r.UserID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Flow.String(),
		r.Volume.String(),
		r.Cost.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to append reading: %w", err)
	}
	return nil
}

func (s *Store) LatestReading(ctx context.Context, userID irrigation.UserID) (*irrigation.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, timestamp, flow, volume, cost
		 FROM meter_readings WHERE user_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT 1`, userID)

	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) RecentReadings(ctx context.Context, userID irrigation.UserID, limit int) ([]irrigation.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, timestamp, flow, volume, cost
		 FROM meter_readings WHERE user_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []irrigation.MeterReading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *r)
	}
	return readings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (*irrigation.MeterReading, error) {
	var r irrigation.MeterReading
	var ts, flow, volume, cost string
	if err := row.Scan(&r.UserID, &ts, &flow, &volume, &cost); err != nil {
		return nil, err
	}
	var err error
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("corrupt reading timestamp %q: %w", ts, err)
	}
	r.Flow = mustDecimal(flow)
	r.Volume = mustDecimal(volume)
	r.Cost = mustDecimal(cost)
	return &r, nil
}

// =============================================================================
// PLAN STORE (irrigation.PlanStore)
// =============================================================================

const planColumns = `id, user_id, crop, region, stage, area_m2, per_day_target,
	total_target, duration_days, start_volume, started_at, last_reset_date,
	flat_fee, consumed_total, status, completed_at`

func (s *Store) ActivePlan(ctx context.Context, userID irrigation.UserID) (*irrigation.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPlan(ctx,
		`SELECT `+planColumns+` FROM plans
		 WHERE user_id = ? AND status = 'active'
		 ORDER BY id DESC LIMIT 1`, userID)
}

func (s *Store) LatestPlan(ctx context.Context, userID irrigation.UserID) (*irrigation.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPlan(ctx,
		`SELECT `+planColumns+` FROM plans
		 WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID)
}

func (s *Store) PlanByID(ctx context.Context, id irrigation.PlanID) (*irrigation.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, err := s.queryPlan(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, irrigation.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Store) queryPlan(ctx context.Context, query string, args ...any) (*irrigation.Plan, error) {
	row := s.db.QueryRowContext(ctx, query, args...)

	var p irrigation.Plan
	var area, perDay, total, startVol, flatFee, consumed string
	var startedAt, lastReset string
	var completedAt sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.Crop, &p.Region, &p.Stage,
		&area, &perDay, &total, &p.DurationDays, &startVol,
		&startedAt, &lastReset, &flatFee, &consumed, &p.Status, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.AreaM2 = mustDecimal(area)
	p.PerDayTarget = mustDecimal(perDay)
	p.TotalTarget = mustDecimal(total)
	p.StartVolume = mustDecimal(startVol)
	p.FlatFee = mustDecimal(flatFee)
	p.ConsumedTotal = mustDecimal(consumed)
	if p.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("corrupt plan start time %q: %w", startedAt, err)
	}
	if p.LastResetDate, err = time.Parse("2006-01-02", lastReset); err != nil {
		return nil, fmt.Errorf("corrupt plan reset date %q: %w", lastReset, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt plan completion time %q: %w", completedAt.String, err)
		}
		p.CompletedAt = &t
	}
	return &p, nil
}

// StartPlan runs the atomic creation sequence. All four steps commit
// together or not at all: a fee charged without a plan row would be a
// correctness violation.
func (s *Store) StartPlan(ctx context.Context, p irrigation.StartPlanParams) (*irrigation.Plan, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	// (a) Debit the flat fee, clamped at zero.
	balance, err := s.balanceTx(ctx, tx, p.UserID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	newBalance := balance.Sub(p.FlatFee)
	if newBalance.IsNegative() {
		newBalance = decimal.Zero
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET available_balance = ? WHERE id = ?`,
		newBalance.String(), p.UserID); err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	// (b) Snapshot the latest meter volume as the plan's start reference.
	startVolume := decimal.Zero
	var vol string
	err = tx.QueryRowContext(ctx,
		`SELECT volume FROM meter_readings WHERE user_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT 1`, p.UserID).Scan(&vol)
	if err != nil && err != sql.ErrNoRows {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	if err == nil {
		startVolume = mustDecimal(vol)
	}

	// (c) Insert the plan row.
	day := irrigation.DayOf(p.Now)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO plans
		 (user_id, crop, region, stage, area_m2, per_day_target, total_target,
		  duration_days, start_volume, started_at, last_reset_date, flat_fee,
		  consumed_total, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '0', 'active')`,
		p.UserID, p.Crop, p.Region, p.Stage,
		p.AreaM2.String(), p.PerDayTarget.String(), p.TotalTarget.String(),
		p.DurationDays, startVolume.String(),
		p.Now.UTC().Format(time.RFC3339Nano), day.Format("2006-01-02"),
		p.FlatFee.String())
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	planID, err := res.LastInsertId()
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	// (d) Seed today's zero bucket.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plan_days (plan_id, day, consumed) VALUES (?, ?, '0')`,
		planID, day.Format("2006-01-02")); err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	// Audit the fee debit inside the same transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balance_entries (id, user_id, delta, entry_type, reference, created_at)
		 VALUES (?, ?, ?, 'plan_fee', ?, ?)`,
		uuid.NewString(), p.UserID, p.FlatFee.Neg().String(),
		fmt.Sprintf("plan:%d", planID),
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	return &irrigation.Plan{
		ID:            irrigation.PlanID(planID),
		UserID:        p.UserID,
		Crop:          p.Crop,
		Region:        p.Region,
		Stage:         p.Stage,
		AreaM2:        p.AreaM2,
		PerDayTarget:  p.PerDayTarget,
		TotalTarget:   p.TotalTarget,
		DurationDays:  p.DurationDays,
		StartVolume:   startVolume,
		StartedAt:     p.Now,
		LastResetDate: day,
		FlatFee:       p.FlatFee,
		ConsumedTotal: decimal.Zero,
		Status:        irrigation.PlanActive,
	}, newBalance, nil
}

// CompletePlan is guarded by status='active' so concurrent polls apply
// the transition exactly once.
func (s *Store) CompletePlan(ctx context.Context, id irrigation.PlanID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = 'completed', completed_at = ?
		 WHERE id = ? AND status = 'active'`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeletePlan(ctx context.Context, id irrigation.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_days WHERE plan_id = ?`, id); err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return irrigation.ErrPlanNotFound
	}
	return tx.Commit()
}

// AddConsumption upsert-adds into the (plan, day) bucket and the plan's
// lifetime total in one transaction.
func (s *Store) AddConsumption(ctx context.Context, id irrigation.PlanID, day time.Time, liters decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	dayKey := irrigation.DayOf(day).Format("2006-01-02")

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT consumed FROM plan_days WHERE plan_id = ? AND day = ?`,
		id, dayKey).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_days (plan_id, day, consumed) VALUES (?, ?, ?)`,
			id, dayKey, liters.String()); err != nil {
			return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE plan_days SET consumed = ? WHERE plan_id = ? AND day = ?`,
			mustDecimal(current).Add(liters).String(), id, dayKey); err != nil {
			return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
		}
	}

	var total string
	if err := tx.QueryRowContext(ctx,
		`SELECT consumed_total FROM plans WHERE id = ?`, id).Scan(&total); err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE plans SET consumed_total = ? WHERE id = ?`,
		mustDecimal(total).Add(liters).String(), id); err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	return tx.Commit()
}

func (s *Store) ConsumedOn(ctx context.Context, id irrigation.PlanID, day time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var consumed string
	err := s.db.QueryRowContext(ctx,
		`SELECT consumed FROM plan_days WHERE plan_id = ? AND day = ?`,
		id, irrigation.DayOf(day).Format("2006-01-02")).Scan(&consumed)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return mustDecimal(consumed), nil
}

// RollPlanDay moves the daily bookkeeping forward: new reset date, fresh
// start-volume reference, zero bucket for the new day.
func (s *Store) RollPlanDay(ctx context.Context, id irrigation.PlanID, day time.Time, startVolume decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	dayKey := irrigation.DayOf(day).Format("2006-01-02")
	if _, err := tx.ExecContext(ctx,
		`UPDATE plans SET last_reset_date = ?, start_volume = ? WHERE id = ?`,
		dayKey, startVolume.String(), id); err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO plan_days (plan_id, day, consumed) VALUES (?, ?, '0')`,
		id, dayKey); err != nil {
		return fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	return tx.Commit()
}

func (s *Store) ResyncStartVolume(ctx context.Context, id irrigation.PlanID, volume decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE plans SET start_volume = ? WHERE id = ?`, volume.String(), id)
	return err
}

// =============================================================================
// VALVE STORE (irrigation.ValveStore)
// =============================================================================

func (s *Store) ValveState(ctx context.Context, userID irrigation.UserID) (irrigation.ValveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var vs irrigation.ValveState
	var changedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, mode, source, reason, changed_at
		 FROM valve_states WHERE user_id = ?`, userID).
		Scan(&vs.UserID, &vs.Mode, &vs.Source, &vs.Reason, &changedAt)
	if err == sql.ErrNoRows {
		return irrigation.AutomaticState(userID), nil
	}
	if err != nil {
		return irrigation.ValveState{}, err
	}
	if vs.ChangedAt, err = time.Parse(time.RFC3339Nano, changedAt); err != nil {
		return irrigation.ValveState{}, fmt.Errorf("corrupt valve timestamp %q: %w", changedAt, err)
	}
	return vs, nil
}

func (s *Store) SetValveState(ctx context.Context, vs irrigation.ValveState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO valve_states (user_id, mode, source, reason, changed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			mode = excluded.mode,
			source = excluded.source,
			reason = excluded.reason,
			changed_at = excluded.changed_at`,
		vs.UserID, vs.Mode, vs.Source, vs.Reason,
		vs.ChangedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set valve state: %w", err)
	}
	return nil
}

// =============================================================================
// BALANCE STORE (irrigation.BalanceStore)
// =============================================================================

func (s *Store) Balance(ctx context.Context, userID irrigation.UserID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceTx(ctx, s.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) balanceTx(ctx context.Context, q querier, userID irrigation.UserID) (decimal.Decimal, error) {
	var bal string
	err := q.QueryRowContext(ctx,
		`SELECT available_balance FROM users WHERE id = ?`, userID).Scan(&bal)
	if err == sql.ErrNoRows {
		return decimal.Zero, irrigation.ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return mustDecimal(bal), nil
}

// Credit adds amount, idempotent per payment reference: the audit insert
// hits a unique index, so a replayed confirmation applies nothing.
func (s *Store) Credit(ctx context.Context, userID irrigation.UserID, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balance_entries (id, user_id, delta, entry_type, reference, created_at)
		 VALUES (?, ?, ?, 'credit', ?, ?)`,
		uuid.NewString(), userID, amount.String(), nullString(reference),
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		if isUniqueConstraintError(err) {
			return decimal.Zero, irrigation.ErrDuplicateReference
		}
		return decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	balance, err := s.balanceTx(ctx, tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	newBalance := balance.Add(amount)
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET available_balance = ? WHERE id = ?`,
		newBalance.String(), userID); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	return newBalance, nil
}

// Debit subtracts amount, clamped at zero. Excess debit caps, never fails.
func (s *Store) Debit(ctx context.Context, userID irrigation.UserID, amount decimal.Decimal, entry irrigation.BalanceEntryType, reference string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	balance, err := s.balanceTx(ctx, tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	newBalance := balance.Sub(amount)
	if newBalance.IsNegative() {
		newBalance = decimal.Zero
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET available_balance = ? WHERE id = ?`,
		newBalance.String(), userID); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balance_entries (id, user_id, delta, entry_type, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), userID, amount.Neg().String(), entry, nullString(reference),
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", irrigation.ErrTransactionFailed, err)
	}
	return newBalance, nil
}

// =============================================================================
// USER STORE (irrigation.UserStore)
// =============================================================================

func (s *Store) ListUserIDs(ctx context.Context) ([]irrigation.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []irrigation.UserID
	for rows.Next() {
		var id irrigation.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) EnsureUser(ctx context.Context, userID irrigation.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, available_balance, created_at) VALUES (?, '0', ?)`,
		userID, time.Now().UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// RATE CATALOG (irrigation.RateCatalog)
// =============================================================================

func (s *Store) Rate(ctx context.Context, crop, region, stage string) (*irrigation.CropRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r irrigation.CropRate
	var liters string
	err := s.db.QueryRowContext(ctx,
		`SELECT crop, region, stage, liters_per_m2, duration_days
		 FROM crop_rates WHERE crop = ? AND region = ? AND stage = ? LIMIT 1`,
		crop, region, stage).
		Scan(&r.Crop, &r.Region, &r.Stage, &liters, &r.DurationDays)
	if err == sql.ErrNoRows {
		return nil, &irrigation.RateNotFoundError{Crop: crop, Region: region, Stage: stage}
	}
	if err != nil {
		return nil, err
	}
	r.LitersPerM2 = mustDecimal(liters)
	return &r, nil
}

func (s *Store) Crops(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, `SELECT DISTINCT crop FROM crop_rates ORDER BY crop`)
}

func (s *Store) Regions(ctx context.Context, crop string) ([]string, error) {
	return s.stringColumn(ctx,
		`SELECT DISTINCT region FROM crop_rates WHERE crop = ? ORDER BY region`, crop)
}

func (s *Store) Stages(ctx context.Context, crop, region string) ([]string, error) {
	return s.stringColumn(ctx,
		`SELECT DISTINCT stage FROM crop_rates WHERE crop = ? AND region = ? ORDER BY stage`,
		crop, region)
}

func (s *Store) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
