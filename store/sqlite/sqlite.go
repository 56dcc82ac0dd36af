/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.Store, ledger.Tx and ledger.MaintenanceStore using
  SQLite. The PostgreSQL adapter (store/postgres) follows the same shape;
  only locking and the SQL dialect differ.

INTERFACES IMPLEMENTED:
  ledger.Store:            committed reads, sequences, WithTx
  ledger.Tx:               the four record stores bound to one transaction
  ledger.MaintenanceStore: daily sweep claims and idle deactivation

APPEND-ONLY ENFORCEMENT:
  payments and treatment_periods reject UPDATE and DELETE with triggers.
  Corrections are new rows, never edits.

KEY TABLES:
  patients:          aggregate incl. the active plan and display cache
  treatment_periods: closed billing epochs, each with its own rate
  attendance:        one row per (patient_id, date), enforced by primary key
  payments:          money received
  sequences:         branch-scoped counters (tokens, patient UIDs)
  job_runs:          last run day per maintenance job

CONCURRENCY:
  SQLite has one writer. The pool is capped at a single connection and
  every transaction starts with BEGIN IMMEDIATE (_txlock=immediate), so
  writers of any patient serialize at BEGIN. A writer waiting longer than
  its context allows gets a ConcurrencyError. Code running inside a
  transaction must only use the Tx, never the Store, or it would wait for
  the connection it already holds.

STORAGE FORMATS:
  - money: decimal strings (TEXT), never REAL
  - dates: YYYY-MM-DD (TEXT), compared lexically
  - timestamps: fixed-width RFC3339 with nanoseconds (TEXT), so text order
    is time order

USAGE:
  store, err := sqlite.New("./data/clinic.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, ledger.Options{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Production adapter
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/clinic-ledger/ledger"
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" databases alive and makes the
	// database the single writer lock.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		uid TEXT NOT NULL UNIQUE,
		branch_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'inactive')),
		plan_model TEXT NOT NULL,
		plan_package_cost TEXT NOT NULL DEFAULT '0',
		plan_package_days INTEGER NOT NULL DEFAULT 0,
		plan_day_rate TEXT NOT NULL DEFAULT '0',
		plan_discount TEXT NOT NULL DEFAULT '0',
		plan_start TEXT NOT NULL,
		plan_end TEXT,
		visits_in_plan INTEGER NOT NULL DEFAULT 0,
		due_amount TEXT NOT NULL DEFAULT '0',
		cache_refreshed_at TEXT,
		enrolled_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_patients_branch_status
		ON patients(branch_id, status);

	-- Closed billing epochs (insert-only)
	CREATE TABLE IF NOT EXISTS treatment_periods (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		model TEXT NOT NULL,
		package_cost TEXT NOT NULL,
		package_days INTEGER NOT NULL,
		day_rate TEXT NOT NULL,
		discount TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		closed_at TEXT NOT NULL,
		CHECK (end_date >= start_date)
	);

	CREATE INDEX IF NOT EXISTS idx_periods_patient_start
		ON treatment_periods(patient_id, start_date);

	-- One attendance record per patient per calendar day
	CREATE TABLE IF NOT EXISTS attendance (
		patient_id TEXT NOT NULL REFERENCES patients(id),
		date TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('present', 'pending', 'absent')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (patient_id, date)
	);

	-- Sweep lookups by day
	CREATE INDEX IF NOT EXISTS idx_attendance_date
		ON attendance(date);

	-- Money received (append-only)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		kind TEXT NOT NULL,
		paid_on TEXT NOT NULL,
		remarks TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_patient
		ON payments(patient_id, created_at);

	CREATE TRIGGER IF NOT EXISTS payments_no_update
		BEFORE UPDATE ON payments
		BEGIN SELECT RAISE(ABORT, 'payments are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS payments_no_delete
		BEFORE DELETE ON payments
		BEGIN SELECT RAISE(ABORT, 'payments are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS periods_no_update
		BEFORE UPDATE ON treatment_periods
		BEGIN SELECT RAISE(ABORT, 'treatment periods are immutable'); END;
	CREATE TRIGGER IF NOT EXISTS periods_no_delete
		BEFORE DELETE ON treatment_periods
		BEGIN SELECT RAISE(ABORT, 'treatment periods are immutable'); END;

	-- Branch-scoped counters; day = '' for counters that never reset
	CREATE TABLE IF NOT EXISTS sequences (
		branch_id TEXT NOT NULL,
		name TEXT NOT NULL,
		day TEXT NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (branch_id, name, day)
	);

	CREATE TABLE IF NOT EXISTS job_runs (
		job TEXT PRIMARY KEY,
		last_run TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// COMMITTED READS (ledger.Reader)
// =============================================================================

func (s *Store) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return getPatient(ctx, s.db, id)
}

func (s *Store) ListPeriods(ctx context.Context, id ledger.PatientID) ([]ledger.TreatmentPeriod, error) {
	return listPeriods(ctx, s.db, id)
}

func (s *Store) ListAttendance(ctx context.Context, id ledger.PatientID) ([]ledger.AttendanceRecord, error) {
	return listAttendance(ctx, s.db, id)
}

func (s *Store) ListPayments(ctx context.Context, id ledger.PatientID) ([]ledger.Payment, error) {
	return listPayments(ctx, s.db, id)
}

func (s *Store) ListPatients(ctx context.Context, filter ledger.PatientFilter) ([]ledger.Patient, error) {
	var (
		where []string
		args  []any
	)
	if filter.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, filter.BranchID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := "SELECT " + patientColumns + " FROM patients"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY uid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()

	var patients []ledger.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, *p)
	}
	return patients, rows.Err()
}

// =============================================================================
// SEQUENCES AND MAINTENANCE
// =============================================================================

func (s *Store) NextSequence(ctx context.Context, branch ledger.BranchID, name string, day ledger.Date) (int64, error) {
	query := `
		INSERT INTO sequences (branch_id, name, day, value) VALUES (?, ?, ?, 1)
		ON CONFLICT (branch_id, name, day) DO UPDATE SET value = value + 1
		RETURNING value
	`
	var n int64
	if err := s.db.QueryRowContext(ctx, query, branch, name, formatDay(day)).Scan(&n); err != nil {
		return 0, translate("", fmt.Errorf("failed to advance sequence %s: %w", name, err))
	}
	return n, nil
}

func (s *Store) ClaimRun(ctx context.Context, job string, day ledger.Date) (bool, error) {
	query := `
		INSERT INTO job_runs (job, last_run) VALUES (?, ?)
		ON CONFLICT (job) DO UPDATE SET last_run = excluded.last_run
		WHERE job_runs.last_run < excluded.last_run
	`
	res, err := s.db.ExecContext(ctx, query, job, day.String())
	if err != nil {
		return false, translate("", fmt.Errorf("failed to claim %s: %w", job, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) DeactivateIdle(ctx context.Context, cutoff ledger.Date) (int64, error) {
	query := `
		UPDATE patients SET status = 'inactive'
		WHERE status = 'active'
		  AND plan_start < ?
		  AND NOT EXISTS (
			SELECT 1 FROM attendance a
			WHERE a.patient_id = patients.id AND a.date >= ?
		  )
	`
	res, err := s.db.ExecContext(ctx, query, cutoff.String(), cutoff.String())
	if err != nil {
		return 0, translate("", fmt.Errorf("failed to deactivate idle patients: %w", err))
	}
	return res.RowsAffected()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translate("", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return getPatient(ctx, ts.tx, id)
}

// LockPatient reads the patient. The write lock was already taken by
// BEGIN IMMEDIATE.
func (ts *txStore) LockPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return getPatient(ctx, ts.tx, id)
}

func (ts *txStore) CreatePatient(ctx context.Context, p ledger.Patient) error {
	query := `
		INSERT INTO patients
		(id, uid, branch_id, name, status, plan_model, plan_package_cost, plan_package_days,
		 plan_day_rate, plan_discount, plan_start, plan_end, visits_in_plan, due_amount,
		 cache_refreshed_at, enrolled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		p.ID, p.UID, p.BranchID, p.Name, p.Status,
		p.Plan.Model, p.Plan.PackageCost.String(), p.Plan.PackageDays,
		p.Plan.DayRate.String(), p.Plan.DiscountPercent.String(),
		p.Plan.Start.String(), nullDate(p.Plan.End),
		p.Cache.VisitsInPlan, p.Cache.DueAmount.String(), nullTime(p.Cache.RefreshedAt),
		formatTime(p.EnrolledAt),
	)
	if err != nil {
		return translate(p.ID, fmt.Errorf("failed to insert patient: %w", err))
	}
	return nil
}

func (ts *txStore) UpdatePlan(ctx context.Context, id ledger.PatientID, plan ledger.Plan) error {
	query := `
		UPDATE patients SET
			plan_model = ?, plan_package_cost = ?, plan_package_days = ?, plan_day_rate = ?,
			plan_discount = ?, plan_start = ?, plan_end = ?, visits_in_plan = 0
		WHERE id = ?
	`
	res, err := ts.tx.ExecContext(ctx, query,
		plan.Model, plan.PackageCost.String(), plan.PackageDays, plan.DayRate.String(),
		plan.DiscountPercent.String(), plan.Start.String(), nullDate(plan.End), id,
	)
	if err != nil {
		return translate(id, fmt.Errorf("failed to update plan: %w", err))
	}
	return expectOne(res, id)
}

func (ts *txStore) UpdateCache(ctx context.Context, id ledger.PatientID, cache ledger.PlanCache) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE patients SET visits_in_plan = ?, due_amount = ?, cache_refreshed_at = ? WHERE id = ?",
		cache.VisitsInPlan, cache.DueAmount.String(), nullTime(cache.RefreshedAt), id,
	)
	if err != nil {
		return translate(id, fmt.Errorf("failed to update cache: %w", err))
	}
	return expectOne(res, id)
}

func (ts *txStore) UpdateStatus(ctx context.Context, id ledger.PatientID, status ledger.PatientStatus) error {
	res, err := ts.tx.ExecContext(ctx, "UPDATE patients SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return translate(id, fmt.Errorf("failed to update status: %w", err))
	}
	return expectOne(res, id)
}

func (ts *txStore) ListPeriods(ctx context.Context, id ledger.PatientID) ([]ledger.TreatmentPeriod, error) {
	return listPeriods(ctx, ts.tx, id)
}

func (ts *txStore) InsertPeriod(ctx context.Context, p ledger.TreatmentPeriod) error {
	query := `
		INSERT INTO treatment_periods
		(id, patient_id, model, package_cost, package_days, day_rate, discount,
		 start_date, end_date, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		p.ID, p.PatientID, p.Model, p.PackageCost.String(), p.PackageDays,
		p.DayRate.String(), p.DiscountPercent.String(),
		p.Start.String(), p.End.String(), formatTime(p.ClosedAt),
	)
	if err != nil {
		return translate(p.PatientID, fmt.Errorf("failed to insert period: %w", err))
	}
	return nil
}

func (ts *txStore) GetAttendance(ctx context.Context, id ledger.PatientID, day ledger.Date) (*ledger.AttendanceRecord, error) {
	row := ts.tx.QueryRowContext(ctx,
		"SELECT "+attendanceColumns+" FROM attendance WHERE patient_id = ? AND date = ?",
		id, day.String(),
	)
	rec, err := scanAttendance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (ts *txStore) ListAttendance(ctx context.Context, id ledger.PatientID) ([]ledger.AttendanceRecord, error) {
	return listAttendance(ctx, ts.tx, id)
}

func (ts *txStore) InsertAttendance(ctx context.Context, rec ledger.AttendanceRecord) error {
	_, err := ts.tx.ExecContext(ctx,
		"INSERT INTO attendance (patient_id, date, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		rec.PatientID, rec.Date.String(), rec.Status, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return translate(rec.PatientID, fmt.Errorf("failed to insert attendance for %s: %w", rec.Date, err))
	}
	return nil
}

func (ts *txStore) UpdateAttendance(ctx context.Context, rec ledger.AttendanceRecord) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE attendance SET status = ?, updated_at = ? WHERE patient_id = ? AND date = ?",
		rec.Status, formatTime(rec.UpdatedAt), rec.PatientID, rec.Date.String(),
	)
	if err != nil {
		return translate(rec.PatientID, fmt.Errorf("failed to update attendance: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: "attendance", ID: string(rec.PatientID) + "/" + rec.Date.String()}
	}
	return nil
}

func (ts *txStore) ListPayments(ctx context.Context, id ledger.PatientID) ([]ledger.Payment, error) {
	return listPayments(ctx, ts.tx, id)
}

func (ts *txStore) AppendPayment(ctx context.Context, p ledger.Payment) error {
	query := `
		INSERT INTO payments (id, patient_id, amount, method, kind, paid_on, remarks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		p.ID, p.PatientID, p.Amount.String(), p.Method, p.Kind,
		p.PaidOn.String(), nullString(p.Remarks), formatTime(p.CreatedAt),
	)
	if err != nil {
		return translate(p.PatientID, fmt.Errorf("failed to append payment: %w", err))
	}
	return nil
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

const (
	patientColumns = `id, uid, branch_id, name, status, plan_model, plan_package_cost,
		plan_package_days, plan_day_rate, plan_discount, plan_start, plan_end,
		visits_in_plan, due_amount, cache_refreshed_at, enrolled_at`
	periodColumns = `id, patient_id, model, package_cost, package_days, day_rate, discount,
		start_date, end_date, closed_at`
	attendanceColumns = `patient_id, date, status, created_at, updated_at`
	paymentColumns    = `id, patient_id, amount, method, kind, paid_on, remarks, created_at`
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func getPatient(ctx context.Context, q queryer, id ledger.PatientID) (*ledger.Patient, error) {
	row := q.QueryRowContext(ctx, "SELECT "+patientColumns+" FROM patients WHERE id = ?", id)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "patient", ID: string(id)}
	}
	if err != nil {
		return nil, translate(id, err)
	}
	return p, nil
}

func scanPatient(row scanner) (*ledger.Patient, error) {
	var (
		p                         ledger.Patient
		cost, rate, discount, due string
		start, enrolledAt         string
		end, refreshedAt          sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.UID, &p.BranchID, &p.Name, &p.Status,
		&p.Plan.Model, &cost, &p.Plan.PackageDays, &rate, &discount, &start, &end,
		&p.Cache.VisitsInPlan, &due, &refreshedAt, &enrolledAt,
	)
	if err != nil {
		return nil, err
	}

	var errs []error
	p.Plan.PackageCost = parseDecimal(cost, &errs)
	p.Plan.DayRate = parseDecimal(rate, &errs)
	p.Plan.DiscountPercent = parseDecimal(discount, &errs)
	p.Cache.DueAmount = parseDecimal(due, &errs)
	p.Plan.Start = parseDay(start, &errs)
	if end.Valid {
		d := parseDay(end.String, &errs)
		p.Plan.End = &d
	}
	if refreshedAt.Valid {
		p.Cache.RefreshedAt = parseTime(refreshedAt.String, &errs)
	}
	p.EnrolledAt = parseTime(enrolledAt, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to decode patient %s: %w", p.ID, err)
	}
	return &p, nil
}

func listPeriods(ctx context.Context, q queryer, id ledger.PatientID) ([]ledger.TreatmentPeriod, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+periodColumns+" FROM treatment_periods WHERE patient_id = ? ORDER BY start_date, closed_at",
		id,
	)
	if err != nil {
		return nil, translate(id, fmt.Errorf("failed to query periods: %w", err))
	}
	defer rows.Close()

	var periods []ledger.TreatmentPeriod
	for rows.Next() {
		var (
			p                    ledger.TreatmentPeriod
			cost, rate, discount string
			start, end, closedAt string
		)
		if err := rows.Scan(&p.ID, &p.PatientID, &p.Model, &cost, &p.PackageDays, &rate, &discount,
			&start, &end, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		var errs []error
		p.PackageCost = parseDecimal(cost, &errs)
		p.DayRate = parseDecimal(rate, &errs)
		p.DiscountPercent = parseDecimal(discount, &errs)
		p.Start = parseDay(start, &errs)
		p.End = parseDay(end, &errs)
		p.ClosedAt = parseTime(closedAt, &errs)
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("failed to decode period %s: %w", p.ID, err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func scanAttendance(row scanner) (ledger.AttendanceRecord, error) {
	var (
		rec                        ledger.AttendanceRecord
		date, createdAt, updatedAt string
	)
	if err := row.Scan(&rec.PatientID, &date, &rec.Status, &createdAt, &updatedAt); err != nil {
		return rec, err
	}
	var errs []error
	rec.Date = parseDay(date, &errs)
	rec.CreatedAt = parseTime(createdAt, &errs)
	rec.UpdatedAt = parseTime(updatedAt, &errs)
	return rec, errors.Join(errs...)
}

func listAttendance(ctx context.Context, q queryer, id ledger.PatientID) ([]ledger.AttendanceRecord, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+attendanceColumns+" FROM attendance WHERE patient_id = ? ORDER BY date",
		id,
	)
	if err != nil {
		return nil, translate(id, fmt.Errorf("failed to query attendance: %w", err))
	}
	defer rows.Close()

	var records []ledger.AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func listPayments(ctx context.Context, q queryer, id ledger.PatientID) ([]ledger.Payment, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE patient_id = ? ORDER BY created_at, rowid",
		id,
	)
	if err != nil {
		return nil, translate(id, fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var (
			p                         ledger.Payment
			amount, paidOn, createdAt string
			remarks                   sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.PatientID, &amount, &p.Method, &p.Kind, &paidOn, &remarks, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		var errs []error
		p.Amount = parseDecimal(amount, &errs)
		p.PaidOn = parseDay(paidOn, &errs)
		p.CreatedAt = parseTime(createdAt, &errs)
		p.Remarks = remarks.String
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("failed to decode payment %s: %w", p.ID, err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func expectOne(res sql.Result, id ledger.PatientID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: "patient", ID: string(id)}
	}
	return nil
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

// translate maps driver errors onto the ledger taxonomy.
func translate(id ledger.PatientID, err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return &ledger.ConcurrencyError{PatientID: id, Err: err}
	case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return &ledger.ConsistencyError{PatientID: id, Message: err.Error()}
	case se.Code == sqlite3.ErrConstraint:
		return &ledger.ConsistencyError{PatientID: id, Message: err.Error()}
	}
	return err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *ledger.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

// timeLayout keeps trailing zeros, unlike time.RFC3339Nano.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatDay renders the zero Date as "" so never-resetting counters share a row.
func formatDay(d ledger.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseDecimal(s string, errs *[]error) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		*errs = append(*errs, err)
	}
	return d
}

func parseDay(s string, errs *[]error) ledger.Date {
	d, err := ledger.ParseDate(s)
	if err != nil {
		*errs = append(*errs, err)
	}
	return d
}

func parseTime(s string, errs *[]error) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		*errs = append(*errs, err)
	}
	return t
}

var (
	_ ledger.Store            = (*Store)(nil)
	_ ledger.MaintenanceStore = (*Store)(nil)
	_ ledger.Tx               = (*txStore)(nil)
)
