/*
Package postgres provides a PostgreSQL-backed implementation of the ledger stores.

PURPOSE:
  Production adapter. Same contract as store/sqlite, but writers of
  different patients run in parallel: the patient lock is a row lock.

LOCKING:
  WithTx opens a READ COMMITTED transaction and sets
  SET LOCAL lock_timeout to the configured bound. Tx.LockPatient runs
  SELECT ... FOR UPDATE on the patient row, so a second writer of the same
  patient waits there until the first commits, then reads the new state.

ERROR MAPPING:
  55P03 lock_not_available     -> ConcurrencyError
  40001 serialization_failure  -> ConcurrencyError
  40P01 deadlock_detected      -> ConcurrencyError
  23505 unique_violation       -> ConsistencyError
  23xxx other constraints      -> ConsistencyError
  P0001 append-only trigger    -> ConsistencyError
  pgx.ErrNoRows                -> NotFoundError

MONEY:
  NUMERIC columns are read back as ::text and parsed into decimal.Decimal,
  and written as decimal strings.

SCHEMA:
  Versioned migrations under migrations/, applied with MigrateUp.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/clinic-ledger/ledger"
)

// queryable is satisfied by *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements the ledger storage interfaces over a connection pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// Options tune the pool and the row-lock wait.
type Options struct {
	MaxConns    int32
	LockTimeout time.Duration
}

// New connects and pings the database. Run MigrateUp first on a fresh database.
func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = ledger.DefaultLockTimeout
	}
	return &Store{pool: pool, lockTimeout: opts.LockTimeout}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// COMMITTED READS (ledger.Reader)
// =============================================================================

func (s *Store) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return getPatient(ctx, s.pool, id, false)
}

func (s *Store) ListPeriods(ctx context.Context, id ledger.PatientID) ([]ledger.TreatmentPeriod, error) {
	return listPeriods(ctx, s.pool, id)
}

func (s *Store) ListAttendance(ctx context.Context, id ledger.PatientID) ([]ledger.AttendanceRecord, error) {
	return listAttendance(ctx, s.pool, id)
}

func (s *Store) ListPayments(ctx context.Context, id ledger.PatientID) ([]ledger.Payment, error) {
	return listPayments(ctx, s.pool, id)
}

func (s *Store) ListPatients(ctx context.Context, filter ledger.PatientFilter) ([]ledger.Patient, error) {
	var (
		where []string
		args  []any
	)
	if filter.BranchID != "" {
		args = append(args, string(filter.BranchID))
		where = append(where, fmt.Sprintf("branch_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := "SELECT " + patientCols + " FROM patients"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY uid"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate("", fmt.Errorf("query patients: %w", err))
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
	dayKey := ""
	if !day.IsZero() {
		dayKey = day.String()
	}
	var n int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sequences (branch_id, name, day, value) VALUES ($1, $2, $3, 1)
		ON CONFLICT (branch_id, name, day) DO UPDATE SET value = sequences.value + 1
		RETURNING value`,
		string(branch), name, dayKey,
	).Scan(&n)
	if err != nil {
		return 0, translate("", fmt.Errorf("advance sequence %s: %w", name, err))
	}
	return n, nil
}

func (s *Store) ClaimRun(ctx context.Context, job string, day ledger.Date) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (job, last_run) VALUES ($1, $2)
		ON CONFLICT (job) DO UPDATE SET last_run = EXCLUDED.last_run
		WHERE job_runs.last_run < EXCLUDED.last_run`,
		job, day.Time,
	)
	if err != nil {
		return false, translate("", fmt.Errorf("claim %s: %w", job, err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeactivateIdle(ctx context.Context, cutoff ledger.Date) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE patients SET status = 'inactive'
		WHERE status = 'active'
		  AND plan_start < $1
		  AND NOT EXISTS (
			SELECT 1 FROM attendance a
			WHERE a.patient_id = patients.id AND a.date >= $1
		  )`,
		cutoff.Time,
	)
	if err != nil {
		return 0, translate("", fmt.Errorf("deactivate idle patients: %w", err))
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx interface)
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate("", fmt.Errorf("begin transaction: %w", err))
	}
	defer pgTx.Rollback(context.WithoutCancel(ctx))

	// SET does not take bind parameters.
	if _, err := pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return translate("", fmt.Errorf("set lock_timeout: %w", err))
	}

	if err := fn(&txStore{tx: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return translate("", fmt.Errorf("commit: %w", err))
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return getPatient(ctx, ts.tx, id, false)
}

func (ts *txStore) LockPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return getPatient(ctx, ts.tx, id, true)
}

func (ts *txStore) CreatePatient(ctx context.Context, p ledger.Patient) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO patients (id, uid, branch_id, name, status, plan_model, plan_package_cost,
			plan_package_days, plan_day_rate, plan_discount, plan_start, plan_end,
			visits_in_plan, due_amount, cache_refreshed_at, enrolled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		string(p.ID), p.UID, string(p.BranchID), p.Name, string(p.Status),
		string(p.Plan.Model), p.Plan.PackageCost.String(), p.Plan.PackageDays,
		p.Plan.DayRate.String(), p.Plan.DiscountPercent.String(),
		p.Plan.Start.Time, datePtr(p.Plan.End),
		p.Cache.VisitsInPlan, p.Cache.DueAmount.String(), timePtr(p.Cache.RefreshedAt), p.EnrolledAt,
	)
	if err != nil {
		return translate(p.ID, fmt.Errorf("insert patient: %w", err))
	}
	return nil
}

func (ts *txStore) UpdatePlan(ctx context.Context, id ledger.PatientID, plan ledger.Plan) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE patients SET plan_model=$2, plan_package_cost=$3, plan_package_days=$4,
			plan_day_rate=$5, plan_discount=$6, plan_start=$7, plan_end=$8, visits_in_plan=0
		WHERE id = $1`,
		string(id), string(plan.Model), plan.PackageCost.String(), plan.PackageDays,
		plan.DayRate.String(), plan.DiscountPercent.String(), plan.Start.Time, datePtr(plan.End),
	)
	if err != nil {
		return translate(id, fmt.Errorf("update plan: %w", err))
	}
	return expectOne(tag, id)
}

func (ts *txStore) UpdateCache(ctx context.Context, id ledger.PatientID, cache ledger.PlanCache) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE patients SET visits_in_plan=$2, due_amount=$3, cache_refreshed_at=$4 WHERE id = $1`,
		string(id), cache.VisitsInPlan, cache.DueAmount.String(), timePtr(cache.RefreshedAt),
	)
	if err != nil {
		return translate(id, fmt.Errorf("update cache: %w", err))
	}
	return expectOne(tag, id)
}

func (ts *txStore) UpdateStatus(ctx context.Context, id ledger.PatientID, status ledger.PatientStatus) error {
	tag, err := ts.tx.Exec(ctx, `UPDATE patients SET status=$2 WHERE id = $1`, string(id), string(status))
	if err != nil {
		return translate(id, fmt.Errorf("update status: %w", err))
	}
	return expectOne(tag, id)
}

func (ts *txStore) ListPeriods(ctx context.Context, id ledger.PatientID) ([]ledger.TreatmentPeriod, error) {
	return listPeriods(ctx, ts.tx, id)
}

func (ts *txStore) InsertPeriod(ctx context.Context, p ledger.TreatmentPeriod) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO treatment_periods (id, patient_id, model, package_cost, package_days,
			day_rate, discount, start_date, end_date, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		string(p.ID), string(p.PatientID), string(p.Model), p.PackageCost.String(), p.PackageDays,
		p.DayRate.String(), p.DiscountPercent.String(), p.Start.Time, p.End.Time, p.ClosedAt,
	)
	if err != nil {
		return translate(p.PatientID, fmt.Errorf("insert period: %w", err))
	}
	return nil
}

func (ts *txStore) GetAttendance(ctx context.Context, id ledger.PatientID, day ledger.Date) (*ledger.AttendanceRecord, error) {
	row := ts.tx.QueryRow(ctx,
		`SELECT `+attendanceCols+` FROM attendance WHERE patient_id = $1 AND date = $2`,
		string(id), day.Time,
	)
	rec, err := scanAttendance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(id, err)
	}
	return &rec, nil
}

func (ts *txStore) ListAttendance(ctx context.Context, id ledger.PatientID) ([]ledger.AttendanceRecord, error) {
	return listAttendance(ctx, ts.tx, id)
}

func (ts *txStore) InsertAttendance(ctx context.Context, rec ledger.AttendanceRecord) error {
	_, err := ts.tx.Exec(ctx,
		`INSERT INTO attendance (patient_id, date, status, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		string(rec.PatientID), rec.Date.Time, string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return translate(rec.PatientID, fmt.Errorf("insert attendance for %s: %w", rec.Date, err))
	}
	return nil
}

func (ts *txStore) UpdateAttendance(ctx context.Context, rec ledger.AttendanceRecord) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE attendance SET status=$3, updated_at=$4 WHERE patient_id = $1 AND date = $2`,
		string(rec.PatientID), rec.Date.Time, string(rec.Status), rec.UpdatedAt,
	)
	if err != nil {
		return translate(rec.PatientID, fmt.Errorf("update attendance: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Kind: "attendance", ID: string(rec.PatientID) + "/" + rec.Date.String()}
	}
	return nil
}

func (ts *txStore) ListPayments(ctx context.Context, id ledger.PatientID) ([]ledger.Payment, error) {
	return listPayments(ctx, ts.tx, id)
}

func (ts *txStore) AppendPayment(ctx context.Context, p ledger.Payment) error {
	var remarks *string
	if p.Remarks != "" {
		remarks = &p.Remarks
	}
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO payments (id, patient_id, amount, method, kind, paid_on, remarks, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		string(p.ID), string(p.PatientID), p.Amount.String(), p.Method, string(p.Kind),
		p.PaidOn.Time, remarks, p.CreatedAt,
	)
	if err != nil {
		return translate(p.PatientID, fmt.Errorf("append payment: %w", err))
	}
	return nil
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

const (
	patientCols = `id, uid, branch_id, name, status, plan_model, plan_package_cost::text,
		plan_package_days, plan_day_rate::text, plan_discount::text, plan_start, plan_end,
		visits_in_plan, due_amount::text, cache_refreshed_at, enrolled_at`
	periodCols = `id, patient_id, model, package_cost::text, package_days, day_rate::text,
		discount::text, start_date, end_date, closed_at`
	attendanceCols = `patient_id, date, status, created_at, updated_at`
	paymentCols    = `id, patient_id, amount::text, method, kind, paid_on, remarks, created_at`
)

func getPatient(ctx context.Context, q queryable, id ledger.PatientID, forUpdate bool) (*ledger.Patient, error) {
	query := `SELECT ` + patientCols + ` FROM patients WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPatient(q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "patient", ID: string(id)}
	}
	if err != nil {
		return nil, translate(id, err)
	}
	return p, nil
}

func scanPatient(row pgx.Row) (*ledger.Patient, error) {
	var (
		p                         ledger.Patient
		id, branch                string
		status, model             string
		cost, rate, discount, due string
		start                     time.Time
		end, refreshedAt          *time.Time
	)
	err := row.Scan(&id, &p.UID, &branch, &p.Name, &status, &model, &cost, &p.Plan.PackageDays,
		&rate, &discount, &start, &end, &p.Cache.VisitsInPlan, &due, &refreshedAt, &p.EnrolledAt)
	if err != nil {
		return nil, err
	}
	p.ID = ledger.PatientID(id)
	p.BranchID = ledger.BranchID(branch)
	p.Status = ledger.PatientStatus(status)
	p.Plan.Model = ledger.BillingModel(model)
	p.Plan.Start = ledger.DateOf(start)
	if end != nil {
		e := ledger.DateOf(*end)
		p.Plan.End = &e
	}
	if refreshedAt != nil {
		p.Cache.RefreshedAt = *refreshedAt
	}

	var errs []error
	p.Plan.PackageCost = parseDecimal(cost, &errs)
	p.Plan.DayRate = parseDecimal(rate, &errs)
	p.Plan.DiscountPercent = parseDecimal(discount, &errs)
	p.Cache.DueAmount = parseDecimal(due, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("decode patient %s: %w", id, err)
	}
	return &p, nil
}

func listPeriods(ctx context.Context, q queryable, id ledger.PatientID) ([]ledger.TreatmentPeriod, error) {
	rows, err := q.Query(ctx,
		`SELECT `+periodCols+` FROM treatment_periods WHERE patient_id = $1 ORDER BY start_date, closed_at`,
		string(id),
	)
	if err != nil {
		return nil, translate(id, fmt.Errorf("query periods: %w", err))
	}
	defer rows.Close()

	var periods []ledger.TreatmentPeriod
	for rows.Next() {
		var (
			p                    ledger.TreatmentPeriod
			pid, patient, model  string
			cost, rate, discount string
			start, end           time.Time
		)
		if err := rows.Scan(&pid, &patient, &model, &cost, &p.PackageDays, &rate, &discount,
			&start, &end, &p.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		p.ID = ledger.PeriodID(pid)
		p.PatientID = ledger.PatientID(patient)
		p.Model = ledger.BillingModel(model)
		p.Start = ledger.DateOf(start)
		p.End = ledger.DateOf(end)

		var errs []error
		p.PackageCost = parseDecimal(cost, &errs)
		p.DayRate = parseDecimal(rate, &errs)
		p.DiscountPercent = parseDecimal(discount, &errs)
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("decode period %s: %w", pid, err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func scanAttendance(row pgx.Row) (ledger.AttendanceRecord, error) {
	var (
		rec             ledger.AttendanceRecord
		patient, status string
		date            time.Time
	)
	if err := row.Scan(&patient, &date, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.PatientID = ledger.PatientID(patient)
	rec.Date = ledger.DateOf(date)
	rec.Status = ledger.AttendanceStatus(status)
	return rec, nil
}

func listAttendance(ctx context.Context, q queryable, id ledger.PatientID) ([]ledger.AttendanceRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT `+attendanceCols+` FROM attendance WHERE patient_id = $1 ORDER BY date`,
		string(id),
	)
	if err != nil {
		return nil, translate(id, fmt.Errorf("query attendance: %w", err))
	}
	defer rows.Close()

	var records []ledger.AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func listPayments(ctx context.Context, q queryable, id ledger.PatientID) ([]ledger.Payment, error) {
	rows, err := q.Query(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE patient_id = $1 ORDER BY created_at, seq`,
		string(id),
	)
	if err != nil {
		return nil, translate(id, fmt.Errorf("query payments: %w", err))
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var (
			p                  ledger.Payment
			pid, patient, kind string
			amount             string
			paidOn             time.Time
			remarks            *string
		)
		if err := rows.Scan(&pid, &patient, &amount, &p.Method, &kind, &paidOn, &remarks, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.ID = ledger.PaymentID(pid)
		p.PatientID = ledger.PatientID(patient)
		p.Kind = ledger.PaymentKind(kind)
		p.PaidOn = ledger.DateOf(paidOn)
		if remarks != nil {
			p.Remarks = *remarks
		}
		var errs []error
		p.Amount = parseDecimal(amount, &errs)
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("decode payment %s: %w", pid, err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func expectOne(tag pgconn.CommandTag, id ledger.PatientID) error {
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Kind: "patient", ID: string(id)}
	}
	return nil
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

func translate(id ledger.PatientID, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "55P03" || pgErr.Code == "40001" || pgErr.Code == "40P01":
		return &ledger.ConcurrencyError{PatientID: id, Err: err}
	case strings.HasPrefix(pgErr.Code, "23"), pgErr.Code == "P0001":
		return &ledger.ConsistencyError{PatientID: id, Message: pgErr.Message}
	}
	return err
}

func datePtr(d *ledger.Date) *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseDecimal(s string, errs *[]error) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		*errs = append(*errs, err)
	}
	return v
}

var (
	_ ledger.Store            = (*Store)(nil)
	_ ledger.MaintenanceStore = (*Store)(nil)
	_ ledger.Tx               = (*txStore)(nil)
)
