/*
store.go - Record store interfaces

PURPOSE:
  Pure persistence for the four record stores. No business rules live
  behind these interfaces; the Engine, AttendanceGateway and
  PlanTransitionCoordinator own every rule.

KEY INTERFACES:
  PatientStore:     patient aggregate incl. active plan and display cache
  PeriodStore:      closed treatment periods (insert-only)
  AttendanceStore:  one record per (patient, day)
  PaymentStore:     append-only payment log
  Tx:               all four, bound to one database transaction
  Store:            committed reads + WithTx + sequences

TRANSACTIONS:
  Every mutation runs inside Store.WithTx. The first thing a mutation does
  is Tx.LockPatient, which blocks other writers of the same patient until
  commit or rollback:
    - memory:   per-patient mutex
    - sqlite:   database write lock (BEGIN IMMEDIATE)
    - postgres: SELECT ... FOR UPDATE with lock_timeout
  Writers of different patients never share a lock (except SQLite, which
  has a single writer by construction).

APPEND-ONLY CONTRACT:
  PeriodStore and PaymentStore expose no update or delete.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite: SQLite via database/sql
  - store/postgres: PostgreSQL via pgx
*/
package ledger

import "context"

// =============================================================================
// RECORD STORES
// =============================================================================

type PatientStore interface {
	// GetPatient returns a NotFoundError when the patient does not exist.
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)

	CreatePatient(ctx context.Context, p Patient) error

	// LockPatient loads the patient and holds its lock until the
	// surrounding transaction ends.
	LockPatient(ctx context.Context, id PatientID) (*Patient, error)

	// UpdatePlan overwrites the active plan and resets the visits cache to 0.
	UpdatePlan(ctx context.Context, id PatientID, plan Plan) error

	// UpdateCache stores engine-derived display hints.
	UpdateCache(ctx context.Context, id PatientID, cache PlanCache) error

	UpdateStatus(ctx context.Context, id PatientID, status PatientStatus) error
}

type PeriodStore interface {
	// ListPeriods returns closed periods ordered by Start.
	ListPeriods(ctx context.Context, id PatientID) ([]TreatmentPeriod, error)

	InsertPeriod(ctx context.Context, p TreatmentPeriod) error
}

type AttendanceStore interface {
	// GetAttendance returns (nil, nil) when no record exists for the day.
	GetAttendance(ctx context.Context, id PatientID, day Date) (*AttendanceRecord, error)

	// ListAttendance returns all records of the patient ordered by Date.
	ListAttendance(ctx context.Context, id PatientID) ([]AttendanceRecord, error)

	// InsertAttendance fails with ConsistencyError if (patient, day) exists.
	InsertAttendance(ctx context.Context, rec AttendanceRecord) error

	// UpdateAttendance changes the status of an existing record in place.
	UpdateAttendance(ctx context.Context, rec AttendanceRecord) error
}

type PaymentStore interface {
	// ListPayments returns payments ordered by CreatedAt.
	ListPayments(ctx context.Context, id PatientID) ([]Payment, error)

	AppendPayment(ctx context.Context, p Payment) error
}

// =============================================================================
// READER - What the Engine needs
// =============================================================================

// Reader is satisfied by both Store (committed state) and Tx (the
// transaction's own view).
type Reader interface {
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	ListPeriods(ctx context.Context, id PatientID) ([]TreatmentPeriod, error)
	ListAttendance(ctx context.Context, id PatientID) ([]AttendanceRecord, error)
	ListPayments(ctx context.Context, id PatientID) ([]Payment, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx is the set of record stores bound to one open transaction.
type Tx interface {
	PatientStore
	PeriodStore
	AttendanceStore
	PaymentStore
}

// PatientFilter narrows ListPatients. Zero values match everything.
type PatientFilter struct {
	BranchID BranchID
	Status   PatientStatus
}

// SequenceStore issues branch-scoped counters (daily tokens, patient UIDs)
// with a single atomic upsert-and-increment.
type SequenceStore interface {
	// NextSequence increments and returns the counter for (branch, name, day).
	// Use the zero Date for counters that never reset.
	NextSequence(ctx context.Context, branch BranchID, name string, day Date) (int64, error)
}

type Store interface {
	Reader
	SequenceStore

	ListPatients(ctx context.Context, filter PatientFilter) ([]Patient, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through tx is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// MaintenanceStore backs the out-of-band daily sweep.
type MaintenanceStore interface {
	// ClaimRun is an atomic compare-and-set on the job's "last run" row.
	// It returns true only for the first caller on a given day.
	ClaimRun(ctx context.Context, job string, day Date) (bool, error)

	// DeactivateIdle marks active patients inactive when their plan started
	// before cutoff and they have no attendance on or after cutoff.
	DeactivateIdle(ctx context.Context, cutoff Date) (int64, error)
}
