package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// SERVICE - Wires the engine and the mutating components over one Store
// =============================================================================

// DefaultLockTimeout bounds how long a mutation waits for the patient lock.
const DefaultLockTimeout = 5 * time.Second

type Options struct {
	Clock       Clock
	Logger      zerolog.Logger
	LockTimeout time.Duration

	// AllowFutureDates accepts attendance marked for a day after today.
	AllowFutureDates bool
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	return o
}

// Service is the entry point the transport layer talks to.
type Service struct {
	Store      Store
	Engine     *Engine
	Attendance *AttendanceGateway
	Plans      *PlanTransitionCoordinator

	w *writer
}

func NewService(store Store, opts Options) *Service {
	opts = opts.withDefaults()
	engine := NewEngine(store)
	w := &writer{store: store, opts: opts}
	return &Service{
		Store:      store,
		Engine:     engine,
		Attendance: &AttendanceGateway{w: w},
		Plans:      &PlanTransitionCoordinator{w: w, engine: engine},
		w:          w,
	}
}

// ComputeBalance is shorthand for s.Engine.ComputeBalance.
func (s *Service) ComputeBalance(ctx context.Context, id PatientID) (Snapshot, error) {
	return s.Engine.ComputeBalance(ctx, id)
}

// =============================================================================
// WRITER - Shared transaction discipline for every mutation
// =============================================================================

type writer struct {
	store Store
	opts  Options
}

// withPatient runs fn in a bounded transaction holding the patient lock,
// then refreshes the derived cache before commit.
func (w *writer) withPatient(ctx context.Context, id PatientID, fn func(tx Tx, p *Patient) error) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.LockTimeout)
	defer cancel()

	var snap Snapshot
	err := w.store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.LockPatient(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, p); err != nil {
			return err
		}
		snap, err = refreshCache(ctx, tx, id, w.opts.Clock.Now())
		return err
	})
	if err != nil {
		return Snapshot{}, asConcurrency(ctx, id, err)
	}
	return snap, nil
}

// asConcurrency turns our own lock-wait deadline into a retryable error.
func asConcurrency(ctx context.Context, id PatientID, err error) error {
	if errors.Is(err, ErrConcurrency) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ConcurrencyError{PatientID: id, Err: err}
	}
	return err
}
