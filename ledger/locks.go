package ledger

import (
	"context"
	"sync"
)

// PatientLocks is a keyed mutex for stores without native row locks.
// Acquire blocks until the patient's lock is free or ctx is done.
type PatientLocks struct {
	mu    sync.Mutex
	slots map[PatientID]chan struct{}
}

func NewPatientLocks() *PatientLocks {
	return &PatientLocks{slots: make(map[PatientID]chan struct{})}
}

// Acquire returns the release function, or a ConcurrencyError if ctx ends first.
func (l *PatientLocks) Acquire(ctx context.Context, id PatientID) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[id]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[id] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, &ConcurrencyError{PatientID: id, Err: ctx.Err()}
	}
}
