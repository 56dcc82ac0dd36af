// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/clinic-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every patient's records in one patientState. Transactions
// work copy-on-write: a locked patient is cloned into the transaction, and
// commit swaps the clones in under the write lock. Readers therefore never
// see a half-applied transaction, and transactions on different patients
// never wait on each other.
type Memory struct {
	mu        sync.RWMutex
	patients  map[ledger.PatientID]*patientState
	uids      map[string]ledger.PatientID
	sequences map[seqKey]int64
	runs      map[string]ledger.Date
	locks     *ledger.PatientLocks
}

type patientState struct {
	patient    ledger.Patient
	periods    []ledger.TreatmentPeriod
	attendance []ledger.AttendanceRecord // sorted by Date
	payments   []ledger.Payment
}

type seqKey struct {
	branch ledger.BranchID
	name   string
	day    ledger.Date
}

func NewMemory() *Memory {
	return &Memory{
		patients:  make(map[ledger.PatientID]*patientState),
		uids:      make(map[string]ledger.PatientID),
		sequences: make(map[seqKey]int64),
		runs:      make(map[string]ledger.Date),
		locks:     ledger.NewPatientLocks(),
	}
}

func (s *patientState) clone() *patientState {
	c := &patientState{
		patient:    clonePatient(s.patient),
		periods:    append([]ledger.TreatmentPeriod(nil), s.periods...),
		attendance: append([]ledger.AttendanceRecord(nil), s.attendance...),
		payments:   append([]ledger.Payment(nil), s.payments...),
	}
	return c
}

func clonePatient(p ledger.Patient) ledger.Patient {
	if p.Plan.End != nil {
		end := *p.Plan.End
		p.Plan.End = &end
	}
	return p
}

// committed returns a private copy of the patient's committed state.
func (m *Memory) committed(id ledger.PatientID) (*patientState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.patients[id]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

// =============================================================================
// COMMITTED READS (ledger.Reader)
// =============================================================================

func (m *Memory) GetPatient(_ context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	st, ok := m.committed(id)
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "patient", ID: string(id)}
	}
	return &st.patient, nil
}

func (m *Memory) ListPeriods(_ context.Context, id ledger.PatientID) ([]ledger.TreatmentPeriod, error) {
	st, ok := m.committed(id)
	if !ok {
		return nil, nil
	}
	return st.periods, nil
}

func (m *Memory) ListAttendance(_ context.Context, id ledger.PatientID) ([]ledger.AttendanceRecord, error) {
	st, ok := m.committed(id)
	if !ok {
		return nil, nil
	}
	return st.attendance, nil
}

func (m *Memory) ListPayments(_ context.Context, id ledger.PatientID) ([]ledger.Payment, error) {
	st, ok := m.committed(id)
	if !ok {
		return nil, nil
	}
	return st.payments, nil
}

func (m *Memory) ListPatients(_ context.Context, filter ledger.PatientFilter) ([]ledger.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Patient
	for _, st := range m.patients {
		p := st.patient
		if filter.BranchID != "" && p.BranchID != filter.BranchID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		result = append(result, clonePatient(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

// =============================================================================
// SEQUENCES AND MAINTENANCE
// =============================================================================

func (m *Memory) NextSequence(_ context.Context, branch ledger.BranchID, name string, day ledger.Date) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seqKey{branch: branch, name: name, day: day}
	m.sequences[k]++
	return m.sequences[k], nil
}

func (m *Memory) ClaimRun(_ context.Context, job string, day ledger.Date) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.runs[job]; ok && !last.Before(day) {
		return false, nil
	}
	m.runs[job] = day
	return true, nil
}

func (m *Memory) DeactivateIdle(ctx context.Context, cutoff ledger.Date) (int64, error) {
	m.mu.RLock()
	var candidates []ledger.PatientID
	for id, st := range m.patients {
		if idle(st, cutoff) {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	var n int64
	for _, id := range candidates {
		release, err := m.locks.Acquire(ctx, id)
		if err != nil {
			return n, err
		}
		m.mu.Lock()
		if st, ok := m.patients[id]; ok && idle(st, cutoff) {
			next := st.clone()
			next.patient.Status = ledger.PatientInactive
			m.patients[id] = next
			n++
		}
		m.mu.Unlock()
		release()
	}
	return n, nil
}

func idle(st *patientState, cutoff ledger.Date) bool {
	if st.patient.Status != ledger.PatientActive || !st.patient.Plan.Start.Before(cutoff) {
		return false
	}
	for _, rec := range st.attendance {
		if rec.Date.AfterOrEqual(cutoff) {
			return false
		}
	}
	return true
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx := &memTx{
		parent:  m,
		staged:  make(map[ledger.PatientID]*patientState),
		created: make(map[ledger.PatientID]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		// Rollback: staged clones are dropped.
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

type memTx struct {
	parent   *Memory
	staged   map[ledger.PatientID]*patientState
	created  map[ledger.PatientID]bool
	releases []func()
}

func (tx *memTx) release() {
	for i := len(tx.releases) - 1; i >= 0; i-- {
		tx.releases[i]()
	}
	tx.releases = nil
}

func (tx *memTx) commit() error {
	m := tx.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range tx.created {
		if _, exists := m.patients[id]; exists {
			return &ledger.ConsistencyError{PatientID: id, Message: "patient already exists"}
		}
		if uid := tx.staged[id].patient.UID; uid != "" {
			if _, taken := m.uids[uid]; taken {
				return &ledger.ConsistencyError{PatientID: id, Message: "patient uid " + uid + " already in use"}
			}
		}
	}
	for id, st := range tx.staged {
		m.patients[id] = st
		if tx.created[id] && st.patient.UID != "" {
			m.uids[st.patient.UID] = id
		}
	}
	return nil
}

// view returns the transaction's state for id: staged if locked, else a
// committed copy.
func (tx *memTx) view(id ledger.PatientID) (*patientState, bool) {
	if st, ok := tx.staged[id]; ok {
		return st, true
	}
	return tx.parent.committed(id)
}

func (tx *memTx) writable(id ledger.PatientID) (*patientState, error) {
	st, ok := tx.staged[id]
	if !ok {
		return nil, &ledger.ConsistencyError{PatientID: id, Message: "patient is not locked in this transaction"}
	}
	return st, nil
}

func (tx *memTx) GetPatient(_ context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	st, ok := tx.view(id)
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "patient", ID: string(id)}
	}
	p := clonePatient(st.patient)
	return &p, nil
}

func (tx *memTx) CreatePatient(ctx context.Context, p ledger.Patient) error {
	if _, ok := tx.staged[p.ID]; ok {
		return &ledger.ConsistencyError{PatientID: p.ID, Message: "patient already exists"}
	}
	release, err := tx.parent.locks.Acquire(ctx, p.ID)
	if err != nil {
		return err
	}
	tx.releases = append(tx.releases, release)

	if _, exists := tx.parent.committed(p.ID); exists {
		return &ledger.ConsistencyError{PatientID: p.ID, Message: "patient already exists"}
	}
	tx.staged[p.ID] = &patientState{patient: clonePatient(p)}
	tx.created[p.ID] = true
	return nil
}

func (tx *memTx) LockPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	if st, ok := tx.staged[id]; ok {
		p := clonePatient(st.patient)
		return &p, nil
	}
	release, err := tx.parent.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	st, ok := tx.parent.committed(id)
	if !ok {
		release()
		return nil, &ledger.NotFoundError{Kind: "patient", ID: string(id)}
	}
	tx.releases = append(tx.releases, release)
	tx.staged[id] = st
	p := clonePatient(st.patient)
	return &p, nil
}

func (tx *memTx) UpdatePlan(_ context.Context, id ledger.PatientID, plan ledger.Plan) error {
	st, err := tx.writable(id)
	if err != nil {
		return err
	}
	st.patient.Plan = plan
	st.patient.Plan.End = nil
	if plan.End != nil {
		end := *plan.End
		st.patient.Plan.End = &end
	}
	st.patient.Cache.VisitsInPlan = 0
	return nil
}

func (tx *memTx) UpdateCache(_ context.Context, id ledger.PatientID, cache ledger.PlanCache) error {
	st, err := tx.writable(id)
	if err != nil {
		return err
	}
	st.patient.Cache = cache
	return nil
}

func (tx *memTx) UpdateStatus(_ context.Context, id ledger.PatientID, status ledger.PatientStatus) error {
	st, err := tx.writable(id)
	if err != nil {
		return err
	}
	st.patient.Status = status
	return nil
}

func (tx *memTx) ListPeriods(_ context.Context, id ledger.PatientID) ([]ledger.TreatmentPeriod, error) {
	st, ok := tx.view(id)
	if !ok {
		return nil, nil
	}
	return append([]ledger.TreatmentPeriod(nil), st.periods...), nil
}

func (tx *memTx) InsertPeriod(_ context.Context, p ledger.TreatmentPeriod) error {
	st, err := tx.writable(p.PatientID)
	if err != nil {
		return err
	}
	st.periods = append(st.periods, p)
	sort.SliceStable(st.periods, func(i, j int) bool {
		return st.periods[i].Start.Before(st.periods[j].Start)
	})
	return nil
}

func (tx *memTx) GetAttendance(_ context.Context, id ledger.PatientID, day ledger.Date) (*ledger.AttendanceRecord, error) {
	st, ok := tx.view(id)
	if !ok {
		return nil, nil
	}
	if i, found := findDay(st.attendance, day); found {
		rec := st.attendance[i]
		return &rec, nil
	}
	return nil, nil
}

func (tx *memTx) ListAttendance(_ context.Context, id ledger.PatientID) ([]ledger.AttendanceRecord, error) {
	st, ok := tx.view(id)
	if !ok {
		return nil, nil
	}
	return append([]ledger.AttendanceRecord(nil), st.attendance...), nil
}

func (tx *memTx) InsertAttendance(_ context.Context, rec ledger.AttendanceRecord) error {
	st, err := tx.writable(rec.PatientID)
	if err != nil {
		return err
	}
	i, found := findDay(st.attendance, rec.Date)
	if found {
		return &ledger.ConsistencyError{PatientID: rec.PatientID, Message: "attendance already recorded for " + rec.Date.String()}
	}
	st.attendance = append(st.attendance, ledger.AttendanceRecord{})
	copy(st.attendance[i+1:], st.attendance[i:])
	st.attendance[i] = rec
	return nil
}

func (tx *memTx) UpdateAttendance(_ context.Context, rec ledger.AttendanceRecord) error {
	st, err := tx.writable(rec.PatientID)
	if err != nil {
		return err
	}
	i, found := findDay(st.attendance, rec.Date)
	if !found {
		return &ledger.NotFoundError{Kind: "attendance", ID: string(rec.PatientID) + "/" + rec.Date.String()}
	}
	st.attendance[i].Status = rec.Status
	st.attendance[i].UpdatedAt = rec.UpdatedAt
	return nil
}

func (tx *memTx) ListPayments(_ context.Context, id ledger.PatientID) ([]ledger.Payment, error) {
	st, ok := tx.view(id)
	if !ok {
		return nil, nil
	}
	return append([]ledger.Payment(nil), st.payments...), nil
}

func (tx *memTx) AppendPayment(_ context.Context, p ledger.Payment) error {
	st, err := tx.writable(p.PatientID)
	if err != nil {
		return err
	}
	st.payments = append(st.payments, p)
	return nil
}

// findDay binary-searches the sorted records for day and returns the
// insertion point when absent.
func findDay(records []ledger.AttendanceRecord, day ledger.Date) (int, bool) {
	i := sort.Search(len(records), func(i int) bool {
		return !records[i].Date.Before(day)
	})
	return i, i < len(records) && records[i].Date.Equal(day)
}

var (
	_ ledger.Store            = (*Memory)(nil)
	_ ledger.MaintenanceStore = (*Memory)(nil)
	_ ledger.Tx               = (*memTx)(nil)
)
