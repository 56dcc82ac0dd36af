package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-ledger/ledger"
	"github.com/warp/clinic-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func day(s string) ledger.Date { return ledger.MustParseDate(s) }

func clockAt(s string) ledger.FixedClock {
	return ledger.FixedClock{At: day(s).Time.Add(9 * time.Hour)}
}

func newTestService(t *testing.T, store *sqlite.Store, today string) *ledger.Service {
	t.Helper()
	return ledger.NewService(store, ledger.Options{Clock: clockAt(today)})
}

func enrollPerDay(t *testing.T, svc *ledger.Service, rate int64, start string, payment int64) ledger.Patient {
	t.Helper()
	return enrollPlan(t, svc, ledger.PlanSpec{Model: ledger.ModelPerDay, DayRate: decimal.NewFromInt(rate)}, start, payment)
}

func enrollPlan(t *testing.T, svc *ledger.Service, spec ledger.PlanSpec, start string, payment int64) ledger.Patient {
	t.Helper()
	in := ledger.EnrollInput{
		BranchID: "north",
		Name:     "Ravi",
		Plan:     spec,
		Start:    day(start),
	}
	if payment > 0 {
		in.Payment = &ledger.PaymentInput{Amount: decimal.NewFromInt(payment), Remarks: "registration"}
	}
	res, err := svc.Enroll(context.Background(), in)
	require.NoError(t, err)
	return res.Patient
}

// =============================================================================
// ROUND TRIP THROUGH THE SERVICE
// =============================================================================

func TestSQLite_PlanChangeScenario(t *testing.T) {
	// GIVEN: five days at 500/day
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store, "2024-01-05")
	p := enrollPerDay(t, svc, 500, "2024-01-01", 1000)
	for _, s := range []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"} {
		_, err := svc.Attendance.MarkAttendance(ctx, p.ID, day(s), ledger.AttendancePresent, nil)
		require.NoError(t, err)
	}

	// WHEN: moving to 600/day on 01-06 and attending three more days
	svc = newTestService(t, store, "2024-01-06")
	_, err := svc.Plans.ChangePlan(ctx, p.ID, ledger.PlanSpec{Model: ledger.ModelPerDay, DayRate: decimal.NewFromInt(600)}, nil)
	require.NoError(t, err)
	svc = newTestService(t, store, "2024-01-08")
	for _, s := range []string{"2024-01-06", "2024-01-07", "2024-01-08"} {
		_, err := svc.Attendance.MarkAttendance(ctx, p.ID, day(s), ledger.AttendancePresent, nil)
		require.NoError(t, err)
	}

	// THEN
	snap, err := svc.ComputeBalance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4300).Equal(snap.TotalConsumed), "consumed %s", snap.TotalConsumed)
	assert.True(t, decimal.NewFromInt(3300).Equal(snap.DueAmount), "due %s", snap.DueAmount)

	periods, err := store.ListPeriods(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, "2024-01-01", periods[0].Start.String())
	assert.Equal(t, "2024-01-06", periods[0].End.String())
	assert.True(t, decimal.NewFromInt(500).Equal(periods[0].DayRate))

	got, err := store.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-06", got.Plan.Start.String())
	assert.Nil(t, got.Plan.End)
	assert.Equal(t, 3, got.Cache.VisitsInPlan)
	assert.True(t, decimal.NewFromInt(3300).Equal(got.Cache.DueAmount))
}

func TestSQLite_FullyAttendedPackageBillsItsCost(t *testing.T) {
	tests := []struct {
		name string
		cost int64
		days int
		end  string
	}{
		{"one day", 500, 1, "2024-01-02"},
		{"ten days", 5000, 10, "2024-01-11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			ctx := context.Background()
			spec := ledger.PlanSpec{Model: ledger.ModelPackage, PackageCost: decimal.NewFromInt(tt.cost), PackageDays: tt.days}
			p := enrollPlan(t, newTestService(t, store, "2024-01-01"), spec, "2024-01-01", 0)
			for i := 0; i < tt.days; i++ {
				d := day("2024-01-01").AddDays(i)
				svc := newTestService(t, store, d.String())
				_, err := svc.Attendance.MarkAttendance(ctx, p.ID, d, ledger.AttendancePresent, nil)
				require.NoError(t, err)
			}

			svc := newTestService(t, store, "2024-01-20")
			res, err := svc.Plans.ChangePlan(ctx, p.ID, ledger.PlanSpec{Model: ledger.ModelPerDay, DayRate: decimal.NewFromInt(100)}, nil)
			require.NoError(t, err)

			periods, err := store.ListPeriods(ctx, p.ID)
			require.NoError(t, err)
			require.Len(t, periods, 1)
			assert.Equal(t, tt.end, periods[0].End.String())
			assert.True(t, decimal.NewFromInt(tt.cost).Equal(res.Snapshot.TotalConsumed), "consumed %s", res.Snapshot.TotalConsumed)

			snap, err := svc.ComputeBalance(ctx, p.ID)
			require.NoError(t, err)
			assert.True(t, decimal.NewFromInt(tt.cost).Equal(snap.TotalConsumed), "consumed %s", snap.TotalConsumed)
		})
	}
}

func TestSQLite_PaymentsOrderedByCreationTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := enrollPerDay(t, newTestService(t, store, "2024-01-01"), 500, "2024-01-01", 0)

	// Inserted out of order; the later one has a fractional second.
	at := day("2024-01-01").Time.Add(10 * time.Hour)
	later := ledger.Payment{ID: "pay-later", PatientID: p.ID, Amount: decimal.NewFromInt(200), Method: "cash",
		Kind: ledger.PaymentCollection, PaidOn: day("2024-01-01"), CreatedAt: at.Add(100 * time.Millisecond)}
	earlier := ledger.Payment{ID: "pay-earlier", PatientID: p.ID, Amount: decimal.NewFromInt(100), Method: "cash",
		Kind: ledger.PaymentCollection, PaidOn: day("2024-01-01"), CreatedAt: at}
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.AppendPayment(ctx, later); err != nil {
			return err
		}
		return tx.AppendPayment(ctx, earlier)
	})
	require.NoError(t, err)

	pays, err := store.ListPayments(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, pays, 2)
	assert.Equal(t, ledger.PaymentID("pay-earlier"), pays[0].ID)
	assert.Equal(t, ledger.PaymentID("pay-later"), pays[1].ID)
	assert.True(t, at.Equal(pays[0].CreatedAt))
	assert.True(t, at.Add(100*time.Millisecond).Equal(pays[1].CreatedAt))
}

func TestSQLite_PresentAttendanceReactivates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := enrollPerDay(t, newTestService(t, store, "2024-01-01"), 500, "2024-01-01", 0)
	n, err := store.DeactivateIdle(ctx, day("2024-01-07"))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	out, err := newTestService(t, store, "2024-01-10").Attendance.MarkAttendance(ctx, p.ID, day("2024-01-10"), ledger.AttendancePresent, nil)
	require.NoError(t, err)
	assert.True(t, out.Reactivated)

	got, err := store.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PatientActive, got.Status)
}

func TestSQLite_PatientRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store, "2024-01-01")

	res, err := svc.Enroll(ctx, ledger.EnrollInput{
		BranchID: "south",
		Name:     "Meera",
		Plan: ledger.PlanSpec{
			Model:           ledger.ModelPackage,
			PackageCost:     decimal.RequireFromString("4999.50"),
			PackageDays:     7,
			DiscountPercent: decimal.NewFromInt(10),
		},
	})
	require.NoError(t, err)

	got, err := store.GetPatient(ctx, res.Patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "P-south-00001", got.UID)
	assert.Equal(t, ledger.ModelPackage, got.Plan.Model)
	assert.True(t, decimal.RequireFromString("4999.50").Equal(got.Plan.PackageCost))
	assert.Equal(t, 7, got.Plan.PackageDays)
	assert.True(t, decimal.NewFromInt(10).Equal(got.Plan.DiscountPercent))
	require.NotNil(t, got.Plan.End)
	assert.Equal(t, "2024-01-07", got.Plan.End.String())
	assert.True(t, clockAt("2024-01-01").Now().Equal(got.EnrolledAt))
}

func TestSQLite_GetPatientNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPatient(context.Background(), "ghost")
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store, "2024-01-05")
	p := enrollPerDay(t, svc, 500, "2024-01-01", 0)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockPatient(ctx, p.ID); err != nil {
			return err
		}
		if err := tx.InsertPeriod(ctx, ledger.TreatmentPeriod{
			ID: "tp1", PatientID: p.ID,
			Rate:  ledger.Rate{Model: ledger.ModelPerDay, DayRate: decimal.NewFromInt(500)},
			Start: day("2024-01-01"), End: day("2024-01-05"), ClosedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.AppendPayment(ctx, ledger.Payment{
			ID: "pay1", PatientID: p.ID, Amount: decimal.NewFromInt(100),
			Method: "cash", Kind: ledger.PaymentCollection, PaidOn: day("2024-01-05"), CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	periods, err := store.ListPeriods(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, periods)
	pays, err := store.ListPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, pays)
}

func TestSQLite_DuplicateAttendanceIsConsistencyError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store, "2024-01-05")
	p := enrollPerDay(t, svc, 500, "2024-01-01", 0)

	rec := ledger.AttendanceRecord{PatientID: p.ID, Date: day("2024-01-03"), Status: ledger.AttendancePresent,
		CreatedAt: time.Now(), UpdatedAt: time.Now()}
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertAttendance(ctx, rec); err != nil {
			return err
		}
		return tx.InsertAttendance(ctx, rec)
	})
	assert.ErrorIs(t, err, ledger.ErrConsistency)
}

func TestSQLite_PeriodMustNotEndBeforeStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store, "2024-01-05")
	p := enrollPerDay(t, svc, 500, "2024-01-01", 0)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertPeriod(ctx, ledger.TreatmentPeriod{
			ID: "tp1", PatientID: p.ID, Rate: ledger.Rate{Model: ledger.ModelPerDay},
			Start: day("2024-01-05"), End: day("2024-01-01"), ClosedAt: time.Now(),
		})
	})
	assert.ErrorIs(t, err, ledger.ErrConsistency)
}

func TestSQLite_LockWaitTimesOut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed := newTestService(t, store, "2024-01-05")
	p := enrollPerDay(t, seed, 500, "2024-01-01", 0)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.LockPatient(ctx, p.ID)
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	svc := ledger.NewService(store, ledger.Options{Clock: clockAt("2024-01-05"), LockTimeout: 50 * time.Millisecond})
	_, err := svc.Attendance.MarkAttendance(ctx, p.ID, day("2024-01-05"), ledger.AttendancePresent, nil)
	assert.True(t, ledger.IsRetryable(err), "got %v", err)

	close(release)
	<-done
}

// =============================================================================
// SEQUENCES AND MAINTENANCE
// =============================================================================

func TestSQLite_NextSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.NextSequence(ctx, "north", "token", day("2024-01-05"))
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := store.NextSequence(ctx, "north", "token", day("2024-01-06"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.NextSequence(ctx, "north", "patient_uid", ledger.Date{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_ClaimRunOncePerDay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.ClaimRun(ctx, "deactivate_idle", day("2024-01-05"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimRun(ctx, "deactivate_idle", day("2024-01-05"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ClaimRun(ctx, "deactivate_idle", day("2024-01-04"))
	require.NoError(t, err)
	assert.False(t, ok, "an older day never wins")

	ok, err = store.ClaimRun(ctx, "deactivate_idle", day("2024-01-06"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_DeactivateIdle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store, "2024-01-10")
	idle := enrollPerDay(t, svc, 500, "2024-01-01", 0)
	busy := enrollPerDay(t, svc, 500, "2024-01-01", 0)
	fresh := enrollPerDay(t, svc, 500, "2024-01-09", 0)

	_, err := svc.Attendance.MarkAttendance(ctx, busy.ID, day("2024-01-08"), ledger.AttendanceAbsent, nil)
	require.NoError(t, err)

	n, err := store.DeactivateIdle(ctx, day("2024-01-07"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	inactive, err := store.ListPatients(ctx, ledger.PatientFilter{Status: ledger.PatientInactive})
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, idle.ID, inactive[0].ID)

	active, err := store.ListPatients(ctx, ledger.PatientFilter{BranchID: "north", Status: ledger.PatientActive})
	require.NoError(t, err)
	var ids []ledger.PatientID
	for _, p := range active {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []ledger.PatientID{busy.ID, fresh.ID}, ids)
}
