package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-ledger/ledger"
)

// =============================================================================
// ATTENDANCE GATEWAY
// =============================================================================

func TestMarkAttendance_SameStatusTwiceIsNoop(t *testing.T) {
	svc, mem, _ := newTestService(t, "2024-01-05")
	ctx := context.Background()
	p := enroll(t, svc, perDaySpec(500), "2024-01-01", 0)

	first, err := svc.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-05"), ledger.AttendancePresent, nil)
	require.NoError(t, err)
	second, err := svc.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-05"), ledger.AttendancePresent, nil)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.True(t, first.Changed)
	assert.False(t, second.Created)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Snapshot, second.Snapshot)

	recs, err := mem.ListAttendance(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMarkAttendance_PendingThenPresentUpdatesInPlace(t *testing.T) {
	svc, mem, _ := newTestService(t, "2024-01-05")
	ctx := context.Background()
	p := enroll(t, svc, perDaySpec(500), "2024-01-01", 0)

	pending, err := svc.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-05"), ledger.AttendancePending, nil)
	require.NoError(t, err)
	assertMoney(t, "0", pending.Snapshot.TotalConsumed)

	done, err := svc.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-05"), ledger.AttendancePresent, nil)
	require.NoError(t, err)
	assert.False(t, done.Created)
	assert.True(t, done.Changed)
	assert.Equal(t, ledger.AttendancePresent, done.Record.Status)
	assertMoney(t, "500", done.Snapshot.TotalConsumed)

	recs, err := mem.ListAttendance(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.AttendancePresent, recs[0].Status)
}

func TestMarkAttendance_WithPayment(t *testing.T) {
	svc, mem, _ := newTestService(t, "2024-01-05")
	ctx := context.Background()
	p := enroll(t, svc, perDaySpec(500), "2024-01-01", 0)

	out, err := svc.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-04"), ledger.AttendancePresent,
		&ledger.PaymentInput{Amount: money(500), Method: "card"})
	require.NoError(t, err)

	require.NotNil(t, out.Payment)
	assert.Equal(t, ledger.PaymentAttendance, out.Payment.Kind)
	assert.Equal(t, "2024-01-04", out.Payment.PaidOn.String(), "paid on the attendance day")
	assertMoney(t, "0", out.Snapshot.EffectiveBalance)

	pays, err := mem.ListPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, pays, 1)
}

func TestMarkAttendance_ZeroPaymentSkipped(t *testing.T) {
	svc, mem, _ := newTestService(t, "2024-01-05")
	ctx := context.Background()
	p := enroll(t, svc, perDaySpec(500), "2024-01-01", 0)

	out, err := svc.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-05"), ledger.AttendancePresent,
		&ledger.PaymentInput{Amount: money(0)})
	require.NoError(t, err)
	assert.Nil(t, out.Payment)

	pays, err := mem.ListPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, pays)
}

func TestMarkAttendance_PaymentFailureRollsBackAttendance(t *testing.T) {
	svc, mem, clock := newTestService(t, "2024-01-05")
	ctx := context.Background()
	p := enroll(t, svc, perDaySpec(500), "2024-01-01", 0)
	faulty := ledger.NewService(&faultyStore{Store: mem, failPayment: true}, ledger.Options{Clock: clock})

	_, err := faulty.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-05"), ledger.AttendancePresent,
		&ledger.PaymentInput{Amount: money(500)})
	require.ErrorIs(t, err, errInjected)

	recs, err := mem.ListAttendance(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMarkAttendance_Validation(t *testing.T) {
	svc, mem, _ := newTestService(t, "2024-01-05")
	ctx := context.Background()
	p := enroll(t, svc, perDaySpec(500), "2024-01-01", 0)

	tests := []struct {
		name    string
		day     ledger.Date
		status  ledger.AttendanceStatus
		payment *ledger.PaymentInput
	}{
		{"unknown status", d("2024-01-05"), "late", nil},
		{"missing date", ledger.Date{}, ledger.AttendancePresent, nil},
		{"negative payment", d("2024-01-05"), ledger.AttendancePresent, &ledger.PaymentInput{Amount: money(-10)}},
		{"future date", d("2024-01-06"), ledger.AttendancePresent, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Attendance.MarkAttendance(ctx, p.ID, tt.day, tt.status, tt.payment)
			var ve *ledger.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}

	recs, err := mem.ListAttendance(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMarkAttendance_FutureDateAllowed(t *testing.T) {
	_, mem, clock := newTestService(t, "2024-01-05")
	svc := ledger.NewService(mem, ledger.Options{Clock: clock, AllowFutureDates: true})
	p := enroll(t, svc, perDaySpec(500), "2024-01-01", 0)

	out, err := svc.Attendance.MarkAttendance(context.Background(), p.ID, d("2024-01-09"), ledger.AttendancePresent, nil)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assertMoney(t, "500", out.Snapshot.TotalConsumed)
}

func TestMarkAttendance_PresentReactivatesPatient(t *testing.T) {
	// GIVEN: a patient the idle sweep has deactivated
	svc, mem, clock := newTestService(t, "2024-01-02")
	ctx := context.Background()
	p := enroll(t, svc, perDaySpec(500), "2024-01-01", 0)
	markPresent(t, svc, p.ID, "2024-01-02")
	n, err := mem.DeactivateIdle(ctx, d("2024-01-07"))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// WHEN: they are marked pending, then present
	clock.Set("2024-01-10")
	out, err := svc.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-10"), ledger.AttendancePending, nil)
	require.NoError(t, err)
	assert.False(t, out.Reactivated)
	assert.Equal(t, ledger.PatientInactive, mustPatient(t, mem, p.ID).Status)

	out, err = svc.Attendance.MarkAttendance(ctx, p.ID, d("2024-01-10"), ledger.AttendancePresent, nil)
	require.NoError(t, err)

	// THEN
	assert.True(t, out.Reactivated)
	assert.Equal(t, ledger.PatientActive, mustPatient(t, mem, p.ID).Status)

	active, err := mem.ListPatients(ctx, ledger.PatientFilter{Status: ledger.PatientActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p.ID, active[0].ID)
}

func TestMarkAttendance_UnknownPatient(t *testing.T) {
	svc, _, _ := newTestService(t, "2024-01-05")

	_, err := svc.Attendance.MarkAttendance(context.Background(), "ghost", d("2024-01-05"), ledger.AttendancePresent, nil)
	assert.True(t, ledger.IsNotFound(err))
}

func TestMarkAttendance_PackageScenario(t *testing.T) {
	// 10-day package at 5000, 2000 paid at enrollment
	svc, _, _ := newTestService(t, "2024-01-09")
	ctx := context.Background()
	p := enroll(t, svc, packageSpec(5000, 10), "2024-01-01", 2000)

	markPresent(t, svc, p.ID, "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05")
	snap, err := svc.ComputeBalance(ctx, p.ID)
	require.NoError(t, err)
	assertMoney(t, "2000", snap.TotalConsumed)
	assertMoney(t, "0", snap.DueAmount)

	markPresent(t, svc, p.ID, "2024-01-06")
	snap, err = svc.ComputeBalance(ctx, p.ID)
	require.NoError(t, err)
	assertMoney(t, "2500", snap.TotalConsumed)
	assertMoney(t, "-500", snap.EffectiveBalance)
	assertMoney(t, "500", snap.DueAmount)
}
