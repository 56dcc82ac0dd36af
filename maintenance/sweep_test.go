package maintenance_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-ledger/ledger"
	"github.com/warp/clinic-ledger/ledger/store"
	"github.com/warp/clinic-ledger/maintenance"
)

func day(s string) ledger.Date { return ledger.MustParseDate(s) }

type fixture struct {
	mem *store.Memory
	svc *ledger.Service
}

func newFixture(today string) fixture {
	mem := store.NewMemory()
	svc := ledger.NewService(mem, ledger.Options{
		Clock: ledger.FixedClock{At: day(today).Time.Add(10 * time.Hour)},
	})
	return fixture{mem: mem, svc: svc}
}

func (f fixture) enroll(t *testing.T, name, start string, attended ...string) ledger.PatientID {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Enroll(ctx, ledger.EnrollInput{
		BranchID: "north",
		Name:     name,
		Plan:     ledger.PlanSpec{Model: ledger.ModelPerDay, DayRate: decimal.NewFromInt(500)},
		Start:    day(start),
	})
	require.NoError(t, err)
	for _, d := range attended {
		_, err := f.svc.Attendance.MarkAttendance(ctx, res.Patient.ID, day(d), ledger.AttendancePending, nil)
		require.NoError(t, err)
	}
	return res.Patient.ID
}

func status(t *testing.T, f fixture, id ledger.PatientID) ledger.PatientStatus {
	t.Helper()
	p, err := f.mem.GetPatient(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func TestSweeper_DeactivatesIdlePatients(t *testing.T) {
	// GIVEN: today 01-10, idle window 3 days => cutoff 01-07
	f := newFixture("2024-01-10")
	idle := f.enroll(t, "Idle", "2024-01-01", "2024-01-02")
	recent := f.enroll(t, "Recent", "2024-01-01", "2024-01-07")
	fresh := f.enroll(t, "Fresh", "2024-01-08")

	sweeper := maintenance.NewSweeper(f.mem, 3, zerolog.Nop())

	// WHEN
	res, err := sweeper.Run(context.Background(), day("2024-01-10"))

	// THEN
	require.NoError(t, err)
	assert.True(t, res.Claimed)
	assert.Equal(t, "2024-01-07", res.Cutoff.String())
	assert.Equal(t, int64(1), res.Deactivated)

	assert.Equal(t, ledger.PatientInactive, status(t, f, idle))
	assert.Equal(t, ledger.PatientActive, status(t, f, recent), "attendance on the cutoff day counts")
	assert.Equal(t, ledger.PatientActive, status(t, f, fresh), "plan started after the cutoff")
}

func TestSweeper_RunsOncePerDay(t *testing.T) {
	f := newFixture("2024-01-10")
	f.enroll(t, "Idle", "2024-01-01")
	sweeper := maintenance.NewSweeper(f.mem, 3, zerolog.Nop())
	ctx := context.Background()

	first, err := sweeper.Run(ctx, day("2024-01-10"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Deactivated)

	// Another patient goes idle, but today's run is already claimed.
	f.enroll(t, "Late", "2024-01-02")
	second, err := sweeper.Run(ctx, day("2024-01-10"))
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.Zero(t, second.Deactivated)

	third, err := sweeper.Run(ctx, day("2024-01-11"))
	require.NoError(t, err)
	assert.True(t, third.Claimed)
	assert.Equal(t, int64(1), third.Deactivated)
}

func TestSweeper_DefaultIdleDays(t *testing.T) {
	f := newFixture("2024-01-10")
	sweeper := maintenance.NewSweeper(f.mem, 0, zerolog.Nop())

	res, err := sweeper.Run(context.Background(), day("2024-01-10"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-10").AddDays(-maintenance.DefaultIdleDays), res.Cutoff)
}

func TestScheduler_RunNowUsesClock(t *testing.T) {
	f := newFixture("2024-01-10")
	id := f.enroll(t, "Idle", "2024-01-01")
	clock := ledger.FixedClock{At: day("2024-01-10").Time.Add(2 * time.Hour)}

	s := maintenance.NewScheduler(maintenance.NewSweeper(f.mem, 3, zerolog.Nop()), clock, "", zerolog.Nop())
	assert.Equal(t, maintenance.DefaultSweepAt, s.At)
	assert.True(t, s.NextRun().IsZero())

	s.RunNow()
	assert.Equal(t, ledger.PatientInactive, status(t, f, id))
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture("2024-01-10")
	clock := ledger.FixedClock{At: day("2024-01-10").Time}
	s := maintenance.NewScheduler(maintenance.NewSweeper(f.mem, 3, zerolog.Nop()), clock, "03:30", zerolog.Nop())

	require.NoError(t, s.Start(time.UTC))
	require.NoError(t, s.Start(time.UTC), "second start is a no-op")
	assert.False(t, s.NextRun().IsZero())

	s.Stop()
	assert.True(t, s.NextRun().IsZero())
}

func TestScheduler_RejectsBadTime(t *testing.T) {
	f := newFixture("2024-01-10")
	s := maintenance.NewScheduler(maintenance.NewSweeper(f.mem, 3, zerolog.Nop()), ledger.SystemClock{}, "25:99", zerolog.Nop())
	assert.Error(t, s.Start(time.UTC))
}
