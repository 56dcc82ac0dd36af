package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) ledger.Date { return ledger.MustParseDate(s) }

func dp(s string) *ledger.Date {
	v := d(s)
	return &v
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func packagePlan(cost int64, days int, start string) ledger.Plan {
	plan := ledger.Plan{
		Rate:  ledger.Rate{Model: ledger.ModelPackage, PackageCost: money(cost), PackageDays: days},
		Start: d(start),
	}
	if days > 0 {
		end := d(start).AddDays(days - 1)
		plan.End = &end
	}
	return plan
}

func perDayPlan(rate int64, start string) ledger.Plan {
	return ledger.Plan{
		Rate:  ledger.Rate{Model: ledger.ModelPerDay, DayRate: money(rate)},
		Start: d(start),
	}
}

func present(id ledger.PatientID, days ...string) []ledger.AttendanceRecord {
	recs := make([]ledger.AttendanceRecord, 0, len(days))
	for _, s := range days {
		recs = append(recs, ledger.AttendanceRecord{PatientID: id, Date: d(s), Status: ledger.AttendancePresent})
	}
	return recs
}

func paid(id ledger.PatientID, amounts ...int64) []ledger.Payment {
	pays := make([]ledger.Payment, 0, len(amounts))
	for _, a := range amounts {
		pays = append(pays, ledger.Payment{PatientID: id, Amount: money(a)})
	}
	return pays
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestReconcile_PackageFullyPaid(t *testing.T) {
	// GIVEN: 10-day package at 5000 (500/day), four present days, 2000 paid
	p := ledger.Patient{ID: "p1", Plan: packagePlan(5000, 10, "2024-01-01")}
	att := present("p1", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05")

	// WHEN
	snap := ledger.Reconcile(p, nil, att, paid("p1", 2000))

	// THEN: consumption matches payment exactly
	assertMoney(t, "2000", snap.TotalPaid)
	assertMoney(t, "2000", snap.TotalConsumed)
	assertMoney(t, "0", snap.EffectiveBalance)
	assertMoney(t, "0", snap.DueAmount)
	assert.Equal(t, 4, snap.VisitsInActivePeriod)
}

func TestReconcile_PackageFifthDayCreatesDue(t *testing.T) {
	p := ledger.Patient{ID: "p1", Plan: packagePlan(5000, 10, "2024-01-01")}
	att := present("p1", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-06")

	snap := ledger.Reconcile(p, nil, att, paid("p1", 2000))

	assertMoney(t, "2500", snap.TotalConsumed)
	assertMoney(t, "-500", snap.EffectiveBalance)
	assertMoney(t, "500", snap.DueAmount)
}

func TestReconcile_ClosedPeriodKeepsItsRate(t *testing.T) {
	// GIVEN: five days on 500/day, then a 600/day plan with three days
	p := ledger.Patient{ID: "p1", Plan: perDayPlan(600, "2024-01-06")}
	periods := []ledger.TreatmentPeriod{{
		PatientID: "p1",
		Rate:      ledger.Rate{Model: ledger.ModelPerDay, DayRate: money(500)},
		Start:     d("2024-01-01"),
		End:       d("2024-01-06"),
	}}
	att := present("p1",
		"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05",
		"2024-01-06", "2024-01-07", "2024-01-08")

	snap := ledger.Reconcile(p, periods, att, nil)

	assertMoney(t, "4300", snap.TotalConsumed)
	require.Len(t, snap.Lines, 2)
	assert.False(t, snap.Lines[0].Active)
	assert.Equal(t, 5, snap.Lines[0].Visits)
	assertMoney(t, "2500", snap.Lines[0].Amount)
	assert.True(t, snap.Lines[1].Active)
	assert.Equal(t, 3, snap.Lines[1].Visits)
	assertMoney(t, "1800", snap.Lines[1].Amount)
	assert.Equal(t, 3, snap.VisitsInActivePeriod)
}

func TestReconcile_GapAttendanceExcluded(t *testing.T) {
	// GIVEN: closed period [01-01, 01-05), active plan from 01-08
	p := ledger.Patient{ID: "p1", Plan: perDayPlan(100, "2024-01-08")}
	periods := []ledger.TreatmentPeriod{{
		PatientID: "p1",
		Rate:      ledger.Rate{Model: ledger.ModelPerDay, DayRate: money(100)},
		Start:     d("2024-01-01"),
		End:       d("2024-01-05"),
	}}
	// 01-05 and 01-06 fall in the gap
	att := present("p1", "2024-01-02", "2024-01-05", "2024-01-06", "2024-01-09")

	snap := ledger.Reconcile(p, periods, att, nil)

	assertMoney(t, "200", snap.TotalConsumed)
	assert.Equal(t, 1, snap.VisitsInActivePeriod)
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestReconcile_NoHistory(t *testing.T) {
	p := ledger.Patient{ID: "p1", Plan: perDayPlan(100, "2024-01-01")}

	snap := ledger.Reconcile(p, nil, nil, nil)

	assertMoney(t, "0", snap.TotalPaid)
	assertMoney(t, "0", snap.TotalConsumed)
	assertMoney(t, "0", snap.EffectiveBalance)
	assertMoney(t, "0", snap.DueAmount)
	assert.Equal(t, 0, snap.VisitsInActivePeriod)
}

func TestReconcile_ZeroDayPackageChargesNothing(t *testing.T) {
	p := ledger.Patient{ID: "p1", Plan: ledger.Plan{
		Rate:  ledger.Rate{Model: ledger.ModelPackage, PackageCost: money(5000), PackageDays: 0},
		Start: d("2024-01-01"),
	}}

	snap := ledger.Reconcile(p, nil, present("p1", "2024-01-02"), nil)

	assertMoney(t, "0", snap.TotalConsumed)
	assert.Equal(t, 1, snap.VisitsInActivePeriod)
}

func TestReconcile_OnlyPresentDaysCount(t *testing.T) {
	p := ledger.Patient{ID: "p1", Plan: perDayPlan(100, "2024-01-01")}
	att := []ledger.AttendanceRecord{
		{PatientID: "p1", Date: d("2024-01-02"), Status: ledger.AttendancePresent},
		{PatientID: "p1", Date: d("2024-01-03"), Status: ledger.AttendancePending},
		{PatientID: "p1", Date: d("2024-01-04"), Status: ledger.AttendanceAbsent},
	}

	snap := ledger.Reconcile(p, nil, att, nil)

	assertMoney(t, "100", snap.TotalConsumed)
}

func TestReconcile_ActivePlanEndIsExclusive(t *testing.T) {
	// 3-day package from 01-01 ends 01-03; while active the end day is outside
	// the window, it is billed once the plan is closed
	p := ledger.Patient{ID: "p1", Plan: packagePlan(300, 3, "2024-01-01")}

	snap := ledger.Reconcile(p, nil, present("p1", "2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04"), nil)

	assert.Equal(t, 2, snap.VisitsInActivePeriod)
	assertMoney(t, "200", snap.TotalConsumed)
}

func TestReconcile_AttendanceBeforePlanStartIgnored(t *testing.T) {
	p := ledger.Patient{ID: "p1", Plan: perDayPlan(100, "2024-02-01")}

	snap := ledger.Reconcile(p, nil, present("p1", "2024-01-31", "2024-02-01"), nil)

	assertMoney(t, "100", snap.TotalConsumed)
}

func TestReconcile_RoundsPerEpoch(t *testing.T) {
	// 1000 over 3 days = 333.333... per day
	p := ledger.Patient{ID: "p1", Plan: packagePlan(1000, 3, "2024-01-01")}

	snap := ledger.Reconcile(p, nil, present("p1", "2024-01-01"), nil)

	assertMoney(t, "333.33", snap.TotalConsumed)
	assertMoney(t, "333.33", snap.DueAmount)
}

func TestReconcile_BalanceInvariant(t *testing.T) {
	tests := []struct {
		name     string
		payments []int64
		days     []string
	}{
		{"overpaid", []int64{1000, 500}, []string{"2024-01-02"}},
		{"underpaid", []int64{100}, []string{"2024-01-02", "2024-01-03", "2024-01-04"}},
		{"nothing paid", nil, []string{"2024-01-02"}},
		{"nothing attended", []int64{250}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ledger.Patient{ID: "p1", Plan: perDayPlan(350, "2024-01-01")}
			snap := ledger.Reconcile(p, nil, present("p1", tt.days...), paid("p1", tt.payments...))

			assert.True(t, snap.EffectiveBalance.Equal(snap.TotalPaid.Sub(snap.TotalConsumed)))
			if snap.EffectiveBalance.IsNegative() {
				assert.True(t, snap.DueAmount.Equal(snap.EffectiveBalance.Neg()))
			} else {
				assert.True(t, snap.DueAmount.IsZero())
			}
		})
	}
}

func TestReconcile_Deterministic(t *testing.T) {
	p := ledger.Patient{ID: "p1", Plan: packagePlan(5000, 10, "2024-01-01")}
	att := present("p1", "2024-01-02", "2024-01-03")
	pays := paid("p1", 700)

	first := ledger.Reconcile(p, nil, att, pays)
	second := ledger.Reconcile(p, nil, att, pays)

	assert.Equal(t, first, second)
}

func TestRate_PerDay(t *testing.T) {
	tests := []struct {
		name string
		rate ledger.Rate
		want string
	}{
		{"package", ledger.Rate{Model: ledger.ModelPackage, PackageCost: money(5000), PackageDays: 10}, "500"},
		{"package zero days", ledger.Rate{Model: ledger.ModelPackage, PackageCost: money(5000)}, "0"},
		{"per day", ledger.Rate{Model: ledger.ModelPerDay, DayRate: money(650)}, "650"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertMoney(t, tt.want, tt.rate.PerDay())
		})
	}
}
