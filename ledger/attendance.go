/*
attendance.go - One attendance outcome per patient per day

INVARIANT:
  At most one AttendanceRecord per (PatientID, Date).

CONTRACT:
  - No record for the day: insert
  - Record exists with another status: update in place (pending -> present
    is the common case)
  - Record exists with the same status: no-op, still success
  - Optional payment (> 0): appended in the SAME transaction, so the
    attendance write and its collection commit or fail together
  - A present mark on an inactive patient sets them back to active

FUTURE DATES:
  Accepted unless Options.AllowFutureDates is false. Every accepted
  future-dated mark is logged as a warning.
*/
package ledger

import "context"

// AttendanceGateway records attendance, optionally with a payment.
type AttendanceGateway struct {
	w *writer
}

// AttendanceOutcome reports what MarkAttendance did.
type AttendanceOutcome struct {
	Record  AttendanceRecord
	Created bool
	Changed bool // false for an idempotent repeat
	// Reactivated is true when a present mark brought an inactive patient back.
	Reactivated bool
	Payment     *Payment // nil when no payment was collected
	Snapshot    Snapshot
}

// MarkAttendance records status for (id, day). payment may be nil.
func (g *AttendanceGateway) MarkAttendance(ctx context.Context, id PatientID, day Date, status AttendanceStatus, payment *PaymentInput) (AttendanceOutcome, error) {
	if !status.Valid() {
		return AttendanceOutcome{}, invalid("status", "unknown attendance status %q", status)
	}
	if day.IsZero() {
		return AttendanceOutcome{}, invalid("date", "is required")
	}
	if payment != nil {
		if err := payment.validate(false); err != nil {
			return AttendanceOutcome{}, err
		}
	}

	clock := g.w.opts.Clock
	future := day.After(clock.Today())
	if future && !g.w.opts.AllowFutureDates {
		return AttendanceOutcome{}, invalid("date", "%s is in the future", day)
	}

	var out AttendanceOutcome
	snap, err := g.w.withPatient(ctx, id, func(tx Tx, patient *Patient) error {
		out = AttendanceOutcome{}
		now := clock.Now()

		existing, err := tx.GetAttendance(ctx, id, day)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			rec := AttendanceRecord{PatientID: id, Date: day, Status: status, CreatedAt: now, UpdatedAt: now}
			if err := tx.InsertAttendance(ctx, rec); err != nil {
				return err
			}
			out.Record, out.Created, out.Changed = rec, true, true
		case existing.Status != status:
			rec := *existing
			rec.Status = status
			rec.UpdatedAt = now
			if err := tx.UpdateAttendance(ctx, rec); err != nil {
				return err
			}
			out.Record, out.Changed = rec, true
		default:
			out.Record = *existing
		}

		if status == AttendancePresent && patient.Status == PatientInactive {
			if err := tx.UpdateStatus(ctx, id, PatientActive); err != nil {
				return err
			}
			out.Reactivated = true
		}

		if payment != nil && payment.Amount.IsPositive() {
			p := payment.toPayment(id, PaymentAttendance, clock)
			if payment.PaidOn.IsZero() {
				p.PaidOn = day
			}
			if err := tx.AppendPayment(ctx, p); err != nil {
				return err
			}
			out.Payment = &p
		}
		return nil
	})
	if err != nil {
		return AttendanceOutcome{}, err
	}
	out.Snapshot = snap

	if future {
		g.w.opts.Logger.Warn().
			Str("patient_id", string(id)).
			Str("date", day.String()).
			Msg("attendance marked for a future date")
	}
	g.w.opts.Logger.Debug().
		Str("patient_id", string(id)).
		Str("date", day.String()).
		Str("status", string(status)).
		Bool("changed", out.Changed).
		Bool("reactivated", out.Reactivated).
		Msg("attendance marked")
	return out, nil
}
