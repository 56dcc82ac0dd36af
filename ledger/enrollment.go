package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// uidSequence is the never-resetting per-branch patient counter.
const uidSequence = "patient_uid"

// EnrollInput registers a patient with an initial plan.
type EnrollInput struct {
	BranchID BranchID
	Name     string
	Plan     PlanSpec
	Start    Date          // zero = today
	Payment  *PaymentInput // optional registration payment
}

type EnrollResult struct {
	Patient  Patient
	Payment  *Payment
	Snapshot Snapshot
}

// Enroll creates the patient, its active plan and the registration payment
// in one transaction.
func (s *Service) Enroll(ctx context.Context, in EnrollInput) (EnrollResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return EnrollResult{}, invalid("name", "is required")
	}
	if in.BranchID == "" {
		return EnrollResult{}, invalid("branch_id", "is required")
	}
	if err := in.Plan.Validate(); err != nil {
		return EnrollResult{}, err
	}
	if in.Payment != nil {
		if err := in.Payment.validate(false); err != nil {
			return EnrollResult{}, err
		}
	}

	clock := s.w.opts.Clock
	start := in.Start
	if start.IsZero() {
		start = clock.Today()
	}

	// Drawn outside the transaction: a rolled-back enrollment leaves a gap
	// in the UID sequence, never a duplicate.
	n, err := s.Store.NextSequence(ctx, in.BranchID, uidSequence, Date{})
	if err != nil {
		return EnrollResult{}, fmt.Errorf("next patient uid: %w", err)
	}

	patient := Patient{
		ID:         PatientID(uuid.NewString()),
		UID:        fmt.Sprintf("P-%s-%05d", in.BranchID, n),
		BranchID:   in.BranchID,
		Name:       in.Name,
		Status:     PatientActive,
		Plan:       in.Plan.PlanFrom(start),
		EnrolledAt: clock.Now(),
	}

	var out EnrollResult
	ctx, cancel := context.WithTimeout(ctx, s.w.opts.LockTimeout)
	defer cancel()
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		out = EnrollResult{}
		if err := tx.CreatePatient(ctx, patient); err != nil {
			return err
		}
		if _, err := tx.LockPatient(ctx, patient.ID); err != nil {
			return err
		}
		if in.Payment != nil && in.Payment.Amount.IsPositive() {
			pay := in.Payment.toPayment(patient.ID, PaymentRegistration, clock)
			if err := tx.AppendPayment(ctx, pay); err != nil {
				return err
			}
			out.Payment = &pay
		}
		snap, err := refreshCache(ctx, tx, patient.ID, clock.Now())
		if err != nil {
			return err
		}
		out.Snapshot = snap
		return nil
	})
	if err != nil {
		return EnrollResult{}, asConcurrency(ctx, patient.ID, err)
	}

	stored, err := s.Store.GetPatient(ctx, patient.ID)
	if err != nil {
		return EnrollResult{}, err
	}
	out.Patient = *stored

	s.w.opts.Logger.Info().
		Str("patient_id", string(patient.ID)).
		Str("uid", patient.UID).
		Str("branch_id", string(patient.BranchID)).
		Str("model", string(patient.Plan.Model)).
		Msg("patient enrolled")
	return out, nil
}
