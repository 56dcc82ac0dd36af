package ledger

import (
	"context"
	"fmt"
	"time"
)

// tokenSequence resets every day per branch.
const tokenSequence = "token"

// Token is the numbered slip handed to a patient at the front desk. It
// carries the balance figures printed on the receipt.
type Token struct {
	PatientID PatientID `json:"patient_id"`
	BranchID  BranchID  `json:"branch_id"`
	Date      Date      `json:"date"`
	Number    int64     `json:"number"`
	Label     string    `json:"label"`
	IssuedAt  time.Time `json:"issued_at"`
	Balance   Snapshot  `json:"balance"`
}

// IssueToken draws the next daily token number for the patient's branch.
// day defaults to today.
func (s *Service) IssueToken(ctx context.Context, id PatientID, day Date) (Token, error) {
	clock := s.w.opts.Clock
	if day.IsZero() {
		day = clock.Today()
	}
	patient, err := s.Store.GetPatient(ctx, id)
	if err != nil {
		return Token{}, err
	}
	n, err := s.Store.NextSequence(ctx, patient.BranchID, tokenSequence, day)
	if err != nil {
		return Token{}, fmt.Errorf("next token: %w", err)
	}
	snap, err := s.Engine.ComputeBalance(ctx, id)
	if err != nil {
		return Token{}, err
	}
	return Token{
		PatientID: id,
		BranchID:  patient.BranchID,
		Date:      day,
		Number:    n,
		Label:     fmt.Sprintf("%s-%s-%03d", patient.BranchID, day.Time.Format("20060102"), n),
		IssuedAt:  clock.Now(),
		Balance:   snap,
	}, nil
}
