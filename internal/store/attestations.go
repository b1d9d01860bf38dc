package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Attestation is a signed in-toto/SLSA-style provenance record for one
// completed step: subject digest + statement + signature.
type Attestation struct {
	ID            string
	StepID        string
	TicketID      string
	SubjectDigest string
	Statement     string // JSON in-toto statement
	Signature     string // JSON envelope: {keyid, sig}
	CreatedAt     int64
}

const attestationCols = `id, step_id, ticket_id, subject_digest, statement, signature, created_at`

func scanAttestation(row interface{ Scan(...any) error }) (Attestation, error) {
	var a Attestation
	err := row.Scan(&a.ID, &a.StepID, &a.TicketID, &a.SubjectDigest, &a.Statement, &a.Signature, &a.CreatedAt)
	return a, err
}

// CreateAttestation records a signed attestation for a step and emits an
// attestation.created event; this is the only write path for the testable
// property "every completed step has at least one attestation".
func (t *Tx) CreateAttestation(a Attestation) error {
	_, err := t.tx.Exec(
		`INSERT INTO attestations (`+attestationCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StepID, a.TicketID, a.SubjectDigest, a.Statement, a.Signature, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create attestation %s: %w", a.ID, err)
	}
	return t.Event("provenance", "attestation.created", []byte(fmt.Sprintf(`{"attestation_id":%q,"step_id":%q}`, a.ID, a.StepID)))
}

// GetAttestation loads an attestation by id.
func (s *Store) GetAttestation(ctx context.Context, id string) (Attestation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attestationCols+` FROM attestations WHERE id = ?`, id)
	a, err := scanAttestation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Attestation{}, ErrNotFound
	}
	if err != nil {
		return Attestation{}, fmt.Errorf("store: get attestation %s: %w", id, err)
	}
	return a, nil
}

// AttestationsByStep returns all attestations recorded for a step.
func (s *Store) AttestationsByStep(ctx context.Context, stepID string) ([]Attestation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attestationCols+` FROM attestations WHERE step_id = ? ORDER BY created_at ASC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("store: attestations for step %s: %w", stepID, err)
	}
	defer rows.Close()

	var out []Attestation
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan attestation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HasAttestation reports whether a step has at least one attestation, used
// to enforce the "done implies attested" invariant before a step leaves the
// verify phase.
func (s *Store) HasAttestation(ctx context.Context, stepID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM attestations WHERE step_id = ?`, stepID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: has attestation %s: %w", stepID, err)
	}
	return count > 0, nil
}
