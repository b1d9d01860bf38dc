package provenance

import (
	"encoding/json"
	"fmt"
)

// Record is the fully-built artifact for one step's attestation: the
// rendered statement, its canonical subject digest, and the signed
// envelope, exactly the three columns store.Attestation persists
// (statement, subject_digest, signature).
type Record struct {
	StatementJSON []byte
	SubjectDigest string
	EnvelopeJSON  []byte
}

// Attest builds the in-toto statement for p, computes its canonical
// digest, and signs it, producing everything the caller needs to persist
// a store.Attestation row. subject_digest is the statement's own
// canonical digest (not just the outputs subject) so that verification
// can recompute it directly from the stored statement column and check
// structure.
func Attest(p BuildParams, signer *Signer) (Record, error) {
	stmt, err := Build(p)
	if err != nil {
		return Record{}, fmt.Errorf("provenance: build statement: %w", err)
	}

	canonical, err := stmt.Marshal()
	if err != nil {
		return Record{}, fmt.Errorf("provenance: canonicalize statement: %w", err)
	}
	digest := DigestBytes(canonical)

	stored, err := stmt.MarshalStandard()
	if err != nil {
		return Record{}, fmt.Errorf("provenance: marshal statement for storage: %w", err)
	}

	envelope := signer.SignPayload(canonical)
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return Record{}, fmt.Errorf("provenance: marshal envelope: %w", err)
	}

	return Record{StatementJSON: stored, SubjectDigest: digest, EnvelopeJSON: envelopeJSON}, nil
}

// VerifyRecord recomputes the statement's canonical digest from its
// stored JSON and checks it against SubjectDigest, then verifies the
// envelope signature over the canonical bytes.
func VerifyRecord(statementJSON []byte, subjectDigest string, envelopeJSON []byte, keyFor func(keyID string) (string, bool)) (bool, error) {
	var stmt Statement
	if err := json.Unmarshal(statementJSON, &stmt); err != nil {
		return false, fmt.Errorf("provenance: unmarshal stored statement: %w", err)
	}
	canonical, err := stmt.Marshal()
	if err != nil {
		return false, fmt.Errorf("provenance: re-canonicalize statement: %w", err)
	}
	if DigestBytes(canonical) != subjectDigest {
		return false, nil
	}

	var envelope Envelope
	if err := json.Unmarshal(envelopeJSON, &envelope); err != nil {
		return false, fmt.Errorf("provenance: unmarshal envelope: %w", err)
	}
	return VerifyEnvelope(envelope, keyFor)
}
