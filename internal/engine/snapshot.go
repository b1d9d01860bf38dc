package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/antigravity-dev/orchestra/internal/provenance"
	"github.com/antigravity-dev/orchestra/internal/sandbox"
	"github.com/antigravity-dev/orchestra/internal/store"
)

// Snapshot is the deterministic execution record: step and route identity,
// sanitized inputs, outputs, captured stdout/stderr, exit code and
// violation kinds, stable enough to hash for attestation and comparison
// across metamorphic replays. It carries no fingerprint of the execution
// environment (platform, architecture or version).
type Snapshot struct {
	StepID     string         `json:"step_id"`
	Capability string         `json:"capability"`
	RouteID    string         `json:"route_id"`
	Tool       string         `json:"tool"`
	Inputs     map[string]any `json:"inputs"`
	Outputs    map[string]any `json:"outputs"`
	Stdout     string         `json:"stdout"`
	Stderr     string         `json:"stderr"`
	ExitCode   int            `json:"exit_code"`
	Violations []string       `json:"violations,omitempty"`
}

// buildSnapshot strips non-deterministic bookkeeping fields (timestamps,
// nonces, generated ids) from the step metadata before recording it, so
// the same logical execution hashes identically across repeat
// metamorphic runs.
func buildSnapshot(st store.Step, route store.Route, resp sandbox.ExecutionResponse, plan store.Plan) Snapshot {
	inputs := sanitizeVolatile(decodeJSONMap(st.Metadata))

	var violations []string
	for _, v := range resp.Violations {
		violations = append(violations, v.Kind)
	}

	return Snapshot{
		StepID:     st.ID,
		Capability: st.Capability,
		RouteID:    route.ID,
		Tool:       route.Tool,
		Inputs:     inputs,
		Outputs:    resp.Outputs,
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		ExitCode:   resp.ExitCode,
		Violations: violations,
	}
}

var volatileFields = map[string]struct{}{
	"timestamp": {}, "_attempts": {}, "_retry_after": {}, "nonce": {}, "request_id": {}, "ts": {},
}

func sanitizeVolatile(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, skip := volatileFields[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

// attest builds and persists the in-toto/SLSA provenance record for a
// completed step. Reproducibility is judged from facts the engine itself
// can observe: inputs free of ad hoc fields, sandbox-isolated execution,
// and a pinned route/tool pair.
func (e *Engine) attest(ctx context.Context, st store.Step, ticketID string, route store.Route, resp sandbox.ExecutionResponse, snap Snapshot, plan store.Plan) error {
	now := store.NowMS()
	rec, err := provenance.Attest(provenance.BuildParams{
		PlanID:     plan.ID,
		StepID:     st.ID,
		BuilderID:  e.cfg.BuilderID,
		Capability: st.Capability,
		RouteID:    route.ID,
		Tool:       route.Tool,
		Critical:   st.Critical,
		PolicyID:   route.Policy,
		Outputs:    resp.Outputs,
		StepConfig: map[string]any{
			"capability": st.Capability,
			"route_id":   route.ID,
			"tool":       route.Tool,
			"timeout_ms": st.TimeoutMS,
		},
		Parameters: snap.Inputs,
		StartedOn:  fmt.Sprintf("%d", now),
		FinishedOn: fmt.Sprintf("%d", now),
		Reproducibility: provenance.ReproducibilityInputs{
			DeterministicInputs: true, // snap.Inputs already had volatile fields stripped
			StableToolVersion:   route.Tool != "",
			NoExternalStateDeps: len(resp.Violations) == 0,
			Sandboxed:           true,
		},
	}, e.signer)
	if err != nil {
		return fmt.Errorf("engine: attest step %s: %w", st.ID, err)
	}

	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateAttestation(store.Attestation{
			ID:            uuid.NewString(),
			StepID:        st.ID,
			TicketID:      ticketID,
			SubjectDigest: rec.SubjectDigest,
			Statement:     string(rec.StatementJSON),
			Signature:     string(rec.EnvelopeJSON),
			CreatedAt:     now,
		})
	})
}
