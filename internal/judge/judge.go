// Package judge specifies the contract for a remote judge/adjudicator
// peer service treated as an external collaborator: this package
// declares only the request/response shapes and the interface the core
// consumes, with no implementation. The core does not implement the
// judge service itself.
package judge

import "context"

// Verdict is the adjudicator's decision on a set of facts.
type Verdict string

const (
	Approve      Verdict = "approve"
	Deny         Verdict = "deny"
	Insufficient Verdict = "insufficient"
)

// Facts is the strict-schema JSON payload describing what is being
// adjudicated: the capability under test, its inputs/outputs, and the
// property the judge is asked to rule on.
type Facts struct {
	Capability string         `json:"capability"`
	PropertyID string         `json:"property_id"`
	Inputs     map[string]any `json:"inputs"`
	Outputs    map[string]any `json:"outputs"`
	Claim      string         `json:"claim"`
}

// Request is one adjudication call: the facts plus a time and cost-class
// budget the judge must respect.
type Request struct {
	Facts    Facts
	BudgetMS int64
	CostClass string
}

// Response is the adjudicator's strict-schema JSON reply.
type Response struct {
	Verdict    Verdict  `json:"verdict"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Citations  []string `json:"citations"`
}

// Adjudicator is the contract for a judge-backed verification check. No
// package in this module calls it, and verification.enable_judge does not
// wire it into internal/verify.
type Adjudicator interface {
	Adjudicate(ctx context.Context, req Request) (Response, error)
}
