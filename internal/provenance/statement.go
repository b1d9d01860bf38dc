package provenance

import (
	"encoding/json"
	"fmt"
)

// Level is an attestation.default_level value.
type Level string

const (
	SLSA1 Level = "SLSA1"
	SLSA2 Level = "SLSA2"
	SLSA3 Level = "SLSA3"
	SLSA4 Level = "SLSA4"
)

const (
	statementType  = "https://in-toto.io/Statement/v0.1"
	predicateType  = "https://slsa.dev/provenance/v0.2"
	defaultBuildTypeURI = "https://antigravity-dev/orchestra/build-types/step@v1"
)

// Subject is one in-toto subject entry: a named artifact plus its digest
// set, the `{name, digest: {sha256: ...}}` shape.
type Subject struct {
	Name   string            `json:"name"`
	Digest map[string]string `json:"digest"`
}

// Invocation captures how the step was triggered: config source, the
// sanitized parameters that produced it, and the environment iff the
// operator opted in to capturing it.
type Invocation struct {
	ConfigSource map[string]string `json:"configSource"`
	Parameters   map[string]any    `json:"parameters,omitempty"`
	Environment  map[string]any    `json:"environment,omitempty"`
}

// BuildConfig records the routing decision the execution was made under.
type BuildConfig struct {
	Capability string `json:"capability"`
	Route      string `json:"route"`
	Tool       string `json:"tool"`
	Critical   bool   `json:"critical"`
	Policy     string `json:"policy,omitempty"`
}

// Metadata carries timing, reproducibility, and completeness facts about
// the build.
type Metadata struct {
	BuildInvocationID string `json:"buildInvocationId"`
	StartedOn         string `json:"startedOn"`
	FinishedOn        string `json:"finishedOn"`
	Completeness      struct {
		Parameters  bool `json:"parameters"`
		Environment bool `json:"environment"`
		Materials   bool `json:"materials"`
	} `json:"completeness"`
	Reproducible bool `json:"reproducible"`
}

// Material is a consumed input: the plan, the route, or retrieved context.
type Material struct {
	URI    string            `json:"uri"`
	Digest map[string]string `json:"digest,omitempty"`
}

// Predicate is the SLSA-provenance v0.2 predicate body.
type Predicate struct {
	Builder struct {
		ID string `json:"id"`
	} `json:"builder"`
	BuildType   string      `json:"buildType"`
	Invocation  Invocation  `json:"invocation"`
	BuildConfig BuildConfig `json:"buildConfig"`
	Metadata    Metadata    `json:"metadata"`
	Materials   []Material  `json:"materials"`
}

// Statement is the full in-toto v0.1 statement: type, subjects, predicate
// type, and the SLSA predicate.
type Statement struct {
	Type          string    `json:"_type"`
	Subject       []Subject `json:"subject"`
	PredicateType string    `json:"predicateType"`
	Predicate     Predicate `json:"predicate"`
}

// ReproducibilityInputs are the four factors combined into the
// reproducibility verdict: reproducible iff at least 3 of {deterministic
// inputs, stable tool version, no external state dependency, sandboxed}
// hold.
type ReproducibilityInputs struct {
	DeterministicInputs  bool
	StableToolVersion    bool
	NoExternalStateDeps  bool
	Sandboxed            bool
}

// IsReproducible applies the ≥3-of-4 rule.
func (r ReproducibilityInputs) IsReproducible() bool {
	count := 0
	for _, v := range []bool{r.DeterministicInputs, r.StableToolVersion, r.NoExternalStateDeps, r.Sandboxed} {
		if v {
			count++
		}
	}
	return count >= 3
}

// BuildParams are the caller-supplied facts needed to assemble a Statement
// for one completed step.
type BuildParams struct {
	PlanID            string
	StepID            string
	BuilderID         string
	Capability        string
	RouteID           string
	Tool              string
	Critical          bool
	PolicyID          string
	Outputs           map[string]any
	StepConfig        map[string]any
	Parameters        map[string]any
	Environment       map[string]any // nil unless opted in
	StartedOn         string
	FinishedOn        string
	Materials         []Material
	Reproducibility   ReproducibilityInputs
}

// Build constructs the in-toto statement for one step execution: a
// subject over the canonicalized outputs, plus a subject over the step
// configuration.
func Build(p BuildParams) (Statement, error) {
	outputsDigest, err := CanonicalDigest(p.Outputs)
	if err != nil {
		return Statement{}, fmt.Errorf("provenance: digest outputs: %w", err)
	}
	configDigest, err := CanonicalDigest(p.StepConfig)
	if err != nil {
		return Statement{}, fmt.Errorf("provenance: digest step config: %w", err)
	}

	pred := Predicate{
		BuildType: defaultBuildTypeURI,
		Invocation: Invocation{
			ConfigSource: map[string]string{"uri": fmt.Sprintf("plan://%s", p.PlanID), "digest": configDigest},
			Parameters:   p.Parameters,
			Environment:  p.Environment,
		},
		BuildConfig: BuildConfig{
			Capability: p.Capability,
			Route:      p.RouteID,
			Tool:       p.Tool,
			Critical:   p.Critical,
			Policy:     p.PolicyID,
		},
		Materials: p.Materials,
	}
	pred.Builder.ID = p.BuilderID
	pred.Metadata = Metadata{
		BuildInvocationID: p.StepID,
		StartedOn:         p.StartedOn,
		FinishedOn:        p.FinishedOn,
		Reproducible:      p.Reproducibility.IsReproducible(),
	}
	pred.Metadata.Completeness.Parameters = p.Parameters != nil
	pred.Metadata.Completeness.Environment = p.Environment != nil
	pred.Metadata.Completeness.Materials = len(p.Materials) > 0

	return Statement{
		Type:          statementType,
		PredicateType: predicateType,
		Subject: []Subject{
			{Name: "outputs", Digest: map[string]string{"sha256": outputsDigest}},
			{Name: "step_config", Digest: map[string]string{"sha256": configDigest}},
		},
		Predicate: pred,
	}, nil
}

// Marshal renders the statement as its canonical JSON form, suitable for
// both hashing (the attestation's subject_digest) and as the Envelope
// payload the Signer signs over.
func (s Statement) Marshal() ([]byte, error) {
	return Canonicalize(s)
}

// MarshalStandard renders the statement with ordinary json.Marshal, for
// storage in the attestations.statement column where byte-for-byte
// canonical form doesn't matter but readability does.
func (s Statement) MarshalStandard() ([]byte, error) {
	return json.Marshal(s)
}
