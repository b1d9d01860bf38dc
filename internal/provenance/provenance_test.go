package provenance

import (
	"encoding/json"
	"testing"
)

func TestCanonicalize_SortsObjectKeys(t *testing.T) {
	a, err := Canonicalize(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(a) != `{"a":2,"b":1}` {
		t.Fatalf("expected sorted keys, got %s", a)
	}
}

func TestCanonicalize_DeterministicAcrossMapIterationOrder(t *testing.T) {
	v := map[string]any{"z": 1, "m": []any{"x", "y"}, "a": map[string]any{"nested": true}}
	first, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	for i := 0; i < 20; i++ {
		next, err := Canonicalize(v)
		if err != nil {
			t.Fatalf("canonicalize: %v", err)
		}
		if string(first) != string(next) {
			t.Fatalf("canonicalization is not deterministic across repeated calls")
		}
	}
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	b, err := Canonicalize(map[string]any{"html": "<a>&</a>"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(b) != `{"html":"<a>&</a>"}` {
		t.Fatalf("expected HTML characters left unescaped, got %s", b)
	}
}

func TestReproducibility_RequiresAtLeastThreeOfFour(t *testing.T) {
	cases := []struct {
		r    ReproducibilityInputs
		want bool
	}{
		{ReproducibilityInputs{true, true, true, true}, true},
		{ReproducibilityInputs{true, true, true, false}, true},
		{ReproducibilityInputs{true, true, false, false}, false},
		{ReproducibilityInputs{false, false, false, false}, false},
	}
	for _, c := range cases {
		if got := c.r.IsReproducible(); got != c.want {
			t.Fatalf("%+v: want %v, got %v", c.r, c.want, got)
		}
	}
}

func TestBuild_SubjectsCoverOutputsAndStepConfig(t *testing.T) {
	stmt, err := Build(BuildParams{
		PlanID: "plan-1", StepID: "step-1", BuilderID: "orchestra/v1",
		Capability: "code.implement", RouteID: "route-1", Tool: "codegen",
		Outputs:    map[string]any{"result": "ok"},
		StepConfig: map[string]any{"timeout_ms": 300000},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(stmt.Subject) != 2 {
		t.Fatalf("expected two subjects (outputs, step_config), got %d", len(stmt.Subject))
	}
	if stmt.PredicateType != predicateType {
		t.Fatalf("expected SLSA provenance v0.2 predicate type, got %s", stmt.PredicateType)
	}
	if stmt.Predicate.Invocation.ConfigSource["uri"] != "plan://plan-1" {
		t.Fatalf("expected config source uri plan://plan-1, got %s", stmt.Predicate.Invocation.ConfigSource["uri"])
	}
}

func TestBuild_CompletenessReflectsOptionalFields(t *testing.T) {
	stmt, err := Build(BuildParams{
		PlanID: "p", StepID: "s", Outputs: map[string]any{}, StepConfig: map[string]any{},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if stmt.Predicate.Metadata.Completeness.Parameters {
		t.Fatalf("expected parameters completeness false when Parameters is nil")
	}
	if stmt.Predicate.Metadata.Completeness.Environment {
		t.Fatalf("expected environment completeness false when not opted in")
	}

	stmt2, err := Build(BuildParams{
		PlanID: "p", StepID: "s", Outputs: map[string]any{}, StepConfig: map[string]any{},
		Parameters:  map[string]any{"x": 1},
		Environment: map[string]any{"os": "linux"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !stmt2.Predicate.Metadata.Completeness.Parameters || !stmt2.Predicate.Metadata.Completeness.Environment {
		t.Fatalf("expected completeness true once parameters/environment are supplied")
	}
}

func TestAttest_RoundTripsThroughVerifyRecord(t *testing.T) {
	signer, err := NewSigner("key-1")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	record, err := Attest(BuildParams{
		PlanID: "plan-1", StepID: "step-1", BuilderID: "orchestra/v1",
		Capability: "code.verify", RouteID: "route-1", Tool: "tester",
		Outputs:    map[string]any{"passed": true},
		StepConfig: map[string]any{"retry_count": 2},
		Reproducibility: ReproducibilityInputs{
			DeterministicInputs: true, StableToolVersion: true, Sandboxed: true,
		},
	}, signer)
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	if record.SubjectDigest == "" {
		t.Fatalf("expected a non-empty subject digest")
	}

	keyFor := func(keyID string) (string, bool) {
		if keyID == "key-1" {
			return signer.PublicKeyHex(), true
		}
		return "", false
	}
	ok, err := VerifyRecord(record.StatementJSON, record.SubjectDigest, record.EnvelopeJSON, keyFor)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected the freshly-signed record to verify")
	}
}

func TestVerifyRecord_FailsOnTamperedStatement(t *testing.T) {
	signer, err := NewSigner("key-1")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	record, err := Attest(BuildParams{
		PlanID: "plan-1", StepID: "step-1",
		Outputs: map[string]any{"passed": true}, StepConfig: map[string]any{},
	}, signer)
	if err != nil {
		t.Fatalf("attest: %v", err)
	}

	var stmt Statement
	if err := json.Unmarshal(record.StatementJSON, &stmt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	stmt.Predicate.BuildConfig.Capability = "tampered.capability"
	tampered, err := stmt.MarshalStandard()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	keyFor := func(keyID string) (string, bool) { return signer.PublicKeyHex(), true }
	ok, err := VerifyRecord(tampered, record.SubjectDigest, record.EnvelopeJSON, keyFor)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("expected verification to fail after tampering with the statement")
	}
}

func TestVerifyEnvelope_FailsOnUnknownKeyID(t *testing.T) {
	signer, err := NewSigner("key-1")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	env := signer.SignPayload([]byte("hello"))
	_, err = VerifyEnvelope(env, func(string) (string, bool) { return "", false })
	if err == nil {
		t.Fatalf("expected an error for an unresolvable keyid")
	}
}

func TestSigner_VerifyFailsForWrongKey(t *testing.T) {
	signer1, _ := NewSigner("key-1")
	signer2, _ := NewSigner("key-2")
	env := signer1.SignPayload([]byte("payload"))
	ok, err := VerifyEnvelope(env, func(string) (string, bool) { return signer2.PublicKeyHex(), true })
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("expected verification against the wrong public key to fail")
	}
}
