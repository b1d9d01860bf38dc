package policy

import "testing"

func TestEvaluate_DenyOverridesAllow(t *testing.T) {
	e := New()
	def := Definition{
		Allow: []string{"web.fetch"},
		Deny:  []string{`web.fetch IF environment == "prod"`},
	}
	d := e.Evaluate(def, Context{Capability: "web.fetch", Environment: "prod"})
	if d.Allowed {
		t.Fatalf("expected deny to override allow in prod, got allowed")
	}
	if d.DeniedBy == "" {
		t.Fatalf("expected DeniedBy to be populated")
	}
}

func TestEvaluate_UnconditionalRuleIsUnconditionalAllow(t *testing.T) {
	e := New()
	def := Definition{Allow: []string{"code.implement"}}
	d := e.Evaluate(def, Context{Capability: "code.implement", Environment: "staging"})
	if !d.Allowed {
		t.Fatalf("expected unconditional allow rule to allow")
	}
}

func TestEvaluate_UnconditionalRuleIsUnconditionalDeny(t *testing.T) {
	e := New()
	def := Definition{Deny: []string{"deploy.production"}}
	d := e.Evaluate(def, Context{Capability: "deploy.production"})
	if d.Allowed {
		t.Fatalf("expected unconditional deny rule to deny")
	}
}

func TestEvaluate_DefaultAllowWhenNoAllowRulesExist(t *testing.T) {
	e := New()
	def := Definition{}
	d := e.Evaluate(def, Context{Capability: "analysis.perform"})
	if !d.Allowed {
		t.Fatalf("expected default-allow with no allow rules present")
	}
}

func TestEvaluate_DefaultDenyUnderAllowList(t *testing.T) {
	e := New()
	def := Definition{Allow: []string{"code.implement"}}
	d := e.Evaluate(def, Context{Capability: "deploy.production"})
	if d.Allowed {
		t.Fatalf("expected default-deny when allow rules exist but none match")
	}
}

func TestEvaluate_MalformedDenyFailsSafeTrue(t *testing.T) {
	e := New()
	def := Definition{Deny: []string{"web.fetch IF this is not valid CEL &&&"}}
	d := e.Evaluate(def, Context{Capability: "web.fetch"})
	if d.Allowed {
		t.Fatalf("expected malformed deny clause to fail safe (deny)")
	}
}

func TestEvaluate_MalformedAllowFailsSafeFalse(t *testing.T) {
	e := New()
	def := Definition{Allow: []string{"web.fetch IF this is not valid CEL &&&"}}
	d := e.Evaluate(def, Context{Capability: "web.fetch"})
	if d.Allowed {
		t.Fatalf("expected malformed allow clause to never match (deny by default-deny under allow-list)")
	}
}

func TestEvaluate_ComparisonAndMembership(t *testing.T) {
	e := New()
	def := Definition{
		Deny: []string{`delete.record IF cost > 5.0`},
	}
	d := e.Evaluate(def, Context{Capability: "delete.record", Cost: 10})
	if d.Allowed {
		t.Fatalf("expected deny when cost exceeds threshold")
	}
	d2 := e.Evaluate(def, Context{Capability: "delete.record", Cost: 1})
	if !d2.Allowed {
		t.Fatalf("expected allow when cost under threshold")
	}

	member := Definition{
		Deny: []string{`delete.record IF environment in ["prod", "staging"]`},
	}
	d3 := e.Evaluate(member, Context{Capability: "delete.record", Environment: "staging"})
	if d3.Allowed {
		t.Fatalf("expected deny when environment is a member of the listed set")
	}
	d4 := e.Evaluate(member, Context{Capability: "delete.record", Environment: "dev"})
	if !d4.Allowed {
		t.Fatalf("expected allow when environment is not in the listed set")
	}
}

func TestEvaluate_AndOrConnectives(t *testing.T) {
	e := New()
	def := Definition{
		Deny: []string{`web.fetch IF environment == "prod" && security_level == "low"`},
	}
	d := e.Evaluate(def, Context{Capability: "web.fetch", Environment: "prod", SecurityLevel: "low"})
	if d.Allowed {
		t.Fatalf("expected deny when both AND-ed conditions hold")
	}
	d2 := e.Evaluate(def, Context{Capability: "web.fetch", Environment: "prod", SecurityLevel: "high"})
	if !d2.Allowed {
		t.Fatalf("expected allow when only one AND-ed condition holds")
	}

	or := Definition{
		Deny: []string{`web.fetch IF environment == "prod" || security_level == "low"`},
	}
	d3 := e.Evaluate(or, Context{Capability: "web.fetch", Environment: "dev", SecurityLevel: "low"})
	if d3.Allowed {
		t.Fatalf("expected deny when one OR-ed condition holds")
	}
	d4 := e.Evaluate(or, Context{Capability: "web.fetch", Environment: "dev", SecurityLevel: "high"})
	if !d4.Allowed {
		t.Fatalf("expected allow when neither OR-ed condition holds")
	}
}

func TestEvaluate_RequireRulesAreObligationsNotGates(t *testing.T) {
	e := New()
	def := Definition{
		Require: []string{"attestation level >= SLSA2 FOR commit_result"},
	}
	d := e.Evaluate(def, Context{Capability: "commit_result"})
	if !d.Allowed {
		t.Fatalf("require rules must not gate the decision")
	}
	if len(d.Obligations) != 1 {
		t.Fatalf("expected one obligation surfaced, got %d", len(d.Obligations))
	}
}

func TestEvaluate_GlobClauseMatchesPrefix(t *testing.T) {
	e := New()
	def := Definition{Deny: []string{"deploy.*"}}
	d := e.Evaluate(def, Context{Capability: "deploy.production"})
	if d.Allowed {
		t.Fatalf("expected glob clause to deny deploy.production")
	}
	d2 := e.Evaluate(def, Context{Capability: "code.implement"})
	if !d2.Allowed {
		t.Fatalf("expected glob clause to not match unrelated capability")
	}
}
