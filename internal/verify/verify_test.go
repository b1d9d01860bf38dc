package verify

import "testing"

func TestRun_FuncOutputCompletenessFailsWhenFieldMissing(t *testing.T) {
	r := NewRegistry()
	ctx := EvalContext{RequiredFields: []string{"summary", "status"}}
	out := Outputs{"summary": "done"}
	report := r.Run(Inputs{}, out, ctx, nil)

	found := false
	for _, res := range report.Results {
		if res.PropertyID == "FUNC-001" {
			found = true
			if res.Passed {
				t.Fatalf("expected FUNC-001 to fail when a required field is missing")
			}
		}
	}
	if !found {
		t.Fatalf("FUNC-001 not present in report")
	}
	if report.AllCriticalPassed {
		t.Fatalf("a failed critical property must flip AllCriticalPassed to false")
	}
}

func TestRun_AllCriticalPassedWhenEverythingClean(t *testing.T) {
	r := NewRegistry()
	ctx := EvalContext{
		RequiredFields: []string{"status"},
		LatencyMS:      500,
		Cost:           0.2,
	}
	out := Outputs{"status": "ok"}
	report := r.Run(Inputs{}, out, ctx, nil)

	if !report.AllCriticalPassed {
		t.Fatalf("expected all critical properties to pass, got %+v", report.Results)
	}
}

func TestRun_SecNoSensitiveExposureCatchesLeakedSecret(t *testing.T) {
	r := NewRegistry()
	out := Outputs{"log": "connected using api_key=supersecrettoken"}
	report := r.Run(Inputs{}, out, EvalContext{}, nil)

	for _, res := range report.Results {
		if res.PropertyID == "SEC-001" && res.Passed {
			t.Fatalf("expected SEC-001 to fail when output embeds a key/token term")
		}
	}
}

func TestRun_PerfLatencyBoundUsesDefaultWhenUnset(t *testing.T) {
	r := NewRegistry()
	ctx := EvalContext{LatencyMS: 45000} // over the 30s default, no MaxLatencyMS override
	report := r.Run(Inputs{}, Outputs{}, ctx, nil)

	for _, res := range report.Results {
		if res.PropertyID == "PERF-001" && res.Passed {
			t.Fatalf("expected PERF-001 to fail against the default 30s bound")
		}
	}
}

func TestRun_PerfLatencyBoundRespectsExplicitConstraint(t *testing.T) {
	r := NewRegistry()
	ctx := EvalContext{LatencyMS: 500, MaxLatencyMS: 200}
	report := r.Run(Inputs{}, Outputs{}, ctx, nil)

	for _, res := range report.Results {
		if res.PropertyID == "PERF-001" && res.Passed {
			t.Fatalf("expected PERF-001 to fail against an explicit tighter bound")
		}
	}
}

func TestEvalMetamorphic_IdempotencyPassesWhenReplayMatches(t *testing.T) {
	r := NewRegistry()
	r.RegisterMetamorphic()
	replay := func(in Inputs) (Outputs, error) {
		return Outputs{"result": in["x"]}, nil
	}
	in := Inputs{"x": 42}
	out := Outputs{"result": 42}
	report := r.Run(in, out, EvalContext{}, replay)

	for _, res := range report.Results {
		if res.PropertyID == "META-001" {
			if !res.Passed {
				t.Fatalf("expected META-001 idempotency to pass when replay reproduces the same output")
			}
			if len(res.Evidence) < 2 {
				t.Fatalf("expected at least original+repeat evidence, got %v", res.Evidence)
			}
		}
	}
}

func TestEvalMetamorphic_IdempotencySkippedWhenDestructive(t *testing.T) {
	r := NewRegistry()
	r.RegisterMetamorphic()
	calls := 0
	replay := func(in Inputs) (Outputs, error) {
		calls++
		return Outputs{}, nil
	}
	ctx := EvalContext{Destructive: true}
	r.Run(Inputs{"x": 1}, Outputs{"x": 1}, ctx, replay)

	if calls != 0 {
		t.Fatalf("expected no repeat replay for a destructive capability, replay called %d times", calls)
	}
}

func TestEvalMetamorphic_CommutativityToleratesReorderedList(t *testing.T) {
	r := NewRegistry()
	r.RegisterMetamorphic()
	replay := func(in Inputs) (Outputs, error) {
		items := in["items"].([]any)
		sum := 0
		for _, it := range items {
			sum += it.(int)
		}
		return Outputs{"sum": sum}, nil
	}
	in := Inputs{"items": []any{1, 2, 3}}
	out := Outputs{"sum": 6}
	report := r.Run(in, out, EvalContext{}, replay)

	for _, res := range report.Results {
		if res.PropertyID == "META-002" && !res.Passed {
			t.Fatalf("expected META-002 commutativity to pass when reversed-order replay agrees")
		}
	}
}

func TestConfidence_CriticalPassFloorsAtPointNine(t *testing.T) {
	c := baseConfidence(true, true)
	if c < 0.9 {
		t.Fatalf("expected a passed critical property's confidence floored at 0.9, got %f", c)
	}
}

func TestConfidence_FailedNonCriticalIsLow(t *testing.T) {
	c := baseConfidence(false, false)
	if c != 0.2 {
		t.Fatalf("expected failed non-critical confidence of 0.2, got %f", c)
	}
}

func TestRegister_ReplacesExistingPropertyByID(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register(Property{ID: "PERF-001", Critical: true, Predicate: func(Inputs, Outputs, EvalContext) bool {
		calls++
		return true
	}})
	r.Run(Inputs{}, Outputs{}, EvalContext{}, nil)
	if calls != 1 {
		t.Fatalf("expected the replacement PERF-001 predicate to run exactly once, got %d calls", calls)
	}
	if len(r.properties) != 6 {
		t.Fatalf("expected Register to replace in place rather than append a duplicate, have %d properties", len(r.properties))
	}
}
