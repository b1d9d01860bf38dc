// Package verify implements property-based post-condition checks run
// against a step's (input, output, context) after execution: a registry
// of named predicates (FUNC-*, SEC-*, PERF-*, META-*), each carrying a
// critical flag and an optional metamorphic flag that triggers variant
// generation and replay. The checks are typed predicates over execution
// data rather than shelled-out commands.
package verify

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Inputs and Outputs are the sanitized step inputs/outputs a property
// predicate is evaluated against.
type Inputs map[string]any
type Outputs map[string]any

// EvalContext carries the execution facts properties need beyond the raw
// input/output maps.
type EvalContext struct {
	Capability     string
	Critical       bool
	Destructive    bool
	LatencyMS      int64
	Cost           float64
	MaxLatencyMS   int64 // constraints.max_latency_ms, default 30000
	MaxCost        float64 // constraints.max_cost, default 10
	RequiredFields []string // acceptance.required_fields
	Error          string
	Stdout         string
	Stderr         string
}

func (c EvalContext) effMaxLatency() int64 {
	if c.MaxLatencyMS > 0 {
		return c.MaxLatencyMS
	}
	return 30000
}

func (c EvalContext) effMaxCost() float64 {
	if c.MaxCost > 0 {
		return c.MaxCost
	}
	return 10
}

// Predicate is a named property's pass/fail test.
type Predicate func(in Inputs, out Outputs, ctx EvalContext) bool

// Property is one entry in the registry: an id, its criticality, whether
// it requires metamorphic variant generation, and its predicate.
type Property struct {
	ID          string
	Critical    bool
	Metamorphic bool
	Predicate   Predicate
}

// Replayer re-executes a step with the given inputs, standing in for the
// scheduler's actual execution adapter during metamorphic replay.
type Replayer func(inputs Inputs) (Outputs, error)

// PropertyResult is one property's outcome for a single step execution.
type PropertyResult struct {
	PropertyID string
	Critical   bool
	Passed     bool
	Confidence float64
	Evidence   []string
}

// Report aggregates every property's result for one step execution.
type Report struct {
	Results           []PropertyResult
	AllCriticalPassed bool
}

// Registry holds the active set of properties to evaluate.
type Registry struct {
	properties []Property
}

// NewRegistry returns a registry pre-loaded with the built-in
// FUNC/SEC/PERF properties. META properties are registered separately
// via RegisterMetamorphic since they need a Replayer to run.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(Property{ID: "FUNC-001", Critical: true, Predicate: funcOutputCompleteness})
	r.Register(Property{ID: "FUNC-002", Critical: true, Predicate: funcInputValidation})
	r.Register(Property{ID: "SEC-001", Critical: true, Predicate: secNoSensitiveExposure})
	r.Register(Property{ID: "SEC-002", Critical: true, Predicate: secIsolation})
	r.Register(Property{ID: "PERF-001", Critical: false, Predicate: perfLatencyBound})
	r.Register(Property{ID: "PERF-002", Critical: false, Predicate: perfCostBound})
	return r
}

// Register adds or replaces a property by id.
func (r *Registry) Register(p Property) {
	for i, existing := range r.properties {
		if existing.ID == p.ID {
			r.properties[i] = p
			return
		}
	}
	r.properties = append(r.properties, p)
}

// Run evaluates every registered property against one step execution. A
// step transitions to done only if every critical property passes; that
// transition is enforced by the caller, since Run only reports.
func (r *Registry) Run(in Inputs, out Outputs, ctx EvalContext, replay Replayer) Report {
	report := Report{AllCriticalPassed: true}
	for _, p := range r.properties {
		var result PropertyResult
		if p.Metamorphic {
			result = evalMetamorphic(p, in, out, ctx, replay)
		} else {
			passed := p.Predicate(in, out, ctx)
			result = PropertyResult{
				PropertyID: p.ID, Critical: p.Critical, Passed: passed,
				Confidence: baseConfidence(passed, p.Critical),
				Evidence:   []string{fmt.Sprintf("%s evaluated directly against execution output", p.ID)},
			}
		}
		report.Results = append(report.Results, result)
		if p.Critical && !result.Passed {
			report.AllCriticalPassed = false
		}
	}
	return report
}

// baseConfidence computes the confidence score absent any
// metamorphic-variant bonus: 0.8 if passed else 0.2, floored at 0.9 if
// the property is both critical and passed.
func baseConfidence(passed, critical bool) float64 {
	c := 0.2
	if passed {
		c = 0.8
	}
	if critical && passed && c < 0.9 {
		c = 0.9
	}
	return c
}

// evalMetamorphic generates the original/repeat/reverse variants, replays
// each, and requires every generated variant to agree with the predicate
// before the property is considered passed.
func evalMetamorphic(p Property, in Inputs, out Outputs, ctx EvalContext, replay Replayer) PropertyResult {
	evidence := []string{"original"}
	passed := p.Predicate(in, out, ctx)
	variantCount := 0

	if replay != nil && !ctx.Destructive {
		repeatOut, err := replay(in)
		if err == nil {
			evidence = append(evidence, "repeat")
			variantCount++
			if passed {
				passed = p.Predicate(in, repeatOut, ctx) && deepEqual(out, repeatOut)
			}
		}
	}

	if listKey, list, ok := findListInput(in); ok && len(list) > 1 {
		reversed := reverseList(list)
		reversedIn := cloneInputs(in)
		reversedIn[listKey] = reversed
		if replay != nil {
			reversedOut, err := replay(reversedIn)
			if err == nil {
				evidence = append(evidence, "reverse")
				variantCount++
				if passed {
					passed = multisetEqual(out, reversedOut)
				}
			}
		}
	}

	confidence := baseConfidence(passed, p.Critical)
	if len(evidence) >= 3 {
		confidence += 0.1
	}
	if variantCount >= 2 {
		confidence += 0.1
	}
	if confidence > 1 {
		confidence = 1
	}
	if p.Critical && passed && confidence < 0.9 {
		confidence = 0.9
	}

	return PropertyResult{
		PropertyID: p.ID, Critical: p.Critical, Passed: passed,
		Confidence: confidence, Evidence: evidence,
	}
}

func cloneInputs(in Inputs) Inputs {
	out := make(Inputs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func findListInput(in Inputs) (key string, list []any, ok bool) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if l, isList := in[k].([]any); isList {
			return k, l, true
		}
	}
	return "", nil, false
}

func reverseList(list []any) []any {
	out := make([]any, len(list))
	for i, v := range list {
		out[len(list)-1-i] = v
	}
	return out
}

func deepEqual(a, b Outputs) bool {
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}

// multisetEqual compares two output maps under order-independent
// (multiset) semantics for any []any-valued fields, and strict equality
// otherwise: the comparison a "commutativity" metamorphic variant needs.
func multisetEqual(a, b Outputs) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		aList, aIsList := av.([]any)
		bList, bIsList := bv.([]any)
		if aIsList && bIsList {
			if !sameMultiset(aList, bList) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

func sameMultiset(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	toStrings := func(items []any) []string {
		out := make([]string, len(items))
		for i, v := range items {
			out[i] = fmt.Sprintf("%v", v)
		}
		sort.Strings(out)
		return out
	}
	as, bs := toStrings(a), toStrings(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// --- Built-in FUNC/SEC/PERF properties ---

func funcOutputCompleteness(_ Inputs, out Outputs, ctx EvalContext) bool {
	for _, field := range ctx.RequiredFields {
		if _, ok := out[field]; !ok {
			return false
		}
	}
	return true
}

func funcInputValidation(_ Inputs, _ Outputs, ctx EvalContext) bool {
	return !strings.Contains(strings.ToLower(ctx.Error), "invalid input")
}

var sensitiveTerms = []string{"password", "secret", "key", "token", "credential"}

func secNoSensitiveExposure(_ Inputs, out Outputs, ctx EvalContext) bool {
	haystack := strings.ToLower(flattenToString(out) + " " + ctx.Stdout + " " + ctx.Stderr)
	for _, term := range sensitiveTerms {
		if strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func secIsolation(_ Inputs, _ Outputs, ctx EvalContext) bool {
	haystack := strings.ToLower(ctx.Stdout + " " + ctx.Stderr + " " + ctx.Error)
	return !strings.Contains(haystack, "permission denied")
}

func perfLatencyBound(_ Inputs, _ Outputs, ctx EvalContext) bool {
	return ctx.LatencyMS <= ctx.effMaxLatency()
}

func perfCostBound(_ Inputs, _ Outputs, ctx EvalContext) bool {
	return ctx.Cost <= ctx.effMaxCost()
}

func flattenToString(out Outputs) string {
	var sb strings.Builder
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v ", k, out[k])
	}
	return sb.String()
}

// RegisterMetamorphic registers the META-001/META-002 idempotency and
// commutativity properties. Predicate for both is "no visible divergence",
// which evalMetamorphic enforces by comparing against the replayed
// variants directly. The predicate itself is a constant-true base check;
// the real assertion lives in the variant comparison.
func (r *Registry) RegisterMetamorphic() {
	r.Register(Property{ID: "META-001", Critical: false, Metamorphic: true, Predicate: alwaysTrue})
	r.Register(Property{ID: "META-002", Critical: false, Metamorphic: true, Predicate: alwaysTrue})
}

func alwaysTrue(Inputs, Outputs, EvalContext) bool { return true }
