// Package policy evaluates allow/deny/require rules against a per-step
// context bag. Rules are of the form "<clause> [IF <condition>]"; the
// condition grammar (comparison, membership, AND/OR, dotted name
// resolution) is compiled and evaluated with CEL rather than hand-rolled
// string splitting, grounded on the governance policy engine in the
// example pack. A malformed rule fails safe: allow-clauses evaluate
// false, deny-clauses evaluate true, and the engine never returns an
// error to callers.
package policy

import (
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Definition is the policy document attached to a route or a plan: a flat
// list of allow/deny/require rule strings.
type Definition struct {
	Allow   []string
	Deny    []string
	Require []string
}

// Context is the PolicyContext rules are evaluated against.
type Context struct {
	Capability     string
	Cost           float64
	CumulativeCost float64
	ElapsedMS      int64
	User           string
	Project        string
	Environment    string
	SecurityLevel  string
	Step           map[string]any
}

// Decision is the gate result plus the obligations a passing rule carries.
type Decision struct {
	Allowed      bool
	DeniedBy     string   // the deny rule that fired, if any
	Obligations  []string // require-rule bodies whose clause matched, unconditionally surfaced
}

// Engine compiles and caches CEL programs for rule conditions. Construction
// never fails: an engine with a broken CEL environment still evaluates
// every rule as "malformed", which is itself a safe default.
type Engine struct {
	mu   sync.Mutex
	env  *cel.Env
	prog map[string]cel.Program // condition source -> compiled program, memoized
}

// New builds a policy engine with the standard PolicyContext variable
// environment (capability, cost, cumulative_cost, elapsed_ms, user,
// project, environment, security_level, step).
func New() *Engine {
	env, _ := cel.NewEnv(
		cel.Variable("capability", cel.StringType),
		cel.Variable("cost", cel.DoubleType),
		cel.Variable("cumulative_cost", cel.DoubleType),
		cel.Variable("elapsed_ms", cel.DoubleType),
		cel.Variable("user", cel.StringType),
		cel.Variable("project", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("security_level", cel.StringType),
		cel.Variable("step", cel.MapType(cel.StringType, cel.DynType)),
	)
	return &Engine{env: env, prog: make(map[string]cel.Program)}
}

// splitRule splits a rule into its clause (capability matcher) and optional
// condition source: a tiny hand-written splitter on the first top-level
// " IF " token. Only the condition itself is parsed as an AST, via CEL.
func splitRule(rule string) (clause, condition string, hasCondition bool) {
	idx := strings.Index(rule, " IF ")
	if idx < 0 {
		return strings.TrimSpace(rule), "", false
	}
	return strings.TrimSpace(rule[:idx]), strings.TrimSpace(rule[idx+4:]), true
}

// clauseMatches reports whether a rule's clause (a bare capability, or a
// "prefix.*" glob) matches the capability under evaluation.
func clauseMatches(clause, capability string) bool {
	clause = strings.TrimSpace(clause)
	if clause == "*" || clause == "" {
		return true
	}
	if strings.HasSuffix(clause, ".*") {
		return strings.HasPrefix(capability, strings.TrimSuffix(clause, "*"))
	}
	return clause == capability
}

// evalCondition compiles (memoized) and evaluates a CEL condition against a
// context. Any compile or eval failure is reported via ok=false so the
// caller can apply the clause-specific fail-safe default.
func (e *Engine) evalCondition(source string, ctx Context) (result bool, ok bool) {
	if source == "" {
		return true, true
	}
	e.mu.Lock()
	prog, cached := e.prog[source]
	e.mu.Unlock()

	if !cached {
		if e.env == nil {
			return false, false
		}
		ast, iss := e.env.Compile(source)
		if iss != nil && iss.Err() != nil {
			return false, false
		}
		p, err := e.env.Program(ast)
		if err != nil {
			return false, false
		}
		prog = p
		e.mu.Lock()
		e.prog[source] = prog
		e.mu.Unlock()
	}

	step := ctx.Step
	if step == nil {
		step = map[string]any{}
	}
	out, _, err := prog.Eval(map[string]any{
		"capability":      ctx.Capability,
		"cost":            ctx.Cost,
		"cumulative_cost": ctx.CumulativeCost,
		"elapsed_ms":      float64(ctx.ElapsedMS),
		"user":            ctx.User,
		"project":         ctx.Project,
		"environment":     ctx.Environment,
		"security_level":  ctx.SecurityLevel,
		"step":            step,
	})
	if err != nil {
		return false, false
	}
	b, isBool := out.Value().(bool)
	if !isBool {
		if rv, isRef := out.(ref.Val); isRef && rv.Type() == types.BoolType {
			return rv.Value().(bool), true
		}
		return false, false
	}
	return b, true
}

// Evaluate gates a capability invocation against a policy definition.
// Deny rules override allow; if any allow rule exists for
// the capability and none matches, the default is deny (default-deny under
// an allow-list); if no allow rules target the capability at all, the
// default is allow. Require rules are not gates: every require rule whose
// clause matches is returned as an obligation regardless of the allow/deny
// outcome.
func (e *Engine) Evaluate(def Definition, ctx Context) Decision {
	for _, rule := range def.Deny {
		clause, cond, hasCond := splitRule(rule)
		if !clauseMatches(clause, ctx.Capability) {
			continue
		}
		result, ok := e.evalCondition(cond, ctx)
		if !ok {
			// malformed deny clause fails safe: treat as true (deny fires)
			if hasCond {
				return Decision{Allowed: false, DeniedBy: rule, Obligations: e.obligations(def, ctx)}
			}
			continue
		}
		if result {
			return Decision{Allowed: false, DeniedBy: rule, Obligations: e.obligations(def, ctx)}
		}
	}

	var sawApplicableAllow, anyAllowMatched bool
	for _, rule := range def.Allow {
		clause, cond, _ := splitRule(rule)
		if !clauseMatches(clause, ctx.Capability) {
			continue
		}
		sawApplicableAllow = true
		result, ok := e.evalCondition(cond, ctx)
		if !ok {
			// malformed allow clause fails safe: treat as false (never matches)
			continue
		}
		if result {
			anyAllowMatched = true
			break
		}
	}

	allowed := !sawApplicableAllow || anyAllowMatched
	return Decision{Allowed: allowed, Obligations: e.obligations(def, ctx)}
}

// obligations collects every require rule whose clause applies to the
// capability under evaluation, independent of its (often absent) condition.
// A clause of the form "<requirement> FOR <capability>" is matched on the
// part after the last " FOR ". Requirements are obligations the scheduler
// must later satisfy, not additional gates.
func (e *Engine) obligations(def Definition, ctx Context) []string {
	var out []string
	for _, rule := range def.Require {
		clause, _, _ := splitRule(rule)
		if idx := strings.LastIndex(clause, " FOR "); idx >= 0 {
			clause = clause[idx+len(" FOR "):]
		}
		if clauseMatches(clause, ctx.Capability) {
			out = append(out, rule)
		}
	}
	return out
}
