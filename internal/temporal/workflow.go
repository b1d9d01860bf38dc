// Package temporal adapts the execution target contract (internal/sandbox)
// onto a Temporal workflow, giving the scheduler's remote suspension
// points a cancellable, retryable, heartbeating execution model instead
// of a bare RPC call. This package owns only the single EXECUTE phase:
// ROUTE, POLICY-GATE, SNAPSHOT, VERIFY, ATTEST, and REWARD stay in
// internal/engine, which calls this package only for the EXECUTE
// suspension point itself.
package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/orchestra/internal/sandbox"
)

// StepExecutionRequest is the workflow input: everything an ExecuteStepActivity
// needs to run one step against a concrete Target.
type StepExecutionRequest struct {
	SandboxID string
	RouteRef  string
	Command   string
	Args      []string
	Inputs    map[string]any
	Config    sandbox.Config
	TimeoutMS int64
}

// StepExecutionResult mirrors sandbox.ExecutionResponse but drops the error
// value (Temporal activities return errors through the workflow's own error
// channel, not as a struct field) and carries it back as ErrMessage instead.
type StepExecutionResult struct {
	Outputs    map[string]any
	Stdout     string
	Stderr     string
	ExitCode   int
	LatencyMS  int64
	Violations []sandbox.Violation
	ErrMessage string
}

// Activities bundles the Target a worker executes steps against. Exactly
// one Target is wired per worker process and shared by every registered
// activity.
type Activities struct {
	Target sandbox.Target
}

// ExecuteStepActivity runs one step through the bound Target, heartbeating
// is left to the Target's own deadline handling since sandbox.Target's
// contract is already a bounded, single-shot call.
func (a *Activities) ExecuteStepActivity(ctx context.Context, req StepExecutionRequest) (StepExecutionResult, error) {
	resp, err := a.Target.Execute(ctx, sandbox.ExecutionRequest{
		SandboxID: req.SandboxID,
		RouteRef:  req.RouteRef,
		Command:   req.Command,
		Args:      req.Args,
		Inputs:    req.Inputs,
		Config:    req.Config,
	})
	if err != nil {
		return StepExecutionResult{}, fmt.Errorf("temporal: execute step activity: %w", err)
	}

	result := StepExecutionResult{
		Outputs: resp.Outputs, Stdout: resp.Stdout, Stderr: resp.Stderr,
		ExitCode: resp.ExitCode, LatencyMS: resp.LatencyMS, Violations: resp.Violations,
	}
	if resp.Err != nil {
		result.ErrMessage = resp.Err.Error()
	}
	return result, nil
}

// StepExecutionWorkflow is the single EXECUTE phase of the engine's
// ROUTE->POLICY-GATE->EXECUTE->SNAPSHOT->VERIFY->ATTEST->REWARD pipeline,
// run as a Temporal workflow so a crashed worker or a network partition
// during execution is retried by Temporal rather than leaving the step's
// lease to expire and wait for opshealth's reclaim loop.
func StepExecutionWorkflow(ctx workflow.Context, req StepExecutionRequest) (StepExecutionResult, error) {
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	opts := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1, // the engine owns retry/backoff, not the workflow
		},
	}
	actCtx := workflow.WithActivityOptions(ctx, opts)

	var a *Activities
	var result StepExecutionResult
	if err := workflow.ExecuteActivity(actCtx, a.ExecuteStepActivity, req).Get(ctx, &result); err != nil {
		return StepExecutionResult{}, fmt.Errorf("temporal: step execution workflow: %w", err)
	}
	return result, nil
}
