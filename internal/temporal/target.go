package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/orchestra/internal/sandbox"
)

// Target dispatches step execution as a Temporal workflow, implementing
// sandbox.Target and sandbox.RemoteTarget so the engine can swap it in
// for LocalTarget without any change to its dispatch code.
type Target struct {
	client   client.Client
	hostPort string
}

// NewTarget dials a Temporal server and returns a Target bound to it. The
// caller owns the returned Target's lifetime and must call Close when done.
func NewTarget(hostPort string) (*Target, error) {
	if hostPort == "" {
		hostPort = "127.0.0.1:7233"
	}
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial %s: %w", hostPort, err)
	}
	return &Target{client: c, hostPort: hostPort}, nil
}

// Close releases the underlying Temporal client connection.
func (t *Target) Close() {
	if t.client != nil {
		t.client.Close()
	}
}

// Client exposes the underlying Temporal client for callers that need direct
// access, such as opshealth's reclaim loop terminating zombie workflows.
func (t *Target) Client() client.Client { return t.client }

// Endpoint satisfies sandbox.RemoteTarget.
func (t *Target) Endpoint() string { return t.hostPort }

// Execute starts a StepExecutionWorkflow run and blocks for its result,
// translating Temporal's workflow-run handle into the adapter-neutral
// sandbox.ExecutionResponse every Target returns.
func (t *Target) Execute(ctx context.Context, req sandbox.ExecutionRequest) (sandbox.ExecutionResponse, error) {
	opts := client.StartWorkflowOptions{
		ID:        "step-exec-" + req.SandboxID,
		TaskQueue: TaskQueue,
	}

	wfReq := StepExecutionRequest{
		SandboxID: req.SandboxID,
		RouteRef:  req.RouteRef,
		Command:   req.Command,
		Args:      req.Args,
		Inputs:    req.Inputs,
		Config:    req.Config,
		TimeoutMS: req.Config.MaxDurationMS,
	}

	run, err := t.client.ExecuteWorkflow(ctx, opts, StepExecutionWorkflow, wfReq)
	if err != nil {
		return sandbox.ExecutionResponse{}, fmt.Errorf("temporal: start step execution workflow: %w", err)
	}

	var result StepExecutionResult
	if err := run.Get(ctx, &result); err != nil {
		return sandbox.ExecutionResponse{}, fmt.Errorf("temporal: step execution workflow %s: %w", run.GetID(), err)
	}

	resp := sandbox.ExecutionResponse{
		Outputs: result.Outputs, Stdout: result.Stdout, Stderr: result.Stderr,
		ExitCode: result.ExitCode, LatencyMS: result.LatencyMS, Violations: result.Violations,
	}
	if result.ErrMessage != "" {
		resp.Err = errors.New(result.ErrMessage)
	}
	return resp, nil
}
