package sandbox

import (
	"context"
	"fmt"
)

func errExitNonZero(code int) error {
	return fmt.Errorf("sandbox: process exited with code %d", code)
}

// Target is the execution target adapter contract: execute(routeRef,
// stepContract, inputs, deadline) -> {outputs, stdout?, stderr?,
// exitCode?, latency_ms, cost, error?}. The core dispatches through this
// interface without caring whether the backend is a local sandbox or a
// remote tool endpoint.
type Target interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error)
}

// ExecutionRequest carries everything a Target needs to run one step.
type ExecutionRequest struct {
	SandboxID  string
	RouteRef   string
	Command    string
	Args       []string
	Inputs     map[string]any
	Config     Config
}

// ExecutionResponse is the adapter-neutral result the scheduler consumes
// regardless of which Target produced it.
type ExecutionResponse struct {
	Outputs    map[string]any
	Stdout     string
	Stderr     string
	ExitCode   int
	LatencyMS  int64
	Cost       float64
	Violations []Violation
	Err        error
}

// LocalTarget adapts LocalSandbox to the Target interface.
type LocalTarget struct {
	sandbox *LocalSandbox
}

// NewLocalTarget wraps a LocalSandbox as a Target.
func NewLocalTarget(baseDir string) *LocalTarget {
	return &LocalTarget{sandbox: NewLocalSandbox(baseDir)}
}

func (t *LocalTarget) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error) {
	result, err := t.sandbox.Execute(ctx, req.SandboxID, req.Command, req.Args, req.Inputs, req.Config)
	if err != nil {
		return ExecutionResponse{}, err
	}
	resp := ExecutionResponse{
		Outputs:    result.Outputs,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		LatencyMS:  result.DurationMS,
		Violations: result.Violations,
	}
	if !result.Success && len(result.Violations) == 0 && result.ExitCode != 0 {
		resp.Err = errExitNonZero(result.ExitCode)
	}
	return resp, nil
}

// RemoteTarget is a gRPC-shaped interface-only adapter for a remote tool
// endpoint: no transport implementation is provided, only the contract a
// future implementation would satisfy.
type RemoteTarget interface {
	Target
	Endpoint() string
}
