package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestExecute_CapturesStdoutAndExitCode(t *testing.T) {
	s := NewLocalSandbox(t.TempDir())
	result, err := s.Execute(context.Background(), "sb-1", "sh", []string{"-c", "echo hello"}, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Stdout != "hello\n" {
		t.Fatalf("expected captured stdout 'hello\\n', got %q", result.Stdout)
	}
	if result.ExitCode != 0 || !result.Success {
		t.Fatalf("expected a successful zero-exit run, got exit=%d success=%v", result.ExitCode, result.Success)
	}
}

func TestExecute_NonZeroExitIsNotSuccess(t *testing.T) {
	s := NewLocalSandbox(t.TempDir())
	result, err := s.Execute(context.Background(), "sb-2", "sh", []string{"-c", "exit 3"}, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected success=false for a nonzero exit")
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
}

func TestExecute_WorkspaceDeletedAfterCompletion(t *testing.T) {
	base := t.TempDir()
	s := NewLocalSandbox(base)
	_, err := s.Execute(context.Background(), "sb-3", "sh", []string{"-c", "echo hi"}, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(base, "sandbox-sb-3")); !os.IsNotExist(statErr) {
		t.Fatalf("expected the workspace directory to be removed after execution")
	}
}

func TestExecute_WritesInputFilesIntoWorkspace(t *testing.T) {
	s := NewLocalSandbox(t.TempDir())
	inputs := map[string]any{"files": map[string]any{"greeting.txt": "hi there"}}
	result, err := s.Execute(context.Background(), "sb-4", "sh", []string{"-c", "cat greeting.txt"}, inputs, DefaultConfig())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Stdout != "hi there" {
		t.Fatalf("expected input file content echoed back, got %q", result.Stdout)
	}
}

func TestExecute_RejectsPathTraversalInInputFiles(t *testing.T) {
	s := NewLocalSandbox(t.TempDir())
	inputs := map[string]any{"files": map[string]any{"../escape.txt": "nope"}}
	_, err := s.Execute(context.Background(), "sb-5", "sh", []string{"-c", "true"}, inputs, DefaultConfig())
	if err == nil {
		t.Fatalf("expected an error when an input file path escapes the workspace")
	}
}

func TestExecute_DetectsNetworkAccessViolation(t *testing.T) {
	s := NewLocalSandbox(t.TempDir())
	result, err := s.Execute(context.Background(), "sb-6", "sh", []string{"-c", "echo 'curl http://evil'"}, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected success=false once a network-access pattern is detected")
	}
	found := false
	for _, v := range result.Violations {
		if v.Kind == "network_access_attempt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a network_access_attempt violation, got %+v", result.Violations)
	}
}

func TestExecute_ReadsOutputsJSONWhenPresent(t *testing.T) {
	s := NewLocalSandbox(t.TempDir())
	result, err := s.Execute(context.Background(), "sb-7", "sh", []string{"-c", `echo '{"status":"ok"}' > outputs.json`}, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outputs["status"] != "ok" {
		t.Fatalf("expected outputs.json to be parsed into Outputs, got %+v", result.Outputs)
	}
}

func TestLocalTarget_ExecuteAdaptsSandboxResult(t *testing.T) {
	target := NewLocalTarget(t.TempDir())
	resp, err := target.Execute(context.Background(), ExecutionRequest{
		SandboxID: "sb-8", Command: "sh", Args: []string{"-c", "echo adapted"}, Config: DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Stdout != "adapted\n" {
		t.Fatalf("expected adapted stdout, got %q", resp.Stdout)
	}
	if resp.Err != nil {
		t.Fatalf("expected no error for a clean zero-exit run, got %v", resp.Err)
	}
}

func TestDefaultConfig_ConservativeCaps(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.NetworkIsolation || !cfg.FilesystemIsolation {
		t.Fatalf("expected network and filesystem isolation on by default")
	}
	if cfg.MaxDurationMS != 300000 {
		t.Fatalf("expected a 5-minute default wall clock, got %d", cfg.MaxDurationMS)
	}
}

// TestExecute_TerminatesOnMemoryLimitExceeded exercises the resource-cap
// enforcement path: a cap set below any real process's resident set should
// get the child killed and reported as a resource_limit_exceeded violation
// on the first monitor tick.
func TestExecute_TerminatesOnMemoryLimitExceeded(t *testing.T) {
	s := NewLocalSandbox(t.TempDir())
	cfg := DefaultConfig()
	cfg.MaxMemoryMB = 1 // sh's own RSS is well above 1MB on any real system
	result, err := s.Execute(context.Background(), "sb-9", "sh", []string{"-c", "sleep 3"}, nil, cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected success=false once the memory cap is exceeded")
	}
	found := false
	for _, v := range result.Violations {
		if v.Kind == "resource_limit_exceeded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a resource_limit_exceeded violation, got %+v", result.Violations)
	}
}

// TestSampleProcess_ReadsOwnProcStats sanity-checks sampleProcess against
// the test binary's own pid, independent of the sandbox/monitor plumbing.
func TestSampleProcess_ReadsOwnProcStats(t *testing.T) {
	rssMB, cpuTicks, ok := sampleProcess(os.Getpid())
	if !ok {
		t.Fatalf("expected sampleProcess to succeed against a live pid")
	}
	if rssMB <= 0 {
		t.Fatalf("expected a positive RSS sample for the running test binary, got %d", rssMB)
	}
	_ = cpuTicks // cumulative ticks may legitimately be 0 this early; just confirm it doesn't error
}
