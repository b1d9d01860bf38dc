package temporal

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/orchestra/internal/sandbox"
)

// TaskQueue is the queue name every orchestra worker and client shares.
const TaskQueue = "orchestra-task-queue"

// StartWorker connects to Temporal and hosts StepExecutionWorkflow against
// target, blocking until the process receives an interrupt.
func StartWorker(hostPort string, target sandbox.Target, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if hostPort == "" {
		hostPort = "127.0.0.1:7233"
	}

	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("temporal: dial %s: %w", hostPort, err)
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})

	acts := &Activities{Target: target}
	w.RegisterWorkflow(StepExecutionWorkflow)
	w.RegisterActivity(acts.ExecuteStepActivity)

	logger.Info("temporal worker started", "task_queue", TaskQueue, "host_port", hostPort)
	return w.Run(worker.InterruptCh())
}
