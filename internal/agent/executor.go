package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/hetuflow/hetuflow/internal/model"
)

// Result is one execution attempt's outcome, grounded on
// fluxforge/agent/executor.go's Execute/sendResult shape (stdout, stderr,
// exit code, status), adapted to feed a TaskInstanceChanged frame instead of
// an HTTP POST to /jobs/result.
type Result struct {
	Succeeded bool
	Output    string
	Error     string
}

// Executor runs a Task's command in a shell, grounded on
// fluxforge/agent/executor.go's `sh -c` invocation and exit-code extraction
// via syscall.WaitStatus.
type Executor struct{}

func NewExecutor() *Executor { return &Executor{} }

// Execute runs command via sh -c with env as the process environment,
// bounded by task.Config.TimeoutSecs when set.
func (e *Executor) Execute(ctx context.Context, task model.Task, command string, env []string) Result {
	if task.Config.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.Config.TimeoutSecs)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return Result{Succeeded: true, Output: stdout.String()}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return Result{Succeeded: false, Output: stdout.String(), Error: "execution timed out"}
	}

	exitCode := 1
	if exitErr, ok := err.(*exec.ExitError); ok {
		if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			exitCode = waitStatus.ExitStatus()
		}
	}
	errMsg := fmt.Sprintf("exit code %d: %s", exitCode, stderr.String())
	return Result{Succeeded: false, Output: stdout.String(), Error: errMsg}
}
