// Package execute runs external commands with a timeout and captures their
// output. It deliberately carries no retry policy; retries belong to callers
// that understand the semantics of the command they are running.
package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// CommandError describes a failed external command: non-zero exit, spawn
// failure, or timeout. ExitCode is -1 when no exit status is available
// (the process never started or was killed by the timeout).
type CommandError struct {
	// Command is the program name plus its arguments, space-joined
	Command string

	// ExitCode is the process exit status, or -1 when unknown
	ExitCode int

	// Stderr is the trimmed standard error output
	Stderr string

	// Err is the underlying error from os/exec or the context
	Err error
}

// Error implements the error interface
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As chains
func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode extracts the exit code buried anywhere in err's chain.
// Returns -1 when err carries no exit status.
func ExitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

// Runner executes external programs. The timeout bounds the whole process
// lifetime; on expiry the process is killed and the call fails with a
// *CommandError wrapping context.DeadlineExceeded.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, program string, args ...string) (stdout, stderr string, err error)
}

// runner implements Runner using os/exec
type runner struct {
	newCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates a Runner backed by os/exec
func New() Runner {
	return &runner{
		newCommand: exec.CommandContext,
	}
}

// Run executes program with args, bounded by timeout
func (r *runner) Run(ctx context.Context, timeout time.Duration, program string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := r.newCommand(ctx, program, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmdline := program
	if len(args) > 0 {
		cmdline = program + " " + strings.Join(args, " ")
	}
	klog.V(5).Infof("Executing: %s", cmdline)

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		}
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, ctxErr)
			exitCode = -1
		}
		return stdout.String(), stderr.String(), &CommandError{
			Command:  cmdline,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	klog.V(5).Infof("Command succeeded: %s", cmdline)
	return stdout.String(), stderr.String(), nil
}
