package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	berrors "github.com/bodhya/bodhya/pkg/errors"
)

// CommandOutput is the captured result of a command. A non-zero exit status
// is a normal outcome, not an error.
type CommandOutput struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args,omitempty"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Success reports a zero exit status without timeout.
func (o *CommandOutput) Success() bool {
	return o != nil && o.ExitCode == 0 && !o.TimedOut
}

// Combined returns stderr followed by stdout.
func (o *CommandOutput) Combined() string {
	if o == nil {
		return ""
	}
	switch {
	case o.Stderr == "":
		return o.Stdout
	case o.Stdout == "":
		return o.Stderr
	}
	return o.Stderr + "\n" + o.Stdout
}

// String renders the command line for logs and summaries.
func (o *CommandOutput) String() string {
	return strings.TrimSpace(o.Command + " " + strings.Join(o.Args, " "))
}

// Run executes command with args in the working root. No shell is involved.
// When timeout elapses the whole process group is killed and the output is
// returned with TimedOut set. Cancellation of ctx is reported as an error.
func (s *Sandbox) Run(ctx context.Context, command string, args []string, timeout time.Duration) (*CommandOutput, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, berrors.Newf(berrors.CodeInvalidInput, "command is required")
	}
	if err := s.limits.ConsumeCommand(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.shellTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = s.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	out := &CommandOutput{
		Command:  command,
		Args:     append([]string(nil), args...),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case ctx.Err() != nil:
		return out, berrors.New(berrors.CodeCanceled, "command canceled", ctx.Err()).WithContext("command", out.String())
	case runCtx.Err() == context.DeadlineExceeded:
		out.TimedOut = true
		out.ExitCode = -1
		s.logger.Warn("sandbox.run.timeout", "command", out.String(), "timeout", timeout)
		return out, nil
	case err == nil:
		out.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out, berrors.New(berrors.CodeToolInvocation, "start command", err).WithContext("command", out.String())
		}
		out.ExitCode = exitErr.ExitCode()
	}
	s.logger.Debug("sandbox.run", "command", out.String(), "exit_code", out.ExitCode, "duration", out.Duration)
	return out, nil
}
