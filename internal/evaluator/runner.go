package evaluator

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "reportbot/pkg/logx"
)

// Command is one generator invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes a generator and returns its stdout. A run cut short by the
// context deadline must return an error marked ErrTimeout after the process
// is gone.
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// ExecRunner runs generators as child processes. Each child gets its own
// process group so a timeout kills the generator and anything it spawned.
type ExecRunner struct {
	Log logx.Logger
	// WaitDelay bounds how long Run waits for output pipes after the kill.
	WaitDelay time.Duration
}

const stderrTail = 2048

func (r ExecRunner) Run(ctx context.Context, c Command) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", evalErr("generator command is empty")
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			r.Log.Warn("generator killed by timeout", logx.String("cmd", c.String()), logx.Duration("dur", dur))
			return "", errors.Mark(errors.Wrapf(ctxErr, "generator %s killed after %s", c.Name, dur.Round(time.Millisecond)), ErrTimeout)
		}
		return "", errors.Mark(errors.Wrapf(ctxErr, "generator %s cancelled", c.Name), ErrEvaluation)
	}
	if err != nil {
		tail := stderr.String()
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
		return "", errors.Mark(errors.Wrapf(err, "generator %s: %s", c.Name, strings.TrimSpace(tail)), ErrEvaluation)
	}
	r.Log.Debug("generator finished", logx.String("cmd", c.Name), logx.Duration("dur", dur), logx.Int("stdout_bytes", stdout.Len()))
	return stdout.String(), nil
}
