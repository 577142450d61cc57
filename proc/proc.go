// Package proc runs external tools in their own process group so that a
// cancelled context kills the whole tree, not just the direct child.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultOutputLimit caps captured stdout and stderr.
const DefaultOutputLimit = 64 * 1024

// Spec describes one invocation.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the parent environment.
	Env []string

	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed. Default 5s.
	WaitDelay time.Duration

	// OutputLimit is how many trailing bytes of each stream are kept.
	OutputLimit int
}

// Result is a finished process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	// Killed is set when the process was stopped because ctx ended.
	Killed bool
}

// ExitError is returned for a non-zero exit.
type ExitError struct {
	Result *Result
}

func (e *ExitError) Error() string {
	if e.Result.Killed {
		return "process killed"
	}
	return fmt.Sprintf("exit status %d", e.Result.ExitCode)
}

// Run starts spec and waits for it. A process that exits non-zero yields an
// *ExitError carrying the captured output. If ctx ends first the process
// group is killed and the context error is joined to the ExitError.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.WaitDelay <= 0 {
		spec.WaitDelay = 5 * time.Second
	}
	if spec.OutputLimit <= 0 {
		spec.OutputLimit = DefaultOutputLimit
	}

	stdout := &TailBuffer{Limit: spec.OutputLimit}
	stderr := &TailBuffer{Limit: spec.OutputLimit}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(cmd.Environ(), spec.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = spec.WaitDelay
	setProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}
	// A clean exit whose grandchildren held the pipes open past WaitDelay.
	if errors.Is(err, exec.ErrWaitDelay) && res.ExitCode == 0 && ctx.Err() == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		if ctxErr := ctx.Err(); ctxErr != nil && cmd.ProcessState == nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("running %s: %w", spec.Path, err)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Killed = true
		return res, errors.Join(&ExitError{Result: res}, ctxErr)
	}
	return res, &ExitError{Result: res}
}

// TailBuffer keeps the last Limit bytes written to it.
type TailBuffer struct {
	Limit int
	buf   bytes.Buffer
	// Truncated is set once bytes have been dropped.
	Truncated bool
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if t.Limit > 0 && len(p) >= t.Limit {
		t.buf.Reset()
		p = p[len(p)-t.Limit:]
		t.Truncated = true
	}
	t.buf.Write(p)
	if over := t.buf.Len() - t.Limit; t.Limit > 0 && over > 0 {
		t.buf.Next(over)
		t.Truncated = true
	}
	return n, nil
}

// Bytes returns a copy of the retained bytes.
func (t *TailBuffer) Bytes() []byte {
	return bytes.Clone(t.buf.Bytes())
}

// String returns the retained bytes as a string.
func (t *TailBuffer) String() string {
	return t.buf.String()
}
