package jbig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// stderrLimit caps how much of a tool's stderr is kept for error messages.
const stderrLimit = 4 << 10

// waitDelay is how long Run waits for the output pipes to close after the
// tool is killed or exits. A grandchild still holding stdout is cut off then.
const waitDelay = time.Second

// Invocation describes one run of an external tool.
type Invocation struct {
	Args []string
	// Stdin is written to the tool's standard input. Nil leaves stdin empty.
	Stdin []byte
	// OutputLimit bounds the captured stdout. Zero or less means unbounded.
	OutputLimit int
}

// Result is what a tool produced. A non-zero ExitCode is not an error at this level.
type Result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	// Overflow is set when stdout exceeded Invocation.OutputLimit. Stdout then
	// holds only the first OutputLimit bytes.
	Overflow bool
}

// Tool is an external command the converter shells out to.
type Tool interface {
	Name() string
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecTool runs an executable with os/exec.
type ExecTool struct {
	// Path is the executable, resolved through PATH when it has no separator.
	Path string
	// Label overrides the name used in errors and logs. Defaults to the base of Path.
	Label string
	// Args are prepended to every invocation.
	Args []string
	// Env is appended to the current process environment.
	Env []string
	// Timeout bounds each run. Zero means the run lasts as long as ctx.
	Timeout time.Duration
}

func (t ExecTool) Name() string {
	if strings.TrimSpace(t.Label) != "" {
		return t.Label
	}
	return filepath.Base(t.Path)
}

func (t ExecTool) Run(ctx context.Context, inv Invocation) (Result, error) {
	if strings.TrimSpace(t.Path) == "" {
		return Result{}, errors.New("tool path is required")
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(t.Args)+len(inv.Args))
	args = append(args, t.Args...)
	args = append(args, inv.Args...)

	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.WaitDelay = waitDelay
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}

	stdout := &boundedBuffer{limit: inv.OutputLimit}
	stderr := &boundedBuffer{limit: stderrLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   strings.TrimSpace(stderr.String()),
		Overflow: stdout.overflow,
	}
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("run %s: %w", t.Name(), ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("run %s: %w", t.Name(), err)
}

// boundedBuffer keeps at most limit bytes and silently drains the rest so the
// child never blocks on a full pipe.
type boundedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room < len(p) {
			b.overflow = true
			if room > 0 {
				b.buf.Write(p[:room])
			}
			return len(p), nil
		}
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
