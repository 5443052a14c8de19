package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// TimeoutKind names which spawn timer fired.
type TimeoutKind string

const (
	TimeoutNone      TimeoutKind = ""
	TimeoutFirstByte TimeoutKind = "first_byte"
	TimeoutIdle      TimeoutKind = "idle"
	TimeoutTotal     TimeoutKind = "total"
)

// SpawnTimeouts couples the three child-process timers.
type SpawnTimeouts struct {
	FirstByte time.Duration // child must produce output or die
	Idle      time.Duration // reset on every chunk
	Total     time.Duration // hard ceiling
}

// DefaultSpawnTimeouts matches the subprocess backend defaults.
func DefaultSpawnTimeouts() SpawnTimeouts {
	return SpawnTimeouts{
		FirstByte: 15 * time.Second,
		Idle:      45 * time.Second,
		Total:     120 * time.Second,
	}
}

// SpawnResult is the outcome of a supervised child process.
type SpawnResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  TimeoutKind
	SawOutput bool // any byte on stdout or stderr
}

// Classify maps a finished spawn to an error kind, or nil on success.
// Idle and total timeouts are transient; a first-byte timeout is its own
// actionable kind and is never retried. Output text is also pattern-matched.
func (r SpawnResult) Classify() error {
	combined := r.Stdout + "\n" + r.Stderr
	switch {
	case r.TimedOut == TimeoutFirstByte:
		return NewTurnError(KindFirstByteTimeout, fmt.Errorf("subprocess produced no output within first-byte window"))
	case r.TimedOut == TimeoutIdle, r.TimedOut == TimeoutTotal:
		return NewTurnError(KindTransient, fmt.Errorf("subprocess timed out (%s)", r.TimedOut))
	case IsModelUnavailableText(combined):
		return NewTurnError(KindModelUnavailable, fmt.Errorf("subprocess reported model unavailable: %s", firstLine(r.Stderr)))
	case r.ExitCode != 0 && IsTransientText(combined):
		return NewTurnError(KindTransient, fmt.Errorf("subprocess failed transiently (exit %d): %s", r.ExitCode, firstLine(r.Stderr)))
	case r.ExitCode != 0:
		return NewTurnError(KindFatal, fmt.Errorf("subprocess exited %d: %s", r.ExitCode, firstLine(r.Stderr)))
	default:
		return nil
	}
}

func firstLine(s string) string {
	if i := bytes.IndexByte([]byte(s), '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Command describes the child process to spawn. Env, when non-nil, replaces
// the inherited environment so credentials the child does not need are not
// passed along.
type Command struct {
	Name  string
	Args  []string
	Stdin string
	Env   []string
}

// SpawnWithTimeouts runs a child process under the coupled timers. onChunk,
// when non-nil, receives every stdout chunk as it arrives (stream order).
// Termination is SIGTERM first, SIGKILL 500 ms later. Context cancellation
// follows the same termination path and surfaces as KindCancelled.
func SpawnWithTimeouts(ctx context.Context, t SpawnTimeouts, spec Command, onChunk func([]byte)) (SpawnResult, error) {
	// runCtx is cancelled by the parent OR by a fired timer; the command is
	// bound to it so either path walks the SIGTERM then SIGKILL sequence.
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.Cancel = func() error {
		// Graceful first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 500 * time.Millisecond

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return SpawnResult{}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return SpawnResult{}, err
	}

	var res SpawnResult
	var mu sync.Mutex
	var stdout, stderr bytes.Buffer

	// activity is signalled on every chunk; the supervisor resets the idle
	// timer and latches SawOutput.
	activity := make(chan struct{}, 1)
	notify := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	if err := cmd.Start(); err != nil {
		return SpawnResult{}, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32<<10)
		for {
			n, err := stdoutPipe.Read(buf)
			if n > 0 {
				mu.Lock()
				stdout.Write(buf[:n])
				mu.Unlock()
				if onChunk != nil {
					onChunk(buf[:n])
				}
				notify()
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 8<<10)
		for {
			n, err := stderrPipe.Read(buf)
			if n > 0 {
				mu.Lock()
				stderr.Write(buf[:n])
				mu.Unlock()
				notify()
			}
			if err != nil {
				return
			}
		}
	}()

	// Supervisor: first-byte, idle, and total timers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		firstByte := time.NewTimer(t.FirstByte)
		defer firstByte.Stop()
		total := time.NewTimer(t.Total)
		defer total.Stop()
		var idle *time.Timer
		var idleC <-chan time.Time

		for {
			select {
			case <-runCtx.Done():
				return
			case <-activity:
				if !res.SawOutput {
					res.SawOutput = true
					firstByte.Stop()
					idle = time.NewTimer(t.Idle)
					idleC = idle.C
					defer idle.Stop()
				} else if idle != nil {
					if !idle.Stop() {
						select {
						case <-idle.C:
						default:
						}
					}
					idle.Reset(t.Idle)
				}
			case <-firstByte.C:
				if !res.SawOutput {
					res.TimedOut = TimeoutFirstByte
					cancel(fmt.Errorf("first_byte timeout"))
					return
				}
			case <-idleC:
				res.TimedOut = TimeoutIdle
				cancel(fmt.Errorf("idle timeout"))
				return
			case <-total.C:
				res.TimedOut = TimeoutTotal
				cancel(fmt.Errorf("total timeout"))
				return
			}
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	cancel(nil)
	<-done

	mu.Lock()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	mu.Unlock()

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if waitErr != nil && res.TimedOut == TimeoutNone {
		res.ExitCode = -1
	}

	if ctx.Err() != nil && res.TimedOut == TimeoutNone {
		return res, NewTurnError(KindCancelled, ctx.Err())
	}
	return res, nil
}
