// Package kohya runs kohya_ss training commands as supervised subprocesses,
// streaming stdout/stderr lines back to the caller for progress parsing.
package kohya

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/domain"
)

const (
	// killGrace is how long a SIGTERM'd trainer gets before SIGKILL.
	killGrace = 5 * time.Second

	maxLineSize = 1 << 20
)

// Runner implements domain.Trainer.
type Runner struct{}

// New returns a process-spawning trainer runner.
func New() Runner { return Runner{} }

// Run spawns the trainer and blocks until it exits. Every non-empty output
// line is delivered to onLine tagged with its stream. A configured timeout
// sends SIGTERM and escalates to SIGKILL after the grace period.
func (Runner) Run(ctx domain.Context, run domain.TrainerRun, onLine func(line, source string)) error {
	if run.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, run.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, run.Bin, run.Args...)
	cmd.Dir = run.Dir
	cmd.Env = mergedEnv(run.Env)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("op=kohya.Run: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("op=kohya.Run: %w", err)
	}

	slog.Info("starting trainer",
		slog.String("bin", run.Bin),
		slog.String("dir", run.Dir),
		slog.Int("args", len(run.Args)),
		slog.Duration("timeout", run.Timeout))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("op=kohya.Run bin=%s: %w", run.Bin, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(&wg, stdout, "stdout", onLine)
	go scanLines(&wg, stderr, "stderr", onLine)
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: kohya_ss timed out after %s", domain.ErrTimeout, run.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("kohya_ss exited with code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("op=kohya.Run bin=%s: %w", run.Bin, err)
	}
	return nil
}

func scanLines(wg *sync.WaitGroup, r io.Reader, source string, onLine func(line, source string)) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		onLine(line, source)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("trainer output scan aborted", slog.String("source", source), slog.Any("error", err))
	}
}

func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
