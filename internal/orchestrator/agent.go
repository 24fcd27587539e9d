package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/persistence"
)

var (
	errIdleTimeout = errors.New("agent idle timeout: no output")
	errRunTimeout  = errors.New("agent run timeout")
)

// runAgent spawns the external coding agent in the worktree and streams its
// output line-by-line into the run log. It enforces three bounds: an overall
// timeout, an idle timeout that fires when the process produces no output,
// and external cancellation via ctx. A heartbeat line is written at most once
// per interval while the process runs.
func runAgent(ctx context.Context, cfg config.AgentConfig, dir, prompt string, logw *runLogWriter) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.RunTimeoutSecs)*time.Second)
	defer cancel()

	args := []string{"run"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	// activity carries one tick per output line; the monitor goroutine uses
	// it for both the idle timer and the heartbeat.
	activity := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(ctx, &wg, stdout, persistence.StreamStdout, logw, activity)
	go streamLines(ctx, &wg, stderr, persistence.StreamStderr, logw, activity)

	monitorDone := make(chan struct{})
	var monitorErr error
	go func() {
		defer close(monitorDone)
		monitorErr = monitor(ctx, cfg, logw, activity, cancel)
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	// A clean exit must not look like a cancellation: read the context state
	// before the local cancel below taints it.
	ctxErr := ctx.Err()
	cancel()
	<-monitorDone

	if monitorErr != nil {
		return monitorErr
	}
	if ctxErr == context.DeadlineExceeded {
		return errRunTimeout
	}
	if ctxErr == context.Canceled {
		return context.Canceled
	}
	if waitErr != nil {
		return fmt.Errorf("agent exited: %w", waitErr)
	}
	return nil
}

func streamLines(ctx context.Context, wg *sync.WaitGroup, r io.Reader, stream string, logw *runLogWriter, activity chan<- struct{}) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logw.writeLine(ctx, stream, scanner.Text())
		select {
		case activity <- struct{}{}:
		default:
		}
	}
}

// monitor enforces the idle timeout and writes heartbeat lines. It returns
// errIdleTimeout after killing the process via cancel when the agent goes
// quiet for too long.
func monitor(ctx context.Context, cfg config.AgentConfig, logw *runLogWriter, activity <-chan struct{}, cancel context.CancelFunc) error {
	idleTimeout := time.Duration(cfg.IdleTimeoutSecs) * time.Second
	heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	lines := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-activity:
			lines++
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
		case <-ticker.C:
			logw.system(ctx, fmt.Sprintf("heartbeat: agent running, %d lines so far", lines))
		case <-idle.C:
			logw.system(ctx, fmt.Sprintf("killing agent: no output for %s", idleTimeout))
			cancel()
			return errIdleTimeout
		}
	}
}
