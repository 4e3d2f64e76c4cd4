package pipe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// DefaultKillGrace is how long Close waits for a child process to exit on
// its own after its input is closed before killing it.
const DefaultKillGrace = 5 * time.Second

// Command starts cmd and returns the host-side endpoint connected to the
// child's standard input and output. The child's standard error is inherited
// unless cmd.Stderr is already set.
//
// Closing the transport closes the child's input. A child that has not
// exited after DefaultKillGrace is killed. When the child exits, the peer
// hangup is reported through Done and Err. ctx is only used for logging; the
// child outlives it.
func Command(ctx context.Context, cmd *exec.Cmd, opts ...Option) (*Transport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: stdout: %w", err)
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pipe: start %s: %w", cmd.Path, err)
	}

	t := New(stdout, stdin, opts...)

	exited := make(chan struct{})
	go func() {
		// Wait closes stdout, so it must not run until the reader has seen EOF.
		<-t.readerDone
		if err := cmd.Wait(); err != nil {
			t.log.InfoContext(ctx, "pipe.process.exit", "pid", cmd.Process.Pid, "err", err)
		}
		close(exited)
	}()

	t.onClose = func() {
		go func() {
			select {
			case <-exited:
			case <-time.After(DefaultKillGrace):
				_ = cmd.Process.Kill()
			}
		}()
	}

	return t, nil
}
