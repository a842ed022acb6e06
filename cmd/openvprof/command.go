package main

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
)

// runCommand runs the profiled command with the profiler's stdio and returns
// its exit code. When ctx is canceled the command receives SIGTERM and is
// waited for.
func runCommand(ctx context.Context, argv []string, log logger.Logger) (int, error) {
	errFactory := errors.New()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, errFactory.WithData(errors.ErrRunCommand, struct {
			Command string
			Error   string
		}{argv[0], err.Error()})
	}

	log.Debug().
		Strs("argv", argv).
		Int("pid", cmd.Process.Pid).
		Msg("Command started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		log.Info().Int("pid", cmd.Process.Pid).Msg("Terminating command")
		if sigErr := cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			log.Debug().Err(sigErr).Msg("Failed to signal command")
		}
		err = <-done
	}

	code, err := exitCode(err)
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrRunCommand, err)
	}

	log.Debug().Int("exit_code", code).Msg("Command exited")

	return code, nil
}

// exitCode maps the result of Wait to a shell-style exit status.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}

	return exitErr.ExitCode(), nil
}
