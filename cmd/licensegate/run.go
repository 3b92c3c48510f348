package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"licensegate/internal/app"
	"licensegate/internal/license"
)

const stopGrace = 5 * time.Second

func runCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Check the license, then run a command",
		Long: `Run checks the local license and starts the command once it is valid.
When activation is required the activation surface stays up until the user
activates, then the command starts.

Sending SIGHUP re-validates the license as if the application resumed. The
command is stopped when the license is no longer valid and restarted after
a new activation.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup := &supervisor{
				name:   args[0],
				args:   args[1:],
				stdin:  cmd.InOrStdin(),
				stdout: cmd.OutOrStdout(),
				stderr: cmd.ErrOrStderr(),
			}
			appOpts := app.Options{
				Proceed: sup.proceed,
				Presenter: license.ActivationPresenterFunc(func(ctx context.Context, cause error) {
					sup.stop(ctx)
					if cause != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "License check failed: %v\n", cause)
					}
					fmt.Fprintln(cmd.ErrOrStderr(), "Activation required. Use `licensegate activate` or the activation page to continue.")
				}),
			}
			return withApp(cmd, opts, appOpts, func(ctx context.Context, a *app.Application) error {
				sup.logger = a.Logger
				return a.RunWith(ctx, func(ctx context.Context) error {
					return superviseWithResume(ctx, a.Gate, sup, resumeSignals())
				})
			})
		},
	}
}

// resumeSignals delivers SIGHUP, which stands in for an application resume.
func resumeSignals() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	return ch
}

type gateRunner interface {
	Run(ctx context.Context) error
}

// superviseWithResume runs the gate, then re-runs it on every resume signal
// until the supervised command exits.
func superviseWithResume(ctx context.Context, gate gateRunner, sup *supervisor, resume <-chan os.Signal) error {
	defer sup.stop(context.WithoutCancel(ctx))

	if err := gate.Run(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sup.exited():
			return err
		case <-resume:
			sup.log(ctx, "Resume signal received, checking license")
			if err := gate.Run(ctx); err != nil {
				return err
			}
		}
	}
}

// supervisor owns the protected command. proceed starts it unless it is
// already running.
type supervisor struct {
	name   string
	args   []string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

func (s *supervisor) proceed(ctx context.Context, lic *license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	cmd := exec.Command(s.name, s.args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = s.stdin, s.stdout, s.stderr
	cmd.Env = append(os.Environ(),
		"LICENSEGATE_LICENSE_ID="+lic.ID,
		"LICENSEGATE_LICENSE_METHOD="+string(lic.ActivationMethod),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.name, err)
	}
	s.log(ctx, "Command started", slog.String("command", s.name), slog.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	s.cmd, s.done = cmd, done
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
		}
		s.mu.Unlock()
		done <- err
	}()
	return nil
}

// exited returns the channel of the running command, or nil when none runs.
func (s *supervisor) exited() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// stop terminates the running command, killing it after a grace period.
func (s *supervisor) stop(ctx context.Context) {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.cmd, s.done = nil, nil
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	s.log(ctx, "Stopping command", slog.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

func (s *supervisor) log(ctx context.Context, msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		s.logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
	}
}
