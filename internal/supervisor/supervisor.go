// Package supervisor keeps one capture engine running per device. It is the
// body of the detached per-device process the lifecycle launches: it owns
// exactly one engine child at a time, relaunches it whenever it exits, and
// shuts the child down cleanly when told to stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helicopterrun/LyreBirdAudio/internal/logging"
	"github.com/helicopterrun/LyreBirdAudio/internal/proc"
)

const (
	// DefaultRestartDelay separates an engine exit from its relaunch. Fixed,
	// no backoff growth: a capture engine that keeps dying should keep being
	// retried at a steady, predictable rate.
	DefaultRestartDelay = 5 * time.Second

	// killGrace is how long a stopping engine gets to flush and exit before
	// SIGKILL.
	killGrace = 3 * time.Second
)

// Options configures one pipeline supervisor.
type Options struct {
	Identity      string
	Argv          []string // engine invocation
	PIDFile       string   // records the supervisor itself
	EnginePIDFile string   // records the current engine child
	LogPath       string   // marker lines interleaved with raw engine output
	LogLevel      string
	RestartDelay  time.Duration // defaults to DefaultRestartDelay
}

// Supervisor runs the restart loop for one device.
type Supervisor struct {
	opts     Options
	log      zerolog.Logger
	logFile  *os.File
	launches int
}

// New opens the pipeline log and records the supervisor's pid.
func New(opts Options) (*Supervisor, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("supervisor needs an engine command")
	}
	if opts.Identity == "" {
		return nil, errors.New("supervisor needs an identity")
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}

	if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0755); err != nil {
		return nil, fmt.Errorf("create pipeline log dir: %w", err)
	}
	logFile, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pipeline log: %w", err)
	}

	if err := proc.WritePIDFile(opts.PIDFile, os.Getpid()); err != nil {
		logFile.Close()
		return nil, err
	}

	log := logging.NewPipeline(opts.LogLevel, logFile).With().
		Str("identity", opts.Identity).Logger()

	return &Supervisor{opts: opts, log: log, logFile: logFile}, nil
}

// Run loops until the context is cancelled: marker line, engine launch,
// wait, marker line, fixed delay, again. Engine exits are recovery events,
// not errors; the loop never gives up on its device.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info().Int("pid", os.Getpid()).Msg("supervisor started")

	for {
		if ctx.Err() != nil {
			s.log.Info().Msg("supervisor stopping")
			return nil
		}

		s.launches++
		marker := s.log.With().
			Int("launch", s.launches).
			Str("run", uuid.NewString()[:8]).
			Logger()

		cmd := exec.Command(s.opts.Argv[0], s.opts.Argv[1:]...)
		cmd.Stdout = s.logFile
		cmd.Stderr = s.logFile

		marker.Info().Str("engine", s.opts.Argv[0]).Msg("engine starting")
		started := time.Now()

		if err := cmd.Start(); err != nil {
			marker.Error().Err(err).Msg("engine failed to start")
		} else {
			if err := proc.WritePIDFile(s.opts.EnginePIDFile, cmd.Process.Pid); err != nil {
				marker.Warn().Err(err).Msg("engine pid not recorded")
			}

			waitCh := make(chan error, 1)
			go func() { waitCh <- cmd.Wait() }()

			select {
			case err := <-waitCh:
				marker.Warn().Err(err).Dur("uptime", time.Since(started)).Msg("engine exited")
			case <-ctx.Done():
				s.stopEngine(cmd, waitCh, marker)
				proc.RemovePIDFile(s.opts.EnginePIDFile)
				s.log.Info().Msg("supervisor stopping")
				return nil
			}
			proc.RemovePIDFile(s.opts.EnginePIDFile)
		}

		select {
		case <-ctx.Done():
		case <-time.After(s.opts.RestartDelay):
		}
	}
}

// stopEngine terminates the running engine, escalating after killGrace.
func (s *Supervisor) stopEngine(cmd *exec.Cmd, waitCh <-chan error, log zerolog.Logger) {
	log.Info().Msg("stopping engine")
	cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-waitCh:
	case <-time.After(killGrace):
		log.Warn().Msg("engine ignored SIGTERM, killing")
		cmd.Process.Kill()
		<-waitCh
	}
}

// Close removes the supervision records and closes the log.
func (s *Supervisor) Close() error {
	proc.RemovePIDFile(s.opts.PIDFile)
	proc.RemovePIDFile(s.opts.EnginePIDFile)
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}
