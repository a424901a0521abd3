// Package lifecycle drives the deployment as a whole: exclusive startup,
// stale state cleanup, media server launch and readiness, per-device
// pipeline supervision, teardown and status reporting.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helicopterrun/LyreBirdAudio/internal/alsa"
	"github.com/helicopterrun/LyreBirdAudio/internal/config"
	"github.com/helicopterrun/LyreBirdAudio/internal/ffmpeg"
	"github.com/helicopterrun/LyreBirdAudio/internal/graph"
	"github.com/helicopterrun/LyreBirdAudio/internal/identity"
	"github.com/helicopterrun/LyreBirdAudio/internal/mediamtx"
	"github.com/helicopterrun/LyreBirdAudio/internal/proc"
)

const (
	// defaultLockWait bounds how long a lifecycle command waits for a
	// concurrent one to finish.
	defaultLockWait = 10 * time.Second
	// stopSettle lets sockets and capture devices come free before stop
	// returns.
	stopSettle = 2 * time.Second
	// restartPause separates the stop and start halves of a restart.
	restartPause = 2 * time.Second
	// killGrace is how long terminated processes get before SIGKILL.
	killGrace = 3 * time.Second
)

// SpawnFunc launches a detached process and returns its pid.
type SpawnFunc func(argv []string, logPath string) (int, error)

// ReadyFunc blocks until the media server accepts work or fails for good.
type ReadyFunc func(ctx context.Context, alive func() bool) error

// ProbeFunc is a single readiness probe for status reporting.
type ProbeFunc func(ctx context.Context) bool

// Deps wires the manager's collaborators. Nil fields get production
// implementations.
type Deps struct {
	Config     *config.Config
	ConfigPath string // forwarded to supervisor processes
	Logger     zerolog.Logger
	Devices    alsa.Enumerator
	Spawn      SpawnFunc
	Ready      ReadyFunc
	Probe      ProbeFunc
	Exe        string // this binary, re-executed for supervision

	LockWait time.Duration
	Settle   time.Duration
	Pause    time.Duration
}

// Manager owns the start/stop/restart/status state machine.
type Manager struct {
	cfg     *config.Config
	cfgPath string
	log     zerolog.Logger
	devices alsa.Enumerator
	spawn   SpawnFunc
	ready   ReadyFunc
	probe   ProbeFunc
	exe     string

	lockWait time.Duration
	settle   time.Duration
	pause    time.Duration
}

// New creates a manager, filling in production collaborators where the
// deps leave them nil.
func New(d Deps) *Manager {
	m := &Manager{
		cfg:      d.Config,
		cfgPath:  d.ConfigPath,
		log:      d.Logger,
		devices:  d.Devices,
		spawn:    d.Spawn,
		ready:    d.Ready,
		probe:    d.Probe,
		exe:      d.Exe,
		lockWait: d.LockWait,
		settle:   d.Settle,
		pause:    d.Pause,
	}

	if m.devices == nil {
		m.devices = alsa.NewEnumerator()
	}
	if m.spawn == nil {
		m.spawn = proc.StartDetached
	}
	if m.ready == nil {
		m.ready = func(ctx context.Context, alive func() bool) error {
			c := mediamtx.NewClient(m.cfg.Server.APIAddress, m.cfg.Server.ReadyAttempts, alive)
			return c.WaitReady(ctx)
		}
	}
	if m.probe == nil {
		m.probe = func(ctx context.Context) bool {
			return mediamtx.NewClient(m.cfg.Server.APIAddress, 1, nil).Ready(ctx)
		}
	}
	if m.exe == "" {
		m.exe, _ = os.Executable()
	}
	if m.lockWait <= 0 {
		m.lockWait = defaultLockWait
	}
	if m.settle <= 0 {
		m.settle = stopSettle
	}
	if m.pause <= 0 {
		m.pause = restartPause
	}

	return m
}

// ===== START =====

// Start brings the whole deployment up: clean slate, media server, then one
// supervised pipeline per discovered device. Pipelines already launched stay
// up if a later one fails; the error reports the shortfall.
func (m *Manager) Start(ctx context.Context) error {
	lock, err := proc.AcquireLock(m.cfg.LockFile(), m.lockWait)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer lock.Release()

	m.teardown()

	// Nothing to capture means nothing to start; fail before the media
	// server is launched or waited on.
	devices, err := m.devices.Devices(ctx)
	if err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}

	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.Name
	}
	identities, err := identity.Assign(names)
	if err != nil {
		return fmt.Errorf("identity assignment: %w", err)
	}
	m.log.Info().Int("devices", len(devices)).Msg("Devices discovered")

	if err := m.startServer(ctx); err != nil {
		return err
	}

	failed := 0
	for _, dev := range devices {
		id := identities[dev.Name]
		if err := m.launchPipeline(dev, id); err != nil {
			m.log.Error().Err(err).Str("identity", id).Msg("Pipeline launch failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pipelines failed to launch", failed, len(devices))
	}

	m.log.Info().Int("pipelines", len(devices)).Msg("Startup complete")
	return nil
}

// startServer writes the generated config, launches the server detached and
// holds until its control API answers.
func (m *Manager) startServer(ctx context.Context) error {
	cfgFile := m.cfg.ServerConfigFile()
	err := mediamtx.WriteConfig(cfgFile, mediamtx.Options{
		RTSPPort:   m.cfg.Server.RTSPPort,
		APIAddress: m.cfg.Server.APIAddress,
		LogLevel:   m.cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("media server config: %w", err)
	}

	pid, err := m.spawn(mediamtx.Argv(m.cfg.Server.Binary, cfgFile), m.cfg.ServerLogFile())
	if err != nil {
		return fmt.Errorf("media server launch: %w", err)
	}
	if err := proc.WritePIDFile(m.cfg.ServerPIDFile(), pid); err != nil {
		// Without the record a later stop cannot find the server.
		proc.Terminate(pid, killGrace)
		return fmt.Errorf("media server pid: %w", err)
	}
	m.log.Info().Int("pid", pid).Msg("Media server launched")

	alive := func() bool { return proc.Alive(pid) }
	if err := m.ready(ctx, alive); err != nil {
		return fmt.Errorf("media server readiness: %w", err)
	}
	m.log.Info().Msg("Media server ready")
	return nil
}

// launchPipeline validates the device's graph and launches its detached
// supervisor, which records its own pid once up.
func (m *Manager) launchPipeline(dev alsa.Device, id string) error {
	g, err := buildGraph(m.cfg, dev.Index, id)
	if err != nil {
		return fmt.Errorf("graph for %s: %w", id, err)
	}

	argv := []string{m.exe, "supervise"}
	if m.cfgPath != "" {
		argv = append(argv, "-config", m.cfgPath)
	}
	argv = append(argv, "-identity", id, "-index", strconv.Itoa(dev.Index))

	pid, err := m.spawn(argv, m.cfg.PipelineLogFile(id))
	if err != nil {
		return fmt.Errorf("supervisor for %s: %w", id, err)
	}

	m.log.Info().
		Str("identity", id).
		Str("device", dev.Name).
		Int("card", dev.Index).
		Int("pid", pid).
		Strs("streams", g.URLs()).
		Msg("Pipeline supervisor launched")
	return nil
}

// ===== STOP =====

// Stop tears the deployment down and clears its records. Running it twice,
// or with nothing running, is fine.
func (m *Manager) Stop(ctx context.Context) error {
	lock, err := proc.AcquireLock(m.cfg.LockFile(), m.lockWait)
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	defer lock.Release()

	m.teardown()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.settle):
	}

	m.log.Info().Msg("Stopped")
	return nil
}

// teardown terminates every recorded process and removes its record.
// Supervisors go first so nothing relaunches an engine mid-teardown; any
// engine still recorded afterwards is a leftover from a dead supervisor.
// Failures are logged and skipped, never fatal.
func (m *Manager) teardown() {
	wrappers, engines := m.pipelineRecords()
	for _, path := range wrappers {
		m.reapRecord(path)
	}
	for _, path := range engines {
		m.reapRecord(path)
	}
	m.reapRecord(m.cfg.ServerPIDFile())
}

// reapRecord terminates the recorded process if it still runs, then drops
// the record.
func (m *Manager) reapRecord(path string) {
	if pid, err := proc.ReadPIDFile(path); err == nil && proc.Alive(pid) {
		if err := proc.Terminate(pid, killGrace); err != nil {
			m.log.Warn().Err(err).Int("pid", pid).Str("record", filepath.Base(path)).
				Msg("Recorded process not terminated")
		} else {
			m.log.Info().Int("pid", pid).Str("record", filepath.Base(path)).
				Msg("Recorded process terminated")
		}
	}
	if err := proc.RemovePIDFile(path); err != nil {
		m.log.Warn().Err(err).Str("record", path).Msg("Record not removed")
	}
}

// pipelineRecords splits the supervision table into supervisor and engine
// pidfile paths.
func (m *Manager) pipelineRecords() (wrappers, engines []string) {
	entries, err := os.ReadDir(m.cfg.PipelineDir())
	if err != nil {
		return nil, nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		full := filepath.Join(m.cfg.PipelineDir(), e.Name())
		switch {
		case strings.HasSuffix(e.Name(), ".engine.pid"):
			engines = append(engines, full)
		case strings.HasSuffix(e.Name(), ".pid"):
			wrappers = append(wrappers, full)
		}
	}
	return wrappers, engines
}

// ===== RESTART =====

// Restart is stop, a fixed pause, then start. A failed stop is logged and
// the start attempted anyway.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Stop before restart failed")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.pause):
	}

	return m.Start(ctx)
}

// ===== STATUS =====

// Status is the read-only state of the deployment.
type Status struct {
	ServerRunning bool
	ServerPID     int
	ServerReady   bool
	Pipelines     []PipelineStatus
}

// PipelineStatus is one device's supervision state. A pipeline shows up
// here if it has records on disk, a discoverable device, or both.
type PipelineStatus struct {
	Identity          string
	Device            string // empty when no longer discoverable
	CaptureIndex      int    // -1 when unknown
	SupervisorPID     int
	SupervisorRunning bool
	EngineRunning     bool
	URLs              []string
	LastLog           string
}

// Status inspects records, processes and devices without changing anything.
// It reports on whatever it can reach and never fails.
func (m *Manager) Status(ctx context.Context) *Status {
	st := &Status{}

	if pid, err := proc.ReadPIDFile(m.cfg.ServerPIDFile()); err == nil {
		st.ServerPID = pid
		st.ServerRunning = proc.Alive(pid)
	}
	if st.ServerRunning {
		st.ServerReady = m.probe(ctx)
	}

	known := make(map[string]alsa.Device)
	if devices, err := m.devices.Devices(ctx); err == nil {
		for _, d := range devices {
			known[identity.Resolve(d.Name)] = d
		}
	}

	seen := make(map[string]bool)
	wrappers, _ := m.pipelineRecords()
	for _, path := range wrappers {
		id := strings.TrimSuffix(filepath.Base(path), ".pid")
		seen[id] = true
		st.Pipelines = append(st.Pipelines, m.pipelineStatus(id, known))
	}
	for id := range known {
		if !seen[id] {
			st.Pipelines = append(st.Pipelines, m.pipelineStatus(id, known))
		}
	}

	sort.Slice(st.Pipelines, func(i, j int) bool {
		return st.Pipelines[i].Identity < st.Pipelines[j].Identity
	})
	return st
}

func (m *Manager) pipelineStatus(id string, known map[string]alsa.Device) PipelineStatus {
	ps := PipelineStatus{Identity: id, CaptureIndex: -1}

	if pid, err := proc.ReadPIDFile(m.cfg.PipelinePIDFile(id)); err == nil {
		ps.SupervisorPID = pid
		ps.SupervisorRunning = proc.Alive(pid)
	}
	if pid, err := proc.ReadPIDFile(m.cfg.EnginePIDFile(id)); err == nil {
		ps.EngineRunning = proc.Alive(pid)
	}

	if dev, ok := known[id]; ok {
		ps.Device = dev.Name
		ps.CaptureIndex = dev.Index
		if g, err := buildGraph(m.cfg, dev.Index, id); err == nil {
			ps.URLs = g.URLs()
		}
	}

	ps.LastLog = lastLine(m.cfg.PipelineLogFile(id))
	return ps
}

// lastLine returns the final non-empty line from the tail of a log file.
func lastLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	const tailSize = 4096
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - tailSize
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}

	lines := strings.Split(string(buf), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// ===== DEVICES =====

// DeviceInfo is one discovered device with its resolved identity.
type DeviceInfo struct {
	Index    int
	Name     string
	Identity string
}

// Devices lists discovered capture devices and the identities they would
// stream under.
func (m *Manager) Devices(ctx context.Context) ([]DeviceInfo, error) {
	devices, err := m.devices.Devices(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]DeviceInfo, len(devices))
	for i, d := range devices {
		infos[i] = DeviceInfo{Index: d.Index, Name: d.Name, Identity: identity.Resolve(d.Name)}
	}
	return infos, nil
}

// ===== ENGINE DERIVATION =====

// EngineArgv derives the engine invocation for one device. The supervisor
// process uses it to rebuild the same command the lifecycle validated.
func EngineArgv(cfg *config.Config, captureIndex int, id string) ([]string, error) {
	g, err := buildGraph(cfg, captureIndex, id)
	if err != nil {
		return nil, err
	}
	return ffmpeg.Command(cfg.Paths.FFmpegBin, cfg.Capture.LogLevel, g), nil
}

func buildGraph(cfg *config.Config, captureIndex int, id string) (*graph.Graph, error) {
	return graph.Build(graph.Params{
		CaptureIndex: captureIndex,
		Identity:     id,
		RTSPHost:     cfg.Server.RTSPHost,
		RTSPPort:     cfg.Server.RTSPPort,
		SampleRate:   cfg.Capture.SampleRate,
		Version:      graph.Version(cfg.Graph.Version),
		Chains: graph.Chains{
			Filtered: cfg.Graph.FilteredChain,
			Detect:   cfg.Graph.DetectChain,
			ML:       cfg.Graph.MLChain,
		},
	})
}
