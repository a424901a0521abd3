package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/helicopterrun/LyreBirdAudio/internal/config"
	"github.com/helicopterrun/LyreBirdAudio/internal/lifecycle"
	"github.com/helicopterrun/LyreBirdAudio/internal/logging"
	"github.com/helicopterrun/LyreBirdAudio/internal/supervisor"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "service configuration file (default "+config.DefaultPath+")")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("lyrebird %s (%s)\n", Version, Commit)
		return
	}
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The supervision mode carries its own flags after the command word and
	// loads its own config.
	if command == "supervise" {
		runSupervise(ctx, flag.Args()[1:])
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log := logging.New("info")
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	switch command {
	case "start":
		log := logging.NewWithFile(cfg.LogLevel, cfg.ServiceLogFile())
		requireRoot(log)
		m := newManager(cfg, *configPath, log)
		if err := m.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Start failed")
		}

	case "stop":
		log := logging.NewWithFile(cfg.LogLevel, cfg.ServiceLogFile())
		requireRoot(log)
		m := newManager(cfg, *configPath, log)
		if err := m.Stop(ctx); err != nil {
			log.Fatal().Err(err).Msg("Stop failed")
		}

	case "restart":
		log := logging.NewWithFile(cfg.LogLevel, cfg.ServiceLogFile())
		requireRoot(log)
		m := newManager(cfg, *configPath, log)
		if err := m.Restart(ctx); err != nil {
			log.Fatal().Err(err).Msg("Restart failed")
		}

	case "status":
		m := newManager(cfg, *configPath, logging.New(cfg.LogLevel))
		printStatus(m.Status(ctx))

	case "devices":
		log := logging.New(cfg.LogLevel)
		m := newManager(cfg, *configPath, log)
		infos, err := m.Devices(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Device discovery failed")
		}
		printDevices(infos)

	default:
		fmt.Fprintf(os.Stderr, "lyrebird: unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}
}

func newManager(cfg *config.Config, cfgPath string, log zerolog.Logger) *lifecycle.Manager {
	return lifecycle.New(lifecycle.Deps{
		Config:     cfg,
		ConfigPath: cfgPath,
		Logger:     log,
	})
}

// runSupervise is the body of the detached per-device wrapper process. Not
// part of the operator surface; the lifecycle launches it.
func runSupervise(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("supervise", flag.ExitOnError)
	configPath := fs.String("config", "", "service configuration file")
	id := fs.String("identity", "", "stream identity to supervise")
	index := fs.Int("index", -1, "ALSA card index to capture")
	fs.Parse(args)

	// This process is detached; stderr goes to the pipeline log.
	log := logging.New("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *id == "" || *index < 0 {
		log.Fatal().Msg("supervise needs -identity and -index")
	}

	argv, err := lifecycle.EngineArgv(cfg, *index, *id)
	if err != nil {
		log.Fatal().Err(err).Msg("Engine command derivation failed")
	}

	sup, err := supervisor.New(supervisor.Options{
		Identity:      *id,
		Argv:          argv,
		PIDFile:       cfg.PipelinePIDFile(*id),
		EnginePIDFile: cfg.EnginePIDFile(*id),
		LogPath:       cfg.PipelineLogFile(*id),
		LogLevel:      cfg.LogLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Supervisor setup failed")
	}
	defer sup.Close()

	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Supervisor exited with error")
	}
}

// requireRoot refuses lifecycle mutations from unprivileged users. State
// lives under /run and /var/log, and teardown signals system processes.
func requireRoot(log zerolog.Logger) {
	if os.Geteuid() != 0 {
		log.Fatal().Msg("This command must run as root")
	}
}

func printStatus(st *lifecycle.Status) {
	if st.ServerRunning {
		ready := "not ready"
		if st.ServerReady {
			ready = "ready"
		}
		fmt.Printf("media server: running (pid %d, api %s)\n", st.ServerPID, ready)
	} else {
		fmt.Println("media server: not running")
	}

	if len(st.Pipelines) == 0 {
		fmt.Println("pipelines: none")
		return
	}
	for _, p := range st.Pipelines {
		state := "stopped"
		switch {
		case p.SupervisorRunning && p.EngineRunning:
			state = "running"
		case p.SupervisorRunning:
			state = "restarting"
		}

		fmt.Printf("pipeline %s: %s", p.Identity, state)
		if p.Device != "" {
			fmt.Printf(" (%s, card %d)", p.Device, p.CaptureIndex)
		}
		fmt.Println()
		for _, url := range p.URLs {
			fmt.Printf("  %s\n", url)
		}
		if p.LastLog != "" {
			fmt.Printf("  last log: %s\n", p.LastLog)
		}
	}
}

func printDevices(infos []lifecycle.DeviceInfo) {
	for _, d := range infos {
		fmt.Printf("card %d: %s -> %s\n", d.Index, d.Name, d.Identity)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: lyrebird [flags] <command>

Commands:
  start     discover capture devices and launch the streaming pipelines
  stop      stop all pipelines and the media server
  restart   stop, pause, start again
  status    report media server and pipeline state
  devices   list discovered capture devices and their stream identities

Flags:
`)
	flag.PrintDefaults()
}
