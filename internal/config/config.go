package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where the service looks for its configuration.
	DefaultPath = "/etc/lyrebird/lyrebird.yml"

	// DefaultEnvFile holds optional environment overrides, loaded before
	// LYREBIRD_* variables are read.
	DefaultEnvFile = "/etc/default/lyrebird"
)

type Config struct {
	LogLevel string        `yaml:"log_level"` // "debug", "info", "warn", "error"
	Paths    PathsConfig   `yaml:"paths"`
	Server   ServerConfig  `yaml:"server"`
	Capture  CaptureConfig `yaml:"capture"`
	Graph    GraphConfig   `yaml:"graph"`
}

type PathsConfig struct {
	RuntimeDir string `yaml:"runtime_dir"` // lock, pidfiles, generated server config
	LogDir     string `yaml:"log_dir"`     // service log plus per-pipeline logs
	FFmpegBin  string `yaml:"ffmpeg_bin"`
}

type ServerConfig struct {
	Binary        string `yaml:"binary"`
	RTSPHost      string `yaml:"rtsp_host"` // host used in published stream URLs
	RTSPPort      int    `yaml:"rtsp_port"`
	APIAddress    string `yaml:"api_address"`
	ReadyAttempts int    `yaml:"ready_attempts"` // readiness polls at 1/s before giving up
}

type CaptureConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	LogLevel   string `yaml:"engine_log_level"` // ffmpeg -loglevel
}

// GraphConfig selects the branch set and carries the filter chain text
// applied identically to both channels of every device.
type GraphConfig struct {
	Version       int    `yaml:"version"` // 6 or 9
	FilteredChain string `yaml:"filtered_chain"`
	DetectChain   string `yaml:"detect_chain"`
	MLChain       string `yaml:"ml_chain"`
}

// Load reads the config from disk or returns defaults. Values are overlaid
// in order: defaults, YAML file, env file, LYREBIRD_* environment.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := &Config{
		LogLevel: "info",
		Paths: PathsConfig{
			RuntimeDir: "/run/lyrebird",
			LogDir:     "/var/log/lyrebird",
			FFmpegBin:  "ffmpeg",
		},
		Server: ServerConfig{
			Binary:        "mediamtx",
			RTSPHost:      "127.0.0.1",
			RTSPPort:      8554,
			APIAddress:    "127.0.0.1:9997",
			ReadyAttempts: 30,
		},
		Capture: CaptureConfig{
			SampleRate: 48000,
			LogLevel:   "warning",
		},
		Graph: GraphConfig{
			Version:       9,
			FilteredChain: "highpass=f=200,lowpass=f=12000,afftdn=nf=-25",
			DetectChain:   "highpass=f=2000,lowpass=f=8000",
			MLChain:       "loudnorm=I=-24:TP=-2:LRA=7",
		},
	}

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Optional env file, then environment variables, win over the file
	_ = godotenv.Load(DefaultEnvFile)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envStr("LYREBIRD_LOG_LEVEL", cfg.LogLevel)
	cfg.Paths.RuntimeDir = envStr("LYREBIRD_RUNTIME_DIR", cfg.Paths.RuntimeDir)
	cfg.Paths.LogDir = envStr("LYREBIRD_LOG_DIR", cfg.Paths.LogDir)
	cfg.Paths.FFmpegBin = envStr("LYREBIRD_FFMPEG_BIN", cfg.Paths.FFmpegBin)
	cfg.Server.Binary = envStr("LYREBIRD_MEDIAMTX_BIN", cfg.Server.Binary)
	cfg.Server.RTSPHost = envStr("LYREBIRD_RTSP_HOST", cfg.Server.RTSPHost)
	cfg.Server.RTSPPort = envInt("LYREBIRD_RTSP_PORT", cfg.Server.RTSPPort)
	cfg.Server.APIAddress = envStr("LYREBIRD_API_ADDRESS", cfg.Server.APIAddress)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Validate rejects configurations the pipeline builder cannot honor.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel)
	}
	if c.Paths.RuntimeDir == "" || c.Paths.LogDir == "" {
		return fmt.Errorf("paths.runtime_dir and paths.log_dir must be set")
	}
	if c.Paths.FFmpegBin == "" {
		return fmt.Errorf("paths.ffmpeg_bin must be set")
	}
	if c.Server.Binary == "" {
		return fmt.Errorf("server.binary must be set")
	}
	if c.Server.RTSPHost == "" {
		return fmt.Errorf("server.rtsp_host must be set")
	}
	if c.Server.RTSPPort <= 0 || c.Server.RTSPPort > 65535 {
		return fmt.Errorf("server.rtsp_port %d: out of range", c.Server.RTSPPort)
	}
	if c.Server.APIAddress == "" {
		return fmt.Errorf("server.api_address must be set")
	}
	if c.Server.ReadyAttempts <= 0 {
		return fmt.Errorf("server.ready_attempts must be positive")
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be positive")
	}
	if c.Graph.Version != 6 && c.Graph.Version != 9 {
		return fmt.Errorf("graph.version %d: must be 6 or 9", c.Graph.Version)
	}
	for name, chain := range map[string]string{
		"filtered_chain": c.Graph.FilteredChain,
		"detect_chain":   c.Graph.DetectChain,
		"ml_chain":       c.Graph.MLChain,
	} {
		if chain == "" {
			return fmt.Errorf("graph.%s must be set", name)
		}
		// Chain text is spliced between fixed labels; it must not open
		// labels or statements of its own.
		if strings.ContainsAny(chain, "[];") {
			return fmt.Errorf("graph.%s: filter chains must not contain '[', ']' or ';'", name)
		}
	}
	return nil
}

// ===== DERIVED PATHS =====

// LockFile serializes lifecycle operations.
func (c *Config) LockFile() string {
	return filepath.Join(c.Paths.RuntimeDir, "lyrebird.lock")
}

// ServerConfigFile is the generated media server configuration, rewritten on
// every start.
func (c *Config) ServerConfigFile() string {
	return filepath.Join(c.Paths.RuntimeDir, "mediamtx.yml")
}

func (c *Config) ServerPIDFile() string {
	return filepath.Join(c.Paths.RuntimeDir, "mediamtx.pid")
}

func (c *Config) ServerLogFile() string {
	return filepath.Join(c.Paths.LogDir, "mediamtx.log")
}

// PipelineDir holds one pidfile pair per supervised device.
func (c *Config) PipelineDir() string {
	return filepath.Join(c.Paths.RuntimeDir, "pipelines")
}

func (c *Config) PipelinePIDFile(identity string) string {
	return filepath.Join(c.PipelineDir(), identity+".pid")
}

func (c *Config) EnginePIDFile(identity string) string {
	return filepath.Join(c.PipelineDir(), identity+".engine.pid")
}

func (c *Config) PipelineLogFile(identity string) string {
	return filepath.Join(c.Paths.LogDir, "pipelines", identity+".log")
}

func (c *Config) ServiceLogFile() string {
	return filepath.Join(c.Paths.LogDir, "lyrebird.log")
}
