// Package mediamtx owns the media server boundary: the generated server
// configuration, the server invocation, and the readiness gate against its
// control API.
package mediamtx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotReady is returned when the server never starts answering its
	// control API within the attempt budget.
	ErrNotReady = errors.New("media server not ready")
	// ErrServerExited is returned when the server process dies while the
	// readiness gate is still polling.
	ErrServerExited = errors.New("media server exited during startup")
)

// Options describes the generated server configuration.
type Options struct {
	RTSPPort   int
	APIAddress string
	LogLevel   string
}

// serverConfig mirrors the subset of the server's YAML schema the service
// manages. Pipelines publish; everything else stays off.
type serverConfig struct {
	LogLevel        string                `yaml:"logLevel"`
	LogDestinations []string              `yaml:"logDestinations"`
	RTSPAddress     string                `yaml:"rtspAddress"`
	RTMP            bool                  `yaml:"rtmp"`
	HLS             bool                  `yaml:"hls"`
	WebRTC          bool                  `yaml:"webrtc"`
	SRT             bool                  `yaml:"srt"`
	API             bool                  `yaml:"api"`
	APIAddress      string                `yaml:"apiAddress"`
	Paths           map[string]pathConfig `yaml:"paths"`
}

type pathConfig struct {
	Source string `yaml:"source"`
}

// WriteConfig renders the server configuration, replacing whatever a
// previous start left behind.
func WriteConfig(path string, o Options) error {
	cfg := serverConfig{
		LogLevel:        o.LogLevel,
		LogDestinations: []string{"stdout"},
		RTSPAddress:     fmt.Sprintf(":%d", o.RTSPPort),
		API:             true,
		APIAddress:      o.APIAddress,
		Paths: map[string]pathConfig{
			"all_others": {Source: "publisher"},
		},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal server config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write server config: %w", err)
	}
	return nil
}

// Argv is the server invocation; it takes its config path as the sole
// argument.
func Argv(binary, configPath string) []string {
	return []string{binary, configPath}
}
