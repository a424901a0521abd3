package ffmpeg

import (
	"strings"
	"testing"

	"github.com/helicopterrun/LyreBirdAudio/internal/graph"
)

func buildGraph(t *testing.T, v graph.Version) *graph.Graph {
	t.Helper()
	g, err := graph.Build(graph.Params{
		CaptureIndex: 2,
		Identity:     "device_a",
		RTSPHost:     "127.0.0.1",
		RTSPPort:     8554,
		SampleRate:   48000,
		Version:      v,
		Chains: graph.Chains{
			Filtered: "highpass=f=200",
			Detect:   "highpass=f=2000",
			ML:       "loudnorm",
		},
	})
	if err != nil {
		t.Fatalf("graph.Build() error = %v", err)
	}
	return g
}

func TestCommandInput(t *testing.T) {
	args := Command("ffmpeg", "warning", buildGraph(t, graph.V6))

	if args[0] != "ffmpeg" {
		t.Errorf("argv[0] = %q, want ffmpeg", args[0])
	}

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel warning",
		"-f alsa -ar 48000 -ac 2 -i hw:2,0",
		"-filter_complex",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q:\n%s", want, joined)
		}
	}
}

func TestCommandOneOutputPerBranch(t *testing.T) {
	g := buildGraph(t, graph.V9)
	args := Command("ffmpeg", "warning", g)
	joined := strings.Join(args, " ")

	maps := 0
	for _, a := range args {
		if a == "-map" {
			maps++
		}
	}
	if maps != len(g.Branches) {
		t.Errorf("%d -map outputs, want %d", maps, len(g.Branches))
	}

	for _, b := range g.Branches {
		out := strings.Join([]string{
			"-map", "[" + b.Label + "]",
			"-ac", "1",
			"-c:a", "libopus",
			"-b:a", b.Bitrate,
		}, " ")
		if b.Suffix == "stereo" {
			out = strings.Replace(out, "-ac 1", "-ac 2", 1)
		}
		if !strings.Contains(joined, out) {
			t.Errorf("argv missing output block %q", out)
		}
		if !strings.Contains(joined, "-rtsp_transport tcp "+b.URL) {
			t.Errorf("argv missing publish target for %s", b.Suffix)
		}
	}
}

func TestCommandBranchOrderFollowsGraph(t *testing.T) {
	g := buildGraph(t, graph.V9)
	args := Command("ffmpeg", "warning", g)
	joined := strings.Join(args, " ")

	prev := -1
	for _, b := range g.Branches {
		pos := strings.Index(joined, b.URL)
		if pos < 0 {
			t.Fatalf("target %s missing", b.URL)
		}
		if pos < prev {
			t.Errorf("target %s out of order", b.URL)
		}
		prev = pos
	}
}

func TestCommandMLSampleRate(t *testing.T) {
	g := buildGraph(t, graph.V9)
	joined := strings.Join(Command("ffmpeg", "warning", g), " ")

	if !strings.Contains(joined, "-ar 16000 -f rtsp -rtsp_transport tcp rtsp://127.0.0.1:8554/device_a_left_ml") {
		t.Error("ml branch should encode at its reduced sample rate")
	}
}
