// Package ffmpeg turns a built graph into the engine invocation for one
// device. Construction only; launching and supervision live elsewhere.
package ffmpeg

import (
	"fmt"
	"strconv"

	"github.com/helicopterrun/LyreBirdAudio/internal/graph"
)

// Command builds the full argv for one capture pipeline. Outputs follow the
// graph's branch order, one RTSP publish per branch.
func Command(bin, logLevel string, g *graph.Graph) []string {
	p := g.Params

	args := []string{
		bin,
		"-hide_banner",
		"-nostdin",
		"-loglevel", logLevel,
		// ALSA capture; the graph assumes a stereo source.
		"-f", "alsa",
		"-ar", strconv.Itoa(p.SampleRate),
		"-ac", "2",
		"-i", fmt.Sprintf("hw:%d,0", p.CaptureIndex),
		"-filter_complex", g.FilterComplex(),
	}

	for _, b := range g.Branches {
		args = append(args,
			"-map", "["+b.Label+"]",
			"-ac", strconv.Itoa(b.Channels),
			"-c:a", b.Codec,
			"-b:a", b.Bitrate,
			"-ar", strconv.Itoa(b.SampleRate),
			"-f", "rtsp",
			"-rtsp_transport", "tcp",
			b.URL,
		)
	}

	return args
}
