// Package graph builds the per-device signal topology: one stereo capture
// fanned out into the published stream branches. The topology is assembled
// as typed nodes connected by labels, validated, and only then serialized
// into the engine's filtergraph syntax.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Version selects the branch set published for every device.
type Version int

const (
	// V6 publishes per-channel raw, filtered and detection branches.
	V6 Version = 6
	// V9 adds a stereo archival branch and per-channel machine-listening
	// branches to V6.
	V9 Version = 9
)

// captureLabel is the label under which the capture input enters the graph.
const captureLabel = "0:a"

// mlSampleRate is the output rate of the machine-listening branches.
const mlSampleRate = 16000

// Chains carries the filter chain text spliced into the graph. The same
// chain is applied verbatim to both channels of a tier.
type Chains struct {
	Filtered string
	Detect   string
	ML       string
}

// Params describes one device's graph.
type Params struct {
	CaptureIndex int // ALSA card index
	Identity     string
	RTSPHost     string
	RTSPPort     int
	SampleRate   int
	Version      Version
	Chains       Chains
}

// Branch is one published output of the graph.
type Branch struct {
	Suffix     string // appended to the identity: <identity>_<suffix>
	Label      string // graph label this branch consumes
	Channels   int
	Codec      string
	Bitrate    string
	SampleRate int
	URL        string // full RTSP publish target
}

type nodeKind int

const (
	kindSplit nodeKind = iota
	kindChain
)

// node is one statement of the graph. It consumes exactly one label and
// produces one or more.
type node struct {
	kind nodeKind
	in   string
	body string // chain text, kindChain only
	out  []string
}

// Graph is a validated signal topology for one device.
type Graph struct {
	Params   Params
	Branches []Branch
	nodes    []node
}

// Build assembles and validates the graph for one device.
func Build(p Params) (*Graph, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	g := &Graph{Params: p}
	g.build()
	g.addBranches()

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (p Params) validate() error {
	if p.Identity == "" {
		return errors.New("identity must not be empty")
	}
	if p.CaptureIndex < 0 {
		return fmt.Errorf("capture index %d: must not be negative", p.CaptureIndex)
	}
	if p.RTSPHost == "" {
		return errors.New("rtsp host must not be empty")
	}
	if p.RTSPPort <= 0 || p.RTSPPort > 65535 {
		return fmt.Errorf("rtsp port %d: out of range", p.RTSPPort)
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("sample rate %d: must be positive", p.SampleRate)
	}
	if p.Version != V6 && p.Version != V9 {
		return fmt.Errorf("unknown branch set version %d", int(p.Version))
	}
	for name, chain := range map[string]string{
		"filtered": p.Chains.Filtered,
		"detect":   p.Chains.Detect,
		"ml":       p.Chains.ML,
	} {
		if p.Version == V6 && name == "ml" {
			continue
		}
		if chain == "" {
			return fmt.Errorf("%s chain must not be empty", name)
		}
		// Chain text sits between fixed labels; labels or statement breaks
		// inside it would change the topology behind the validator's back.
		if strings.ContainsAny(chain, "[];") {
			return fmt.Errorf("%s chain must not contain '[', ']' or ';'", name)
		}
	}
	return nil
}

// build lays out the fixed topology. Channel reduction happens immediately
// after the capture split, so every downstream tier is mono except the
// stereo archival tap.
func (g *Graph) build() {
	p := g.Params
	nine := p.Version == V9

	if nine {
		g.split(captureLabel, "stereo_out", "left_src", "right_src")
	} else {
		g.split(captureLabel, "left_src", "right_src")
	}
	g.chain("left_src", "pan=mono|c0=c0", "left_mono")
	g.chain("right_src", "pan=mono|c0=c1", "right_mono")

	g.split("left_mono", "left_raw_out", "left_pipe")
	g.split("right_mono", "right_raw_out", "right_pipe")
	g.chain("left_pipe", p.Chains.Filtered, "left_filtered")
	g.chain("right_pipe", p.Chains.Filtered, "right_filtered")

	if nine {
		g.split("left_filtered", "left_filt_out", "left_detect", "left_ml_src")
		g.split("right_filtered", "right_filt_out", "right_detect", "right_ml_src")
		g.chain("left_ml_src", p.Chains.ML, "left_ml_out")
		g.chain("right_ml_src", p.Chains.ML, "right_ml_out")
	} else {
		g.split("left_filtered", "left_filt_out", "left_detect")
		g.split("right_filtered", "right_filt_out", "right_detect")
	}
	g.chain("left_detect", p.Chains.Detect, "left_bird_out")
	g.chain("right_detect", p.Chains.Detect, "right_bird_out")
}

func (g *Graph) split(in string, out ...string) {
	g.nodes = append(g.nodes, node{kind: kindSplit, in: in, out: out})
}

func (g *Graph) chain(in, body, out string) {
	g.nodes = append(g.nodes, node{kind: kindChain, in: in, body: body, out: []string{out}})
}

// addBranches attaches the published outputs in their fixed order.
func (g *Graph) addBranches() {
	p := g.Params
	add := func(suffix, label string, channels int, bitrate string, rate int) {
		g.Branches = append(g.Branches, Branch{
			Suffix:     suffix,
			Label:      label,
			Channels:   channels,
			Codec:      "libopus",
			Bitrate:    bitrate,
			SampleRate: rate,
			URL:        fmt.Sprintf("rtsp://%s:%d/%s_%s", p.RTSPHost, p.RTSPPort, p.Identity, suffix),
		})
	}

	if p.Version == V9 {
		add("stereo", "stereo_out", 2, "256k", p.SampleRate)
	}
	add("left_raw", "left_raw_out", 1, "128k", p.SampleRate)
	add("right_raw", "right_raw_out", 1, "128k", p.SampleRate)
	add("left_filt", "left_filt_out", 1, "128k", p.SampleRate)
	add("right_filt", "right_filt_out", 1, "128k", p.SampleRate)
	add("left_bird", "left_bird_out", 1, "96k", p.SampleRate)
	add("right_bird", "right_bird_out", 1, "96k", p.SampleRate)
	if p.Version == V9 {
		add("left_ml", "left_ml_out", 1, "64k", mlSampleRate)
		add("right_ml", "right_ml_out", 1, "64k", mlSampleRate)
	}
}

// validate checks the wiring: every label produced exactly once and consumed
// exactly once, with the published branches as the only sinks.
func (g *Graph) validate() error {
	produced := map[string]int{captureLabel: 1}
	consumed := make(map[string]int)

	for _, n := range g.nodes {
		switch n.kind {
		case kindSplit:
			if len(n.out) < 2 {
				return fmt.Errorf("split of %q produces %d labels, want at least 2", n.in, len(n.out))
			}
		case kindChain:
			if len(n.out) != 1 || n.body == "" {
				return fmt.Errorf("chain from %q is malformed", n.in)
			}
		}
		consumed[n.in]++
		for _, out := range n.out {
			produced[out]++
		}
	}
	for _, b := range g.Branches {
		consumed[b.Label]++
	}

	for label, n := range produced {
		if n != 1 {
			return fmt.Errorf("label %q produced %d times, want exactly once", label, n)
		}
		if c := consumed[label]; c != 1 {
			return fmt.Errorf("label %q consumed %d times, want exactly once", label, c)
		}
	}
	for label := range consumed {
		if produced[label] == 0 {
			return fmt.Errorf("label %q consumed but never produced", label)
		}
	}
	return nil
}

// FilterComplex serializes the node list into the engine's filtergraph
// syntax. Statement order follows construction order, so the output is
// deterministic for a given Params.
func (g *Graph) FilterComplex() string {
	stmts := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		body := n.body
		if n.kind == kindSplit {
			body = fmt.Sprintf("asplit=%d", len(n.out))
		}
		var sb strings.Builder
		sb.WriteString("[" + n.in + "]")
		sb.WriteString(body)
		for _, out := range n.out {
			sb.WriteString("[" + out + "]")
		}
		stmts = append(stmts, sb.String())
	}
	return strings.Join(stmts, ";")
}

// URLs returns the publish targets in branch order.
func (g *Graph) URLs() []string {
	urls := make([]string, len(g.Branches))
	for i, b := range g.Branches {
		urls[i] = b.URL
	}
	return urls
}
