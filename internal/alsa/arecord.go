package alsa

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// cardLine matches the card header lines of `arecord -l`, e.g.
// "card 1: Micro [RØDE AI-Micro], device 0: USB Audio [USB Audio]".
var cardLine = regexp.MustCompile(`^card (\d+): [^\[]*\[([^\]]+)\], device (\d+):`)

// CommandEnumerator discovers capture devices by running the ALSA listing
// tool and keeping only cards that carry a USB descriptor marker in procfs.
// Onboard codecs and HDMI capture endpoints have no marker and are skipped.
type CommandEnumerator struct {
	Command  []string // defaults to arecord -l
	ProcRoot string   // defaults to /proc/asound
}

// NewEnumerator returns an enumerator with the production command and paths.
func NewEnumerator() *CommandEnumerator {
	return &CommandEnumerator{
		Command:  []string{"arecord", "-l"},
		ProcRoot: "/proc/asound",
	}
}

// Devices lists USB capture devices. A failing or missing listing tool is
// treated the same as an empty listing.
func (e *CommandEnumerator) Devices(ctx context.Context) ([]Device, error) {
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w (arecord: %v)", ErrNoDevices, err)
	}

	devices := parseList(string(out))
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	usb := devices[:0]
	for _, d := range devices {
		if e.isUSB(d.Index) {
			usb = append(usb, d)
		}
	}
	if len(usb) == 0 {
		return nil, ErrNoDevices
	}

	return usb, nil
}

// parseList extracts one Device per card from the listing output, keeping
// the first capture device of each card.
func parseList(out string) []Device {
	var devices []Device
	seen := make(map[int]bool)

	for _, line := range strings.Split(out, "\n") {
		m := cardLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil || seen[index] {
			continue
		}
		seen[index] = true
		devices = append(devices, Device{Index: index, Name: m[2]})
	}

	return devices
}

func (e *CommandEnumerator) isUSB(index int) bool {
	marker := filepath.Join(e.ProcRoot, "card"+strconv.Itoa(index), "usbid")
	_, err := os.Stat(marker)
	return err == nil
}
