// Package identity maps raw capture device names to the stable identifiers
// that name each device's stream set, pidfiles and logs.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrCollision is returned when two devices resolve to the same identity, or
// a device name yields no identity at all. Streams, pidfiles and logs are
// keyed by identity, so launching with a duplicate would silently cross-wire
// two devices.
var ErrCollision = errors.New("stream identity collision")

// maxLen bounds identities so derived paths and stream names stay short.
const maxLen = 32

type hardwarePattern struct {
	re       *regexp.Regexp
	identity string
}

// knownHardware maps recognized devices to fixed identities, checked in
// order before the generic transform. Keeps familiar gear stable across
// renames of the ALSA card string.
var knownHardware = []hardwarePattern{
	{regexp.MustCompile(`(?i)ai[ -]?micro`), "rode_ai_micro"},
	{regexp.MustCompile(`(?i)videomic\s*ntg`), "rode_videomic_ntg"},
	{regexp.MustCompile(`(?i)wireless\s*go`), "rode_wireless_go"},
	{regexp.MustCompile(`(?i)yeti`), "blue_yeti"},
	{regexp.MustCompile(`(?i)scarlett\s*2i2`), "scarlett_2i2"},
	{regexp.MustCompile(`(?i)umik`), "umik1"},
}

// nonAlnum matches every run of characters outside [a-z0-9] after lowering.
var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Resolve returns the stream identity for a device name. Known hardware
// resolves through the pattern table; anything else goes through the generic
// transform. Deterministic, and total: unrecognized or empty names produce
// "" rather than an error, which callers must treat as unusable.
func Resolve(name string) string {
	for _, p := range knownHardware {
		if p.re.MatchString(name) {
			return p.identity
		}
	}
	return sanitize(name)
}

func sanitize(name string) string {
	s := strings.ToLower(name)
	s = nonAlnum.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxLen {
		// After the replacement above the string is plain ASCII, so a byte
		// cut cannot split a character. Truncation may expose a trailing
		// underscore; trim it again.
		s = strings.TrimRight(s[:maxLen], "_")
	}
	return s
}

// Assign resolves every device name and returns the name-to-identity
// mapping. It fails with ErrCollision if any two names share an identity or
// any name resolves to the empty identity.
func Assign(names []string) (map[string]string, error) {
	assigned := make(map[string]string, len(names))
	byIdentity := make(map[string][]string)

	for _, name := range names {
		id := Resolve(name)
		if id == "" {
			return nil, fmt.Errorf("%w: device %q resolves to an empty identity", ErrCollision, name)
		}
		assigned[name] = id
		byIdentity[id] = append(byIdentity[id], name)
	}

	for id, holders := range byIdentity {
		if len(holders) > 1 {
			sort.Strings(holders)
			return nil, fmt.Errorf("%w: devices %s all resolve to %q",
				ErrCollision, strings.Join(holders, ", "), id)
		}
	}

	return assigned, nil
}
