package alsa

import (
	"context"
	"errors"
)

// ErrNoDevices is returned when enumeration finds no usable capture devices.
var ErrNoDevices = errors.New("no USB capture devices found")

// Enumerator defines the interface for capture device discovery
type Enumerator interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Device represents one USB capture device
type Device struct {
	Index int    // ALSA card index, addressable as hw:<Index>,0
	Name  string // card name as reported by the enumeration tool
}
