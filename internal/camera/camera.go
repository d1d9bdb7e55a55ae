// Package camera abstracts frame acquisition behind a narrow interface so the
// capture loop drives real UVC hardware and the synthetic test camera the same
// way. Adapters own the device handle and an internal reader; the loop only
// ever sees "apply a control", "give me the next frame within a deadline".
package camera

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// Control identifies a hardware control the capture loop reconciles.
type Control int

const (
	// ControlGain is the analog gain in device units.
	ControlGain Control = iota
	// ControlExposure is the absolute exposure time in microseconds.
	ControlExposure
)

func (c Control) String() string {
	switch c {
	case ControlGain:
		return "gain"
	case ControlExposure:
		return "exposure"
	default:
		return fmt.Sprintf("control(%d)", int(c))
	}
}

// Format describes the pixel layout of the raw frames a camera delivers.
type Format int

const (
	// FormatColor is 3-channel BGR, ready for display.
	FormatColor Format = iota
	// FormatMono is single-channel 8-bit intensity.
	FormatMono
	// Bayer mosaics, named by the colors of the top-left 2x2 quad.
	FormatBayerRG
	FormatBayerGR
	FormatBayerBG
	FormatBayerGB
)

// Bayer reports whether frames need demosaicing before display.
func (f Format) Bayer() bool {
	switch f {
	case FormatBayerRG, FormatBayerGR, FormatBayerBG, FormatBayerGB:
		return true
	}
	return false
}

func (f Format) String() string {
	switch f {
	case FormatColor:
		return "color"
	case FormatMono:
		return "mono"
	case FormatBayerRG:
		return "bayer-rg"
	case FormatBayerGR:
		return "bayer-gr"
	case FormatBayerBG:
		return "bayer-bg"
	case FormatBayerGB:
		return "bayer-gb"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a configuration string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "color":
		return FormatColor, nil
	case "mono", "gray", "grey":
		return FormatMono, nil
	case "bayer-rg", "rggb":
		return FormatBayerRG, nil
	case "bayer-gr", "grbg":
		return FormatBayerGR, nil
	case "bayer-bg", "bggr":
		return FormatBayerBG, nil
	case "bayer-gb", "gbrg":
		return FormatBayerGB, nil
	default:
		return FormatColor, fmt.Errorf("unknown sensor format %q", s)
	}
}

// Sentinel errors the capture loop branches on. Open failing with ErrNoDevice
// is terminal; Capture failing with ErrTimeout is transient.
var (
	ErrNoDevice = errors.New("camera: device not found")
	ErrTimeout  = errors.New("camera: capture timed out")
	ErrClosed   = errors.New("camera: closed")
)

// DriverError wraps an unexpected failure from the underlying driver with the
// operation that hit it.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("camera: driver %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// Camera is the acquisition contract the capture loop depends on.
//
// Open claims the device and starts continuous capture; after a successful
// Open the adapter keeps reading internally so Capture always hands out the
// freshest frame. Capture returns a Mat the caller owns and must Close; on
// error the returned Mat is nil. Implementations must be safe for Close to
// race a blocked Capture.
type Camera interface {
	Open() error
	ApplyControl(ctl Control, value int) error
	Capture(timeout time.Duration) (*gocv.Mat, error)
	Format() Format
	Close() error
}
