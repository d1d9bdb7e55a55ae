// Package settings holds the mutable acquisition state shared between the
// capture loop and the HTTP layer: camera controls, overlay styling, and the
// optional region of interest.
package settings

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ExposureUnit selects the scale of Camera.ExposureValue.
type ExposureUnit string

const (
	Milliseconds ExposureUnit = "ms"
	Microseconds ExposureUnit = "us"
)

// Bounds for patch validation. Out-of-range integer values are clamped to the
// nearest bound rather than rejected.
const (
	MinGain = 0
	MaxGain = 600

	MinExposureValue = 1
	MinGraphHeight   = 1
)

// Camera is one consistent view of the adjustable acquisition parameters.
// The capture loop takes exactly one Camera per iteration and processes the
// whole frame from that copy, so a concurrent update can never tear a frame.
type Camera struct {
	Gain          int          `json:"gain"`
	ExposureValue int          `json:"exposureValue"`
	ExposureUnit  ExposureUnit `json:"exposureUnit"`
	FontScale     float64      `json:"fontScale"`
	GraphHeight   int          `json:"graphHeight"`
}

// ExposureMicros returns the effective exposure in microseconds, floored at 1.
func (c Camera) ExposureMicros() int {
	us := c.ExposureValue
	if c.ExposureUnit != Microseconds {
		us = c.ExposureValue * 1000
	}
	if us < 1 {
		us = 1
	}
	return us
}

// ExposureDuration returns the effective exposure as a time.Duration.
func (c Camera) ExposureDuration() time.Duration {
	return time.Duration(c.ExposureMicros()) * time.Microsecond
}

// Patch is a partial settings update. Only non-nil fields are applied; each
// field is validated on its own, so one bad field never blocks the rest.
type Patch struct {
	Gain          *int     `json:"gain,omitempty"`
	ExposureValue *int     `json:"exposureValue,omitempty"`
	ExposureUnit  *string  `json:"exposureUnit,omitempty"`
	FontScale     *float64 `json:"fontScale,omitempty"`
	GraphHeight   *int     `json:"graphHeight,omitempty"`
}

// ROI is a region of interest in coordinates normalized to the frame, so the
// same ROI stays meaningful across a resolution change. The capture loop still
// re-validates it against real pixel dimensions before cropping.
type ROI struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Validate reports whether the ROI lies inside the unit square with positive
// area.
func (r ROI) Validate() error {
	for _, v := range []float64{r.X, r.Y, r.W, r.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("roi contains non-finite value")
		}
	}
	if r.W <= 0 || r.H <= 0 {
		return fmt.Errorf("roi has non-positive size %gx%g", r.W, r.H)
	}
	if r.X < 0 || r.Y < 0 || r.X+r.W > 1 || r.Y+r.H > 1 {
		return fmt.Errorf("roi [%g,%g %gx%g] outside unit square", r.X, r.Y, r.W, r.H)
	}
	return nil
}

// Store owns the shared settings state. One mutex guards everything; it is
// held only across the copy or assignment, never across hardware or network
// calls.
type Store struct {
	mu     sync.Mutex
	cam    Camera
	roi    ROI
	hasROI bool
}

// NewStore returns a Store holding the startup defaults. Nothing is persisted;
// every restart begins from these values.
func NewStore() *Store {
	return &Store{
		cam: Camera{
			Gain:          300,
			ExposureValue: 100,
			ExposureUnit:  Milliseconds,
			FontScale:     1.0,
			GraphHeight:   60,
		},
	}
}

// Snapshot returns a point-in-time copy of the camera settings.
func (s *Store) Snapshot() Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cam
}

// Apply merges a patch into the settings and returns the result. Integer
// fields are clamped to their bounds; a font scale that is not a positive
// finite number and an exposure unit that is not "ms" or "us" are ignored.
func (s *Store) Apply(p Patch) Camera {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Gain != nil {
		s.cam.Gain = clampInt(*p.Gain, MinGain, MaxGain)
	}
	if p.ExposureValue != nil {
		v := *p.ExposureValue
		if v < MinExposureValue {
			v = MinExposureValue
		}
		s.cam.ExposureValue = v
	}
	if p.ExposureUnit != nil {
		switch ExposureUnit(*p.ExposureUnit) {
		case Milliseconds, Microseconds:
			s.cam.ExposureUnit = ExposureUnit(*p.ExposureUnit)
		}
	}
	if p.FontScale != nil {
		if v := *p.FontScale; v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			s.cam.FontScale = v
		}
	}
	if p.GraphHeight != nil {
		v := *p.GraphHeight
		if v < MinGraphHeight {
			v = MinGraphHeight
		}
		s.cam.GraphHeight = v
	}
	return s.cam
}

// ROI returns the current region of interest and whether one is set.
func (s *Store) ROI() (ROI, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roi, s.hasROI
}

// SetROI installs a new region of interest after validating it.
func (s *Store) SetROI(r ROI) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roi = r
	s.hasROI = true
	return nil
}

// ClearROI removes the region of interest; the loop stops measuring until a
// new one is set.
func (s *Store) ClearROI() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roi = ROI{}
	s.hasROI = false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
