package camera

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Sim is a synthetic mono camera for development and tests: a single star on
// a noisy background whose blur slowly sweeps in and out of focus, so the
// metric and sparkline have something to show without hardware. Gain and
// exposure controls scale the star's brightness the way a real sensor would.
type Sim struct {
	width  int
	height int

	gain       atomic.Int64
	exposureUs atomic.Int64

	frames  chan gocv.Mat
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	noise []uint8
	start time.Time

	logger *zap.Logger
}

const simFrameInterval = 33 * time.Millisecond

// NewSim creates a synthetic camera with the given frame size.
func NewSim(width, height int) *Sim {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}

	// Precomputed noise table keeps the per-pixel cost to an index and an add.
	rng := rand.New(rand.NewSource(1))
	noise := make([]uint8, 1<<16)
	for i := range noise {
		noise[i] = uint8(rng.Intn(6))
	}

	s := &Sim{
		width:  width,
		height: height,
		frames: make(chan gocv.Mat, 1),
		done:   make(chan struct{}),
		noise:  noise,
		logger: zap.L().Named("sim-camera"),
	}
	s.gain.Store(300)
	s.exposureUs.Store(100_000)
	return s
}

// Open starts the frame generator.
func (s *Sim) Open() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	s.start = time.Now()
	s.wg.Add(1)
	go s.generate()

	s.logger.Info("synthetic camera started",
		zap.Int("width", s.width), zap.Int("height", s.height))
	return nil
}

func (s *Sim) generate() {
	defer s.wg.Done()

	ticker := time.NewTicker(simFrameInterval)
	defer ticker.Stop()

	var seq int
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			seq++
			mat := s.render(time.Since(s.start).Seconds(), seq)
			if mat.Empty() {
				mat.Close()
				continue
			}
			depositFrame(s.frames, mat)
		}
	}
}

// render draws one mono frame: noisy background plus a drifting Gaussian star
// whose sigma oscillates between sharp and badly defocused.
func (s *Sim) render(t float64, seq int) gocv.Mat {
	mat := gocv.NewMatWithSize(s.height, s.width, gocv.MatTypeCV8UC1)
	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat()
	}

	mask := len(s.noise) - 1
	salt := seq * 9973
	for i := range data {
		data[i] = 8 + s.noise[(i+salt)&mask]
	}

	// Focus sweep: sigma moves through [0.8, 4.4] over a ~20 s period.
	sigma := 2.6 + 1.8*math.Sin(2*math.Pi*t/20)
	if sigma < 0.8 {
		sigma = 0.8
	}
	cx := float64(s.width)/2 + 15*math.Sin(t/7)
	cy := float64(s.height)/2 + 10*math.Cos(t/9)

	gain := float64(s.gain.Load())
	expMs := float64(s.exposureUs.Load()) / 1000.0
	if expMs > 500 {
		expMs = 500
	}
	amp := 30 + gain*0.25 + expMs*0.2
	if amp > 245 {
		amp = 245
	}

	// Only touch the pixels inside a 5-sigma box around the star.
	r := int(5*sigma) + 1
	x0, x1 := int(cx)-r, int(cx)+r
	y0, y1 := int(cy)-r, int(cy)+r
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 >= s.width {
		x1 = s.width - 1
	}
	if y1 >= s.height {
		y1 = s.height - 1
	}

	twoSigmaSq := 2 * sigma * sigma
	for y := y0; y <= y1; y++ {
		dy := float64(y) - cy
		row := y * s.width
		for x := x0; x <= x1; x++ {
			dx := float64(x) - cx
			v := float64(data[row+x]) + amp*math.Exp(-(dx*dx+dy*dy)/twoSigmaSq)
			if v > 255 {
				v = 255
			}
			data[row+x] = uint8(v)
		}
	}

	return mat
}

// ApplyControl records the control value; it feeds the star's brightness on
// the next rendered frame.
func (s *Sim) ApplyControl(ctl Control, value int) error {
	switch ctl {
	case ControlGain:
		s.gain.Store(int64(value))
	case ControlExposure:
		s.exposureUs.Store(int64(value))
	}
	return nil
}

// Capture returns the freshest synthetic frame. The caller owns the returned
// Mat and must Close it.
func (s *Sim) Capture(timeout time.Duration) (*gocv.Mat, error) {
	if !s.running.Load() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case mat := <-s.frames:
		return &mat, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-s.done:
		return nil, ErrClosed
	}
}

// Format reports mono; the generator renders single-channel frames.
func (s *Sim) Format() Format {
	return FormatMono
}

// Close stops the generator.
func (s *Sim) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	drainMailbox(s.frames)
	s.logger.Info("synthetic camera stopped")
	return nil
}
