// Package pipeline drives the per-frame processing chain: settings snapshot,
// control reconciliation, capture, color conversion, metric, overlay, encode,
// broadcast. One goroutine owns the whole chain; everything it shares with
// the HTTP layer goes through the settings store, the history ring, and the
// frame broadcaster.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/starfocus/internal/camera"
	"github.com/mikeyg42/starfocus/internal/focus"
	"github.com/mikeyg42/starfocus/internal/history"
	"github.com/mikeyg42/starfocus/internal/overlay"
	"github.com/mikeyg42/starfocus/internal/settings"
	"github.com/mikeyg42/starfocus/internal/stream"
)

// State is the lifecycle of the capture loop.
type State int32

const (
	StateUninitialized State = iota
	StateCapturing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCapturing:
		return "capturing"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SampleSink receives every new focus sample as it is measured. The
// websocket hub implements this; the loop neither knows nor cares.
type SampleSink interface {
	PublishSample(value float64)
}

const (
	// captureMargin rides on top of the exposure time when waiting for a
	// frame; a frame later than exposure+margin counts as missed.
	captureMargin = 500 * time.Millisecond

	// transientYield is the pause after a skipped iteration so a wedged
	// driver does not spin the loop hot.
	transientYield = 20 * time.Millisecond

	// minROIPixels rejects regions too small to hold a measurable star.
	minROIPixels = 10

	terminalFrameWidth  = 640
	terminalFrameHeight = 480
)

// Options configures a Loop.
type Options struct {
	Method      focus.Method
	JPEGQuality int
	Sink        SampleSink
}

// Stats counts what the loop has done so far.
type Stats struct {
	Frames  int64
	Skipped int64
}

// Loop owns the capture pipeline from device to broadcaster.
type Loop struct {
	cam   camera.Camera
	store *settings.Store
	hist  *history.Ring
	cast  *stream.Broadcaster
	sink  SampleSink

	method  focus.Method
	label   string
	quality int

	state atomic.Int32
	stats struct {
		frames  atomic.Int64
		skipped atomic.Int64
	}

	// Last control values the hardware accepted; a set call goes out only
	// when the snapshot disagrees.
	appliedGain       int
	appliedExposureUs int

	logger *zap.Logger
}

// New assembles a capture loop. The sink may be nil.
func New(cam camera.Camera, store *settings.Store, hist *history.Ring, cast *stream.Broadcaster, opts Options) *Loop {
	method := opts.Method
	if method == "" {
		method = focus.MethodHFD
	}
	quality := opts.JPEGQuality
	if quality <= 0 {
		quality = 85
	} else if quality > 100 {
		quality = 100
	}

	return &Loop{
		cam:               cam,
		store:             store,
		hist:              hist,
		cast:              cast,
		sink:              opts.Sink,
		method:            method,
		label:             strings.ToUpper(string(method)),
		quality:           quality,
		appliedGain:       -1,
		appliedExposureUs: -1,
		logger:            zap.L().Named("pipeline"),
	}
}

// SetSampleSink wires the sample consumer. Call before Run; the consumer
// usually needs the loop itself, which rules out passing it in Options.
func (l *Loop) SetSampleSink(s SampleSink) {
	l.sink = s
}

// State returns the loop's lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Stats returns the iteration counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Frames:  l.stats.frames.Load(),
		Skipped: l.stats.skipped.Load(),
	}
}

// Run opens the camera and processes frames until the context is canceled.
// A failed open is terminal: the loop broadcasts a single error frame and
// returns without retrying, because a missing camera needs an operator, not
// a retry loop.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.cam.Open(); err != nil {
		l.state.Store(int32(StateTerminated))
		l.logger.Error("camera open failed", zap.Error(err))
		l.emitTerminal("CAMERA NOT FOUND")
		return fmt.Errorf("open camera: %w", err)
	}
	defer l.cam.Close()

	l.state.Store(int32(StateCapturing))
	l.logger.Info("capture started",
		zap.String("method", string(l.method)),
		zap.String("format", l.cam.Format().String()))

	for {
		select {
		case <-ctx.Done():
			l.state.Store(int32(StateTerminated))
			l.cast.Close()
			l.logger.Info("capture stopped", zap.Int64("frames", l.stats.frames.Load()))
			return nil
		default:
		}
		l.iterate(l.store.Snapshot())
	}
}

// iterate runs one pass of the pipeline. Failures in here are transient by
// contract: log, skip, let the next frame try again.
func (l *Loop) iterate(snap settings.Camera) {
	l.reconcileControls(snap)

	raw, err := l.cam.Capture(snap.ExposureDuration() + captureMargin)
	if err != nil {
		l.stats.skipped.Add(1)
		l.logger.Debug("capture skipped", zap.Error(err))
		time.Sleep(transientYield)
		return
	}
	defer raw.Close()
	if raw.Empty() {
		l.stats.skipped.Add(1)
		return
	}

	bufs, err := l.convert(raw)
	if err != nil {
		l.stats.skipped.Add(1)
		l.logger.Warn("frame conversion failed", zap.Error(err))
		return
	}
	defer bufs.Close()

	width := bufs.display.Cols()
	height := bufs.display.Rows()

	if roi, ok := l.store.ROI(); ok {
		if rect, valid := roiRect(roi, width, height); valid {
			crop := bufs.gray.Region(rect)
			m := focus.Measure(crop, l.method)
			l.hist.Append(m.Metric)
			if l.sink != nil {
				l.sink.PublishSample(m.Metric)
			}
			overlay.Draw(&bufs.display, rect, crop, m, l.hist.Snapshot(), overlay.Style{
				FontScale:   snap.FontScale,
				GraphHeight: snap.GraphHeight,
				MetricLabel: l.label,
			})
			crop.Close()
		}
	}

	jpeg, err := l.encode(bufs.display)
	if err != nil {
		l.stats.skipped.Add(1)
		l.logger.Warn("frame encode failed", zap.Error(err))
		return
	}
	l.cast.Publish(jpeg)
	l.stats.frames.Add(1)
}

// reconcileControls pushes gain and exposure to the hardware, but only when
// the desired value changed since the last accepted set. A failed set is
// left un-recorded so the next iteration retries it.
func (l *Loop) reconcileControls(snap settings.Camera) {
	if snap.Gain != l.appliedGain {
		if err := l.cam.ApplyControl(camera.ControlGain, snap.Gain); err != nil {
			l.logger.Warn("gain apply failed", zap.Int("gain", snap.Gain), zap.Error(err))
		} else {
			l.appliedGain = snap.Gain
		}
	}

	if expUs := snap.ExposureMicros(); expUs != l.appliedExposureUs {
		if err := l.cam.ApplyControl(camera.ControlExposure, expUs); err != nil {
			l.logger.Warn("exposure apply failed", zap.Int("exposure_us", expUs), zap.Error(err))
		} else {
			l.appliedExposureUs = expUs
		}
	}
}

// frameBuffers is the pair of views derived from one raw capture. display or
// gray may alias the raw Mat; Close releases only what this struct owns, the
// caller still closes raw itself.
type frameBuffers struct {
	display     gocv.Mat
	gray        gocv.Mat
	ownsDisplay bool
	ownsGray    bool
}

func (f *frameBuffers) Close() {
	if f.ownsDisplay {
		f.display.Close()
	}
	if f.ownsGray {
		f.gray.Close()
	}
}

// convert builds the display and grayscale buffers for one raw frame. Mono
// sensors reuse the raw buffer as the grayscale source; Bayer sensors are
// demosaiced for display and the grayscale is derived from that same
// demosaiced image, so the metric sees the photometry the operator sees.
func (l *Loop) convert(raw *gocv.Mat) (frameBuffers, error) {
	switch raw.Channels() {
	case 1:
		if f := l.cam.Format(); f.Bayer() {
			display := gocv.NewMat()
			gocv.CvtColor(*raw, &display, bayerToBGR(f))
			gray := gocv.NewMat()
			gocv.CvtColor(display, &gray, gocv.ColorBGRToGray)
			return frameBuffers{display: display, gray: gray, ownsDisplay: true, ownsGray: true}, nil
		}
		display := gocv.NewMat()
		gocv.CvtColor(*raw, &display, gocv.ColorGrayToBGR)
		return frameBuffers{display: display, gray: *raw, ownsDisplay: true}, nil
	case 3:
		gray := gocv.NewMat()
		gocv.CvtColor(*raw, &gray, gocv.ColorBGRToGray)
		return frameBuffers{display: *raw, gray: gray, ownsGray: true}, nil
	default:
		return frameBuffers{}, fmt.Errorf("unsupported channel count %d", raw.Channels())
	}
}

// bayerToBGR picks the demosaic conversion. OpenCV names these by the second
// row of the 2x2 quad, so RGGB data takes the BayerBG code.
func bayerToBGR(f camera.Format) gocv.ColorConversionCode {
	switch f {
	case camera.FormatBayerRG:
		return gocv.ColorBayerBGToBGR
	case camera.FormatBayerGR:
		return gocv.ColorBayerGBToBGR
	case camera.FormatBayerBG:
		return gocv.ColorBayerRGToBGR
	default:
		return gocv.ColorBayerGRToBGR
	}
}

// roiRect maps the normalized ROI onto this frame's pixels and validates the
// result. A region that lands outside the frame or below the minimum size is
// rejected, which also guards against a stale ROI after a resolution change.
func roiRect(r settings.ROI, width, height int) (image.Rectangle, bool) {
	x0 := int(math.Round(r.X * float64(width)))
	y0 := int(math.Round(r.Y * float64(height)))
	x1 := int(math.Round((r.X + r.W) * float64(width)))
	y1 := int(math.Round((r.Y + r.H) * float64(height)))

	rect := image.Rect(x0, y0, x1, y1).Intersect(image.Rect(0, 0, width, height))
	if rect.Dx() < minROIPixels || rect.Dy() < minROIPixels {
		return image.Rectangle{}, false
	}
	return rect, true
}

// encode compresses the display frame to JPEG.
func (l *Loop) encode(display gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, display,
		[]int{gocv.IMWriteJpegQuality, l.quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// emitTerminal broadcasts the one and only error frame and shuts the stream.
func (l *Loop) emitTerminal(msg string) {
	frame := overlay.ErrorFrame(terminalFrameWidth, terminalFrameHeight, msg)
	defer frame.Close()

	jpeg, err := l.encode(frame)
	if err != nil {
		l.logger.Error("terminal frame encode failed", zap.Error(err))
		l.cast.Terminate(nil)
		return
	}
	l.cast.Terminate(jpeg)
}
