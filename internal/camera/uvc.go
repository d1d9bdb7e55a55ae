package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// UVC drives a V4L2/UVC device through OpenCV's VideoCapture. Open starts a
// reader goroutine that continuously pulls frames into a capacity-one mailbox,
// always replacing a stale frame with the newest, so Capture is a bounded wait
// for fresh data rather than a blocking driver call.
type UVC struct {
	device string
	format Format
	width  int
	height int

	cap     *gocv.VideoCapture
	frames  chan gocv.Mat
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	// Serializes driver calls: the reader's Read and the loop's control
	// writes must not hit the handle concurrently.
	mu sync.Mutex

	logger *zap.Logger
}

// readRetryDelay paces the reader after a failed driver read.
const readRetryDelay = 10 * time.Millisecond

// NewUVC creates an adapter for the given device. The device string is either
// a numeric index ("0") or a path ("/dev/video0"). Width and height of 0 keep
// the driver's native resolution.
func NewUVC(device string, format Format, width, height int) *UVC {
	return &UVC{
		device: device,
		format: format,
		width:  width,
		height: height,
		frames: make(chan gocv.Mat, 1),
		done:   make(chan struct{}),
		logger: zap.L().Named("uvc-camera"),
	}
}

// Open claims the device and starts continuous capture.
func (c *UVC) Open() error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	cap, err := gocv.OpenVideoCapture(c.device)
	if err != nil {
		c.running.Store(false)
		return fmt.Errorf("%w: %s: %v", ErrNoDevice, c.device, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		c.running.Store(false)
		return fmt.Errorf("%w: %s", ErrNoDevice, c.device)
	}
	c.cap = cap

	if c.width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
	}
	if c.height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	}
	// Manual exposure mode (V4L2: 1), otherwise ControlExposure writes are
	// silently overridden by the auto algorithm.
	cap.Set(gocv.VideoCaptureAutoExposure, 1)
	if c.format != FormatColor {
		// Raw sensor data: stop OpenCV from converting to BGR behind our back.
		cap.Set(gocv.VideoCaptureConvertRGB, 0)
	}

	c.wg.Add(1)
	go c.reader()

	c.logger.Info("camera opened",
		zap.String("device", c.device),
		zap.String("format", c.format.String()))
	return nil
}

// reader pulls frames from the driver for as long as the camera is open.
func (c *UVC) reader() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		mat := gocv.NewMat()
		c.mu.Lock()
		ok := c.cap.Read(&mat)
		c.mu.Unlock()

		if !ok || mat.Empty() {
			mat.Close()
			select {
			case <-c.done:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		depositFrame(c.frames, mat)
	}
}

// ApplyControl sets a hardware control to an absolute value.
func (c *UVC) ApplyControl(ctl Control, value int) error {
	if !c.running.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ctl {
	case ControlGain:
		c.cap.Set(gocv.VideoCaptureGain, float64(value))
	case ControlExposure:
		// V4L2 exposure_absolute counts in 100 us steps.
		steps := float64(value) / 100.0
		if steps < 1 {
			steps = 1
		}
		c.cap.Set(gocv.VideoCaptureExposure, steps)
	default:
		return &DriverError{Op: "set", Err: fmt.Errorf("unsupported control %s", ctl)}
	}
	return nil
}

// Capture returns the freshest frame, waiting up to timeout for one to
// arrive. The caller owns the returned Mat and must Close it.
func (c *UVC) Capture(timeout time.Duration) (*gocv.Mat, error) {
	if !c.running.Load() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case mat := <-c.frames:
		return &mat, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.done:
		return nil, ErrClosed
	}
}

// Format reports the configured sensor pixel layout.
func (c *UVC) Format() Format {
	return c.format
}

// Close stops the reader and releases the device.
func (c *UVC) Close() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	close(c.done)
	c.wg.Wait()
	drainMailbox(c.frames)

	err := c.cap.Close()
	c.logger.Info("camera closed", zap.String("device", c.device))
	if err != nil {
		return &DriverError{Op: "close", Err: err}
	}
	return nil
}
