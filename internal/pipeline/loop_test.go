package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/starfocus/internal/camera"
	"github.com/mikeyg42/starfocus/internal/history"
	"github.com/mikeyg42/starfocus/internal/settings"
	"github.com/mikeyg42/starfocus/internal/stream"
)

// frameStep is one scripted Capture outcome: either an error or a freshly
// built frame.
type frameStep struct {
	err   error
	build func() gocv.Mat
}

// scriptedCamera feeds a fixed sequence of capture outcomes to the loop and
// records every control write. Once the script runs out it times out, which
// parks the loop until the test cancels it.
type scriptedCamera struct {
	mu       sync.Mutex
	openErr  error
	script   []frameStep
	format   camera.Format
	controls map[camera.Control][]int
	closed   bool
}

func newScriptedCamera(format camera.Format, steps ...frameStep) *scriptedCamera {
	return &scriptedCamera{
		format:   format,
		script:   steps,
		controls: make(map[camera.Control][]int),
	}
}

func (c *scriptedCamera) Open() error {
	return c.openErr
}

func (c *scriptedCamera) ApplyControl(ctl camera.Control, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls[ctl] = append(c.controls[ctl], value)
	return nil
}

func (c *scriptedCamera) Capture(timeout time.Duration) (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, camera.ErrClosed
	}
	if len(c.script) == 0 {
		return nil, camera.ErrTimeout
	}
	step := c.script[0]
	c.script = c.script[1:]
	if step.err != nil {
		return nil, step.err
	}
	m := step.build()
	return &m, nil
}

func (c *scriptedCamera) Format() camera.Format {
	return c.format
}

func (c *scriptedCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedCamera) controlWrites(ctl camera.Control) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.controls[ctl]))
	copy(out, c.controls[ctl])
	return out
}

// recordingSink collects every published sample.
type recordingSink struct {
	mu     sync.Mutex
	values []float64
}

func (s *recordingSink) PublishSample(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, v)
}

func (s *recordingSink) snapshot() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

// starFrame builds a mono frame with a single bright blob at (80, 60).
func starFrame() gocv.Mat {
	m := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC1)
	for dy := -3; dy <= 3; dy++ {
		for dx := -3; dx <= 3; dx++ {
			v := 220 - 18*(absInt(dx)+absInt(dy))
			m.SetUCharAt(60+dy, 80+dx, uint8(v))
		}
	}
	return m
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func starSteps(n int) []frameStep {
	steps := make([]frameStep, n)
	for i := range steps {
		steps[i] = frameStep{build: starFrame}
	}
	return steps
}

func isJPEG(data []byte) bool {
	return len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8
}

func TestRunMeasuresAndBroadcasts(t *testing.T) {
	store := settings.NewStore()
	require.NoError(t, store.SetROI(settings.ROI{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}))
	hist := history.NewRing(16)
	cast := stream.NewBroadcaster()
	sink := &recordingSink{}
	cam := newScriptedCamera(camera.FormatMono, starSteps(5)...)

	loop := New(cam, store, hist, cast, Options{Sink: sink})
	require.Equal(t, StateUninitialized, loop.State())

	_, frames := cast.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return loop.Stats().Frames == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateCapturing, loop.State())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateTerminated, loop.State())

	assert.Equal(t, 5, hist.Size())
	last, ok := hist.Last()
	require.True(t, ok)
	assert.Greater(t, last, 0.0, "a real blob should score a positive metric")

	samples := sink.snapshot()
	require.Len(t, samples, 5)
	for _, v := range samples {
		assert.Greater(t, v, 0.0)
	}

	select {
	case frame := <-frames:
		assert.True(t, isJPEG(frame), "broadcast frames should be JPEG encoded")
	case <-time.After(time.Second):
		t.Fatal("no frame reached the subscriber")
	}
}

func TestRunAppliesControlsOnlyOnChange(t *testing.T) {
	store := settings.NewStore()
	hist := history.NewRing(8)
	cast := stream.NewBroadcaster()
	cam := newScriptedCamera(camera.FormatMono, starSteps(4)...)

	loop := New(cam, store, hist, cast, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return loop.Stats().Frames == 4
	}, 2*time.Second, 5*time.Millisecond)

	// Defaults go to the hardware exactly once no matter how many
	// iterations ran.
	assert.Equal(t, []int{300}, cam.controlWrites(camera.ControlGain))
	assert.Equal(t, []int{100_000}, cam.controlWrites(camera.ControlExposure))

	// A settings change reaches the hardware on the next iteration even
	// though captures are timing out by now.
	store.Apply(settings.Patch{Gain: intPtr(450)})
	require.Eventually(t, func() bool {
		writes := cam.controlWrites(camera.ControlGain)
		return len(writes) == 2 && writes[1] == 450
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunSkipsTimeoutAndRecovers(t *testing.T) {
	store := settings.NewStore()
	require.NoError(t, store.SetROI(settings.ROI{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}))
	hist := history.NewRing(8)
	cast := stream.NewBroadcaster()
	cam := newScriptedCamera(camera.FormatMono,
		frameStep{build: starFrame},
		frameStep{err: camera.ErrTimeout},
		frameStep{build: starFrame},
	)

	loop := New(cam, store, hist, cast, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return loop.Stats().Frames == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.GreaterOrEqual(t, loop.Stats().Skipped, int64(1))
	assert.Equal(t, 2, hist.Size(), "the skipped iteration must not record a sample")
}

func TestRunWithoutROIStreamsPlainVideo(t *testing.T) {
	store := settings.NewStore()
	hist := history.NewRing(8)
	cast := stream.NewBroadcaster()
	sink := &recordingSink{}
	cam := newScriptedCamera(camera.FormatMono, starSteps(3)...)

	loop := New(cam, store, hist, cast, Options{Sink: sink})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return loop.Stats().Frames == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 0, hist.Size())
	assert.Empty(t, sink.snapshot())
}

func TestRunMissingCameraTerminatesStream(t *testing.T) {
	store := settings.NewStore()
	hist := history.NewRing(8)
	cast := stream.NewBroadcaster()
	cam := newScriptedCamera(camera.FormatMono)
	cam.openErr = fmt.Errorf("%w: /dev/video9", camera.ErrNoDevice)

	loop := New(cam, store, hist, cast, Options{})
	_, frames := cast.Subscribe()

	err := loop.Run(context.Background())
	require.ErrorIs(t, err, camera.ErrNoDevice)
	assert.Equal(t, StateTerminated, loop.State())
	assert.True(t, cast.Terminated())

	// Exactly one terminal frame, then the channel closes.
	frame, ok := <-frames
	require.True(t, ok)
	assert.True(t, isJPEG(frame))
	_, ok = <-frames
	assert.False(t, ok)

	// A subscriber arriving after the failure still sees the error frame.
	_, late := cast.Subscribe()
	frame, ok = <-late
	require.True(t, ok)
	assert.True(t, isJPEG(frame))
	_, ok = <-late
	assert.False(t, ok)
}

func TestROIRectMapping(t *testing.T) {
	rect, ok := roiRect(settings.ROI{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}, 160, 120)
	require.True(t, ok)
	assert.Equal(t, image.Rect(40, 30, 120, 90), rect)

	rect, ok = roiRect(settings.ROI{X: 0, Y: 0, W: 1, H: 1}, 160, 120)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 160, 120), rect)

	// 8x6 pixels is below the minimum measurable size.
	_, ok = roiRect(settings.ROI{X: 0.9, Y: 0.9, W: 0.05, H: 0.05}, 160, 120)
	assert.False(t, ok)
}

func TestConvertOwnership(t *testing.T) {
	store := settings.NewStore()
	hist := history.NewRing(8)
	cast := stream.NewBroadcaster()

	t.Run("mono aliases raw as gray", func(t *testing.T) {
		loop := New(newScriptedCamera(camera.FormatMono), store, hist, cast, Options{})
		raw := starFrame()
		defer raw.Close()

		bufs, err := loop.convert(&raw)
		require.NoError(t, err)
		defer bufs.Close()

		assert.Equal(t, 3, bufs.display.Channels())
		assert.Equal(t, 1, bufs.gray.Channels())
		assert.True(t, bufs.ownsDisplay)
		assert.False(t, bufs.ownsGray)
	})

	t.Run("color derives gray", func(t *testing.T) {
		loop := New(newScriptedCamera(camera.FormatColor), store, hist, cast, Options{})
		raw := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
		defer raw.Close()

		bufs, err := loop.convert(&raw)
		require.NoError(t, err)
		defer bufs.Close()

		assert.False(t, bufs.ownsDisplay)
		assert.True(t, bufs.ownsGray)
		assert.Equal(t, 1, bufs.gray.Channels())
	})

	t.Run("bayer demosaics for display", func(t *testing.T) {
		loop := New(newScriptedCamera(camera.FormatBayerRG), store, hist, cast, Options{})
		raw := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC1)
		defer raw.Close()

		bufs, err := loop.convert(&raw)
		require.NoError(t, err)
		defer bufs.Close()

		assert.True(t, bufs.ownsDisplay)
		assert.True(t, bufs.ownsGray)
		assert.Equal(t, 3, bufs.display.Channels())
		assert.Equal(t, 1, bufs.gray.Channels())
	})
}

func intPtr(v int) *int { return &v }
