package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "uvc", cfg.Camera.Source)
	assert.Equal(t, "0", cfg.Camera.Device)
	assert.Equal(t, "auto", cfg.Camera.Format)
	assert.Equal(t, 1280, cfg.Camera.Width)
	assert.Equal(t, 720, cfg.Camera.Height)
	assert.Equal(t, "hfd", cfg.Focus.Method)
	assert.Equal(t, 50, cfg.Focus.History)
	assert.Equal(t, 85, cfg.Stream.JPEGQuality)
	assert.False(t, cfg.Debug)
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := load([]string{
		"--camera", "sim",
		"--method", "fwhm",
		"--quality", "70",
		"--listen", "127.0.0.1:9000",
		"--debug",
	})
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.Camera.Source)
	assert.Equal(t, "fwhm", cfg.Focus.Method)
	assert.Equal(t, 70, cfg.Stream.JPEGQuality)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.True(t, cfg.Debug)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("STARFOCUS_FOCUS_METHOD", "fwhm")
	t.Setenv("STARFOCUS_CAMERA_DEVICE", "/dev/video2")

	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, "fwhm", cfg.Focus.Method)
	assert.Equal(t, "/dev/video2", cfg.Camera.Device)
}

func TestLoadFlagBeatsEnvironment(t *testing.T) {
	t.Setenv("STARFOCUS_FOCUS_METHOD", "fwhm")

	cfg, err := load([]string{"--method", "hfd"})
	require.NoError(t, err)
	assert.Equal(t, "hfd", cfg.Focus.Method)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := [][]string{
		{"--camera", "rtsp"},
		{"--method", "laplacian"},
		{"--format", "yuv422"},
		{"--quality", "0"},
		{"--quality", "101"},
		{"--history", "0"},
		{"--width", "-1"},
	}
	for _, args := range cases {
		_, err := load(args)
		assert.Error(t, err, "args %v", args)
	}
}
