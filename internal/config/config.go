// Package config loads process configuration from command line flags, the
// environment, and an optional /etc/starfocus.toml, in that order of
// precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mikeyg42/starfocus/internal/camera"
	"github.com/mikeyg42/starfocus/internal/focus"
)

// Config holds all application configuration
type Config struct {
	ListenAddr string       `mapstructure:"listen"`
	Debug      bool         `mapstructure:"debug"`
	Camera     CameraConfig `mapstructure:"camera"`
	Focus      FocusConfig  `mapstructure:"focus"`
	Stream     StreamConfig `mapstructure:"stream"`
}

type CameraConfig struct {
	Source string `mapstructure:"source"`
	Device string `mapstructure:"device"`
	Format string `mapstructure:"format"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
}

type FocusConfig struct {
	Method  string `mapstructure:"method"`
	History int    `mapstructure:"history"`
}

type StreamConfig struct {
	JPEGQuality int `mapstructure:"quality"`
}

// Load reads configuration for the running process.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("starfocus", pflag.ContinueOnError)
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("camera", "uvc", "Camera backend: uvc or sim")
	flags.String("device", "0", "Device path or index for the uvc backend")
	flags.String("format", "auto", "Sensor format: auto, mono, or a bayer pattern (rggb, grbg, bggr, gbrg)")
	flags.Int("width", 1280, "Requested frame width")
	flags.Int("height", 720, "Requested frame height")
	flags.String("method", "hfd", "Focus metric: hfd or fwhm")
	flags.Int("history", 50, "Focus history length")
	flags.Int("quality", 85, "JPEG quality for the preview stream")
	flags.Bool("debug", false, "Enable debug logging")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("starfocus")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("STARFOCUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flags beat environment beats config file; unset flags fall through
	// to their defaults.
	bindings := map[string]string{
		"listen":         "listen",
		"debug":          "debug",
		"camera.source":  "camera",
		"camera.device":  "device",
		"camera.format":  "format",
		"camera.width":   "width",
		"camera.height":  "height",
		"focus.method":   "method",
		"focus.history":  "history",
		"stream.quality": "quality",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values the rest of the process would only trip over
// later.
func (c *Config) Validate() error {
	switch c.Camera.Source {
	case "uvc", "sim":
	default:
		return fmt.Errorf("unknown camera backend %q", c.Camera.Source)
	}
	if _, err := camera.ParseFormat(c.Camera.Format); err != nil {
		return err
	}
	if _, err := focus.ParseMethod(c.Focus.Method); err != nil {
		return err
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Focus.History <= 0 {
		return fmt.Errorf("invalid history length %d", c.Focus.History)
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality %d outside 1-100", c.Stream.JPEGQuality)
	}
	return nil
}
