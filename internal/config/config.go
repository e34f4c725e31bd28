// Package config loads and validates the audio engine's runtime configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AudioConfig holds the immutable-after-init parameters for an Engine.
// Precedence when loaded via Load: CLI flags > env vars > defaults.
type AudioConfig struct {
	SampleRate       int // Hz, 8000-192000
	Channels         int // 1-8, typically 2
	BufferSizeFrames int // period size, 128-4096
	EnableOutput     bool
	EnableInput      bool
	OutputDeviceID   string
	InputDeviceID    string
	LogLevel         string
	LogFormat        string // "text" or "json"
}

// defaults
const (
	defaultSampleRate       = 48000
	defaultChannels         = 2
	defaultBufferSizeFrames = 512
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
)

// envPrefix is the prefix for all engine environment variables.
const envPrefix = "MIXCORE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*AudioConfig, error) {
	cfg := &AudioConfig{}

	fs := flag.NewFlagSet("mixcore", flag.ContinueOnError)

	fs.IntVar(&cfg.SampleRate, "sample-rate", defaultSampleRate, "output sample rate in Hz")
	fs.IntVar(&cfg.Channels, "channels", defaultChannels, "number of output channels")
	fs.IntVar(&cfg.BufferSizeFrames, "buffer-size-frames", defaultBufferSizeFrames, "mix period size in frames")
	fs.BoolVar(&cfg.EnableOutput, "enable-output", true, "enable audio output")
	fs.BoolVar(&cfg.EnableInput, "enable-input", false, "enable audio input")
	fs.StringVar(&cfg.OutputDeviceID, "output-device", "", "platform output device id (empty = default)")
	fs.StringVar(&cfg.InputDeviceID, "input-device", "", "platform input device id (empty = default)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not explicitly
// provided on the command line, preserving CLI-flags-win-over-env precedence.
func applyEnvOverrides(fs *flag.FlagSet, cfg *AudioConfig) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"sample-rate":        envPrefix + "SAMPLE_RATE",
		"channels":           envPrefix + "CHANNELS",
		"buffer-size-frames": envPrefix + "BUFFER_SIZE_FRAMES",
		"output-device":      envPrefix + "OUTPUT_DEVICE",
		"input-device":       envPrefix + "INPUT_DEVICE",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SampleRate = v
			}
		case "channels":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Channels = v
			}
		case "buffer-size-frames":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.BufferSizeFrames = v
			}
		case "output-device":
			cfg.OutputDeviceID = val
		case "input-device":
			cfg.InputDeviceID = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// Validate checks sample rate and channel ranges, buffer size range, and
// that at least one of input/output is enabled.
func (c *AudioConfig) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("sample-rate must be between 8000 and 192000, got %d", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", c.Channels)
	}
	if c.BufferSizeFrames < 128 || c.BufferSizeFrames > 4096 {
		return fmt.Errorf("buffer-size-frames must be between 128 and 4096, got %d", c.BufferSizeFrames)
	}
	if !c.EnableOutput && !c.EnableInput {
		return fmt.Errorf("at least one of enable-output or enable-input must be true")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// FrameSize returns the number of float32 samples in one buffer period
// across all channels (BufferSizeFrames * Channels).
func (c *AudioConfig) FrameSize() int {
	return c.BufferSizeFrames * c.Channels
}
