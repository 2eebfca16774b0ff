// Package audio provides the capture service: it opens the configured
// microphone channels, records them for the sequencer and writes one
// encoded MP3 file per channel at the path the caller computed. Writes
// are atomic (temp file + rename) so a half-written sample is never
// visible at its final path.
package audio

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrInvalidSettings   = errors.New("invalid settings")
	ErrEncodeFailed      = errors.New("encode failed")
	ErrCaptureFinished   = errors.New("capture already finished")
)

// ChannelError ties a capture failure to the microphone channel that
// caused it.
type ChannelError struct {
	ChannelID string
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Settings are the capture parameters for one recording.
type Settings struct {
	SampleRate int
	BitDepth   int
	Channels   int // 1=mono, 2=stereo
	MP3Bitrate int
}

func (s Settings) validate() error {
	switch s.SampleRate {
	case 44100, 48000, 96000:
	default:
		return fmt.Errorf("sample rate %d: %w", s.SampleRate, ErrInvalidSettings)
	}
	if s.BitDepth != 16 && s.BitDepth != 24 {
		return fmt.Errorf("bit depth %d: %w", s.BitDepth, ErrInvalidSettings)
	}
	if s.Channels != 1 && s.Channels != 2 {
		return fmt.Errorf("channel count %d: %w", s.Channels, ErrInvalidSettings)
	}
	switch s.MP3Bitrate {
	case 128, 192, 256, 320:
	default:
		return fmt.Errorf("mp3 bitrate %d: %w", s.MP3Bitrate, ErrInvalidSettings)
	}
	return nil
}

// Request describes one channel's capture target. Path is relative to
// the output root and uses forward slashes.
type Request struct {
	ChannelID string
	Device    string
	Path      string
}

// Take is the result of one channel's capture. Error is empty when the
// file was written at Path; otherwise it describes the encode failure
// and no file is visible at Path.
type Take struct {
	ChannelID string `json:"channel_id"`
	Path      string `json:"path"`
	Bytes     int64  `json:"bytes"`
	Error     string `json:"error,omitempty"`
}

// Capture is one in-flight recording across all enabled channels.
// Stop finalizes the files; Cancel discards them. Both are safe to call
// while encoding is still running, and each terminates the capture.
type Capture interface {
	Stop() (map[string]Take, error)
	Cancel() error
}

// Service starts captures and lists the available input devices.
// Begin fails with ErrDeviceUnavailable if any requested channel cannot
// open and with ErrInvalidSettings for unsupported parameters.
type Service interface {
	Begin(ctx context.Context, requests []Request, settings Settings) (Capture, error)
	ListDevices(ctx context.Context) ([]Device, error)
}

// Device is one capture source as reported by the sound server.
type Device struct {
	Name  string `json:"name"`
	State string `json:"state,omitempty"`
}
