package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// NullService is a deterministic capture backend with no hardware. It
// still performs the real atomic file writes, so the sequencer and its
// tests exercise the same path discipline as the ffmpeg backend. Used by
// `--backend null` dry runs and by tests.
type NullService struct {
	root string

	mu                 sync.Mutex
	unavailableDevices map[string]bool
	failEncode         map[string]bool
}

// NewNullService creates a null backend rooted at the output directory.
func NewNullService(root string) *NullService {
	return &NullService{
		root:               root,
		unavailableDevices: make(map[string]bool),
		failEncode:         make(map[string]bool),
	}
}

// FailDevice makes Begin reject captures that include the given device.
func (s *NullService) FailDevice(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailableDevices[device] = true
}

// FailEncode makes Stop flag the given channel as failed.
func (s *NullService) FailEncode(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEncode[channelID] = true
}

func (s *NullService) Begin(ctx context.Context, requests []Request, settings Settings) (Capture, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("no channels requested: %w", ErrDeviceUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range requests {
		if s.unavailableDevices[req.Device] {
			return nil, &ChannelError{
				ChannelID: req.ChannelID,
				Err:       fmt.Errorf("device %s: %w", req.Device, ErrDeviceUnavailable),
			}
		}
	}
	return &nullCapture{svc: s, requests: requests, settings: settings}, nil
}

func (s *NullService) ListDevices(ctx context.Context) ([]Device, error) {
	return []Device{{Name: "default", State: "IDLE"}}, nil
}

type nullCapture struct {
	svc      *NullService
	requests []Request
	settings Settings

	mu       sync.Mutex
	finished bool
}

// Stop writes one placeholder file per channel, temp file plus rename,
// mirroring the ffmpeg backend's visibility guarantee.
func (c *nullCapture) Stop() (map[string]Take, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil, ErrCaptureFinished
	}
	c.finished = true

	takes := make(map[string]Take, len(c.requests))
	for _, req := range c.requests {
		take := Take{ChannelID: req.ChannelID, Path: filepath.Join(c.svc.root, filepath.FromSlash(req.Path))}
		c.svc.mu.Lock()
		fail := c.svc.failEncode[req.ChannelID]
		c.svc.mu.Unlock()
		if fail {
			take.Error = fmt.Sprintf("%v: injected failure", ErrEncodeFailed)
			takes[req.ChannelID] = take
			continue
		}
		n, err := writeAtomic(take.Path, silentTake(c.settings))
		if err != nil {
			take.Error = fmt.Sprintf("%v: %v", ErrEncodeFailed, err)
		} else {
			take.Bytes = n
		}
		takes[req.ChannelID] = take
	}
	return takes, nil
}

// Cancel discards the capture; nothing is ever visible at the targets.
func (c *nullCapture) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrCaptureFinished
	}
	c.finished = true
	return nil
}

// writeAtomic writes data to a temp file and renames it into place.
func writeAtomic(final string, data []byte) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return 0, err
	}
	tmp := final + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return int64(len(data)), nil
}

// silentTake fabricates a deterministic MP3-shaped blob whose size
// scales with the requested settings.
func silentTake(settings Settings) []byte {
	var buf bytes.Buffer
	buf.WriteString("ID3")
	fmt.Fprintf(&buf, "null-capture rate=%d depth=%d ch=%d br=%d",
		settings.SampleRate, settings.BitDepth, settings.Channels, settings.MP3Bitrate)
	buf.Write(bytes.Repeat([]byte{0}, settings.MP3Bitrate))
	return buf.Bytes()
}
