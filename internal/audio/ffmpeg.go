package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// stopTimeout bounds the graceful FFmpeg shutdown before a hard kill.
const stopTimeout = 5 * time.Second

// FFmpegService records by running one ffmpeg process per enabled
// channel, reading from the channel's PulseAudio source and encoding
// straight to MP3. Each process writes to a temp file that is renamed
// into place on a clean stop.
type FFmpegService struct {
	root   string
	binary string
}

// NewFFmpegService creates the default capture backend rooted at the
// output directory.
func NewFFmpegService(root string) *FFmpegService {
	return &FFmpegService{root: root, binary: "ffmpeg"}
}

// Begin starts one ffmpeg per request. If any process fails to start,
// the ones already running are killed and their temp files removed.
func (s *FFmpegService) Begin(ctx context.Context, requests []Request, settings Settings) (Capture, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("no channels requested: %w", ErrDeviceUnavailable)
	}

	capture := &ffmpegCapture{}
	for _, req := range requests {
		proc, err := s.startChannel(ctx, req, settings)
		if err != nil {
			capture.Cancel()
			return nil, &ChannelError{ChannelID: req.ChannelID, Err: err}
		}
		capture.procs = append(capture.procs, proc)
	}
	return capture, nil
}

func (s *FFmpegService) startChannel(ctx context.Context, req Request, settings Settings) (*ffmpegProc, error) {
	final := filepath.Join(s.root, filepath.FromSlash(req.Path))
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(final), err)
	}
	tmp := final + ".part"

	args := buildFFmpegArgs(req.Device, settings, tmp)
	slog.Debug("Starting ffmpeg", "channel", req.ChannelID, "args", strings.Join(args, " "))

	cmd := exec.Command(s.binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg for device %s: %w: %w", req.Device, err, ErrDeviceUnavailable)
	}
	_ = ctx

	return &ffmpegProc{
		channelID: req.ChannelID,
		cmd:       cmd,
		stderr:    &stderr,
		tmp:       tmp,
		final:     final,
	}, nil
}

// buildFFmpegArgs assembles the capture command for one channel.
func buildFFmpegArgs(device string, settings Settings, tmp string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "pulse",
		"-i", device,
		"-ac", fmt.Sprintf("%d", settings.Channels),
		"-ar", fmt.Sprintf("%d", settings.SampleRate),
		"-codec:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", settings.MP3Bitrate),
		"-f", "mp3",
		"-y",
		tmp,
	}
}

// ListDevices returns the PulseAudio capture sources via pactl.
func (s *FFmpegService) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output()
	if err != nil {
		return nil, fmt.Errorf("listing capture sources: %w", err)
	}
	return parseSources(string(out)), nil
}

// parseSources reads `pactl list short sources` output: one line per
// source with index, name and state in tab-separated columns.
func parseSources(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := Device{Name: fields[1]}
		if len(fields) >= 5 {
			d.State = fields[len(fields)-1]
		}
		devices = append(devices, d)
	}
	return devices
}

type ffmpegProc struct {
	channelID string
	cmd       *exec.Cmd
	stderr    *strings.Builder
	tmp       string
	final     string
}

type ffmpegCapture struct {
	mu       sync.Mutex
	procs    []*ffmpegProc
	finished bool
}

// Stop terminates all channel processes and renames each temp file into
// place. Encode failures are flagged per channel; capture always
// terminates even when some channels fail.
func (c *ffmpegCapture) Stop() (map[string]Take, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil, ErrCaptureFinished
	}
	c.finished = true

	takes := make(map[string]Take, len(c.procs))
	for _, proc := range c.procs {
		takes[proc.channelID] = proc.finalize()
	}
	return takes, nil
}

// Cancel kills all channel processes and discards their temp files, so
// nothing becomes visible at the final paths. Safe mid-encode.
func (c *ffmpegCapture) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrCaptureFinished
	}
	c.finished = true

	for _, proc := range c.procs {
		proc.terminate()
		os.Remove(proc.tmp)
	}
	return nil
}

// finalize stops one channel's process and publishes its file.
func (p *ffmpegProc) finalize() Take {
	take := Take{ChannelID: p.channelID, Path: p.final}

	if err := p.terminate(); err != nil {
		os.Remove(p.tmp)
		take.Error = fmt.Sprintf("%v: %v", ErrEncodeFailed, err)
		return take
	}

	info, err := os.Stat(p.tmp)
	if err != nil || info.Size() == 0 {
		os.Remove(p.tmp)
		take.Error = fmt.Sprintf("%v: encoder produced no output", ErrEncodeFailed)
		return take
	}
	if err := os.Rename(p.tmp, p.final); err != nil {
		os.Remove(p.tmp)
		take.Error = fmt.Sprintf("%v: %v", ErrEncodeFailed, err)
		return take
	}
	take.Bytes = info.Size()
	return take
}

// terminate interrupts ffmpeg, falling back to a hard kill after the
// stop timeout. An interrupt-driven exit is the normal shutdown path,
// not a failure.
func (p *ffmpegProc) terminate() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Interrupting ffmpeg failed, killing", "channel", p.channelID, "error", err)
		p.cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && !interruptedExit(err) {
			slog.Debug("ffmpeg stderr", "channel", p.channelID, "output", p.stderr.String())
			return fmt.Errorf("ffmpeg exited: %w", err)
		}
		return nil
	case <-time.After(stopTimeout):
		slog.Warn("ffmpeg did not exit in time, killing", "channel", p.channelID)
		p.cmd.Process.Kill()
		<-done
		return nil
	}
}

// interruptedExit reports whether the process ended from our own
// interrupt signal. ffmpeg exits 255 when interrupted mid-stream.
func interruptedExit(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}
