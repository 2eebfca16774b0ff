// Package sequencer drives the recording cycle: countdown, capture,
// review, advance. It is the only component that mutates the session
// state. All commands and timer events reach it one at a time through
// the hub's FIFO queue, so the handlers below never run concurrently.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orgelaudio/orgelsampler/internal/audio"
	"github.com/orgelaudio/orgelsampler/internal/organ"
	"github.com/orgelaudio/orgelsampler/internal/session"
)

// Enqueue feeds an internal event back into the command queue.
type Enqueue func(session.Command)

// Option tweaks sequencer construction.
type Option func(*Sequencer)

// WithTimings overrides the countdown tick interval and the duration of
// one record second. Tests run the cycle at millisecond scale.
func WithTimings(tick, recordUnit time.Duration) Option {
	return func(s *Sequencer) {
		s.tickEvery = tick
		s.recordUnit = recordUnit
	}
}

// Sequencer is the single state machine instance of the process.
type Sequencer struct {
	state   *session.State
	capture audio.Service
	organs  *organ.Library
	enqueue Enqueue

	tickEvery  time.Duration
	recordUnit time.Duration

	// Fields below are touched only from Apply, which the hub runs on a
	// single goroutine.
	epoch    uint64
	timer    *time.Timer
	inflight audio.Capture
}

// New creates the sequencer. The enqueue function must deliver into the
// same queue Apply is consuming from.
func New(state *session.State, capture audio.Service, organs *organ.Library, enqueue Enqueue, opts ...Option) *Sequencer {
	s := &Sequencer{
		state:      state,
		capture:    capture,
		organs:     organs,
		enqueue:    enqueue,
		tickEvery:  time.Second,
		recordUnit: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// captureStarted carries the result of a capture begin worker.
type captureStarted struct {
	handle audio.Capture
	err    error
}

// captureDone carries the per-channel takes of a finished capture.
type captureDone struct {
	takes map[string]audio.Take
	err   error
}

// Apply handles one command or internal event. A zero-version snapshot
// with a nil error means nothing changed and nothing is broadcast.
func (s *Sequencer) Apply(cmd session.Command) (session.Snapshot, error) {
	switch cmd.Kind {
	case session.CmdSelectOrgan:
		return s.selectOrgan(cmd.Organ)
	case session.CmdSelectRegister:
		return s.state.SelectRegister(cmd.Keyboard, cmd.Register, cmd.Tremulant)
	case session.CmdUpdateSettings:
		if cmd.Settings == nil {
			return session.Snapshot{}, fmt.Errorf("missing settings: %w", session.ErrInvalidSettings)
		}
		return s.state.UpdateSettings(*cmd.Settings)
	case session.CmdSetNote:
		return s.state.SetNote(cmd.Note)
	case session.CmdStart:
		return s.countdown(s.state.Start())
	case session.CmdNext:
		return s.countdown(s.state.Next())
	case session.CmdPrevious:
		return s.countdown(s.state.Previous())
	case session.CmdRetry:
		return s.countdown(s.state.Retry())
	case session.CmdStop:
		return s.stop()
	case session.CmdTick:
		return s.tick(cmd)
	case session.CmdCaptureStarted:
		return s.captureStarted(cmd)
	case session.CmdRecordExpired:
		return s.recordExpired(cmd)
	case session.CmdCaptureDone:
		return s.captureDone(cmd)
	case session.CmdClientConnected:
		return s.state.AddClient(cmd.Client), nil
	case session.CmdClientDisconnected:
		return s.state.RemoveClient(cmd.Client), nil
	default:
		return session.Snapshot{}, fmt.Errorf("unknown command %q: %w", cmd.Kind, session.ErrIllegalTransition)
	}
}

func (s *Sequencer) selectOrgan(name string) (session.Snapshot, error) {
	o, err := s.organs.Load(name)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.state.SelectOrgan(o)
}

// countdown schedules the first tick after a transition into the
// countdown phase. Moving to Finished needs no timer.
func (s *Sequencer) countdown(snap session.Snapshot, err error) (session.Snapshot, error) {
	if err != nil {
		return session.Snapshot{}, err
	}
	if snap.Phase == session.PhaseCountingDown {
		slog.Info("Countdown started", "note", snap.Note, "name", snap.NoteName, "seconds", snap.Countdown)
		s.scheduleTick()
	}
	return snap, nil
}

func (s *Sequencer) scheduleTick() {
	s.cancelTimer()
	s.epoch++
	epoch := s.epoch
	s.timer = time.AfterFunc(s.tickEvery, func() {
		s.enqueue(session.Command{Kind: session.CmdTick, Epoch: epoch})
	})
}

func (s *Sequencer) tick(cmd session.Command) (session.Snapshot, error) {
	if cmd.Epoch != s.epoch {
		return session.Snapshot{}, nil
	}
	snap, err := s.state.Tick()
	if err != nil {
		// The phase moved on between scheduling and delivery.
		return session.Snapshot{}, nil
	}
	switch snap.Phase {
	case session.PhaseCountingDown:
		s.scheduleTick()
	case session.PhaseRecording:
		s.beginCapture(snap)
	}
	return snap, nil
}

// beginCapture starts the capture on a worker goroutine. Opening the
// devices may block on hardware I/O and must not stall command intake;
// only the completion event re-enters the queue.
func (s *Sequencer) beginCapture(snap session.Snapshot) {
	s.cancelTimer()
	s.epoch++
	epoch := s.epoch

	var requests []audio.Request
	for _, ch := range snap.EnabledChannels() {
		requests = append(requests, audio.Request{
			ChannelID: ch.ID,
			Device:    ch.Device,
			Path:      ch.Path,
		})
	}
	settings := audio.Settings{
		SampleRate: snap.Settings.SampleRate,
		BitDepth:   snap.Settings.BitDepth,
		Channels:   snap.Settings.Channels,
		MP3Bitrate: snap.Settings.MP3Bitrate,
	}

	slog.Info("Recording started", "note", snap.Note, "name", snap.NoteName, "channels", len(requests))
	go func() {
		handle, err := s.capture.Begin(context.Background(), requests, settings)
		s.enqueue(session.Command{
			Kind:    session.CmdCaptureStarted,
			Epoch:   epoch,
			Payload: captureStarted{handle: handle, err: err},
		})
	}()
}

func (s *Sequencer) captureStarted(cmd session.Command) (session.Snapshot, error) {
	result, ok := cmd.Payload.(captureStarted)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("malformed capture event: %w", session.ErrIllegalTransition)
	}
	if cmd.Epoch != s.epoch {
		// A stop won the race; discard whatever the worker opened.
		if result.handle != nil {
			go discard(result.handle)
		}
		return session.Snapshot{}, nil
	}
	if result.err != nil {
		// Device faults are non-fatal: flag every channel and advance to
		// review so the user can retry.
		slog.Error("Capture failed to start", "error", result.err)
		failures := make(map[string]string)
		for _, ch := range s.state.Snapshot().EnabledChannels() {
			failures[ch.ID] = result.err.Error()
		}
		return s.state.CompleteRecording(failures)
	}

	s.inflight = result.handle
	epoch := s.epoch
	duration := time.Duration(s.state.Snapshot().Settings.RecordSeconds) * s.recordUnit
	s.timer = time.AfterFunc(duration, func() {
		s.enqueue(session.Command{Kind: session.CmdRecordExpired, Epoch: epoch})
	})
	return session.Snapshot{}, nil
}

func (s *Sequencer) recordExpired(cmd session.Command) (session.Snapshot, error) {
	if cmd.Epoch != s.epoch || s.inflight == nil {
		return session.Snapshot{}, nil
	}
	handle := s.inflight
	s.inflight = nil
	s.timer = nil
	s.epoch++
	epoch := s.epoch

	// Stopping the capture finalizes the files and may block on the
	// encoder; run it on a worker and feed the result back in.
	go func() {
		takes, err := handle.Stop()
		s.enqueue(session.Command{
			Kind:    session.CmdCaptureDone,
			Epoch:   epoch,
			Payload: captureDone{takes: takes, err: err},
		})
	}()
	return session.Snapshot{}, nil
}

func (s *Sequencer) captureDone(cmd session.Command) (session.Snapshot, error) {
	result, ok := cmd.Payload.(captureDone)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("malformed capture event: %w", session.ErrIllegalTransition)
	}
	if cmd.Epoch != s.epoch {
		return session.Snapshot{}, nil
	}
	failures := make(map[string]string)
	if result.err != nil {
		slog.Error("Capture stop failed", "error", result.err)
	}
	for id, take := range result.takes {
		if take.Error != "" {
			failures[id] = take.Error
			slog.Warn("Channel encode failed", "channel", id, "error", take.Error)
		} else {
			slog.Info("Take written", "channel", id, "path", take.Path, "bytes", take.Bytes)
		}
	}
	return s.state.CompleteRecording(failures)
}

func (s *Sequencer) stop() (session.Snapshot, error) {
	snap, err := s.state.Stop()
	if err != nil {
		return session.Snapshot{}, err
	}
	s.cancelTimer()
	s.epoch++
	if s.inflight != nil {
		handle := s.inflight
		s.inflight = nil
		go discard(handle)
	}
	slog.Info("Stopped", "note", snap.Note)
	return snap, nil
}

func (s *Sequencer) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// discard cancels an in-flight capture, dropping partial output so no
// corrupt file becomes visible at the target path.
func discard(handle audio.Capture) {
	if err := handle.Cancel(); err != nil {
		slog.Debug("Capture cancel", "error", err)
	}
}
