package sequencer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orgelaudio/orgelsampler/internal/audio"
	"github.com/orgelaudio/orgelsampler/internal/hub"
	"github.com/orgelaudio/orgelsampler/internal/organ"
	"github.com/orgelaudio/orgelsampler/internal/session"
)

func testSettings() session.Settings {
	return session.Settings{
		SampleRate:       44100,
		BitDepth:         16,
		Channels:         1,
		MP3Bitrate:       192,
		CountdownSeconds: 1,
		RecordSeconds:    1,
		StartNote:        36,
		EndNote:          38,
	}
}

func singleChannel() []session.ChannelState {
	return []session.ChannelState{{ID: "main", Position: "Front", Device: "mic-a", Enabled: true}}
}

// rig runs the sequencer deterministically: timer and worker events land
// in a channel and the test applies them one at a time, standing in for
// the hub's queue.
type rig struct {
	t      *testing.T
	seq    *Sequencer
	state  *session.State
	svc    *audio.NullService
	events chan session.Command
	dir    string
}

func newRig(t *testing.T, channels []session.ChannelState, settings session.Settings) *rig {
	t.Helper()
	dir := t.TempDir()
	svc := audio.NewNullService(dir)
	state := session.New(organ.Default("Orgel", []string{"Hoofdwerk"}), channels, settings)
	events := make(chan session.Command, 32)
	seq := New(state, svc, organ.NewLibrary(filepath.Join(dir, "organs")),
		func(cmd session.Command) { events <- cmd },
		WithTimings(time.Millisecond, time.Millisecond))
	return &rig{t: t, seq: seq, state: state, svc: svc, events: events, dir: dir}
}

func (r *rig) apply(cmd session.Command) (session.Snapshot, error) {
	r.t.Helper()
	return r.seq.Apply(cmd)
}

func (r *rig) mustApply(cmd session.Command) session.Snapshot {
	r.t.Helper()
	snap, err := r.apply(cmd)
	if err != nil {
		r.t.Fatalf("%s failed: %v", cmd.Kind, err)
	}
	return snap
}

// pumpUntil applies queued events until the session reaches the phase.
func (r *rig) pumpUntil(phase session.Phase) session.Snapshot {
	r.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if snap := r.state.Snapshot(); snap.Phase == phase {
			return snap
		}
		select {
		case cmd := <-r.events:
			if _, err := r.apply(cmd); err != nil {
				r.t.Fatalf("%s event failed: %v", cmd.Kind, err)
			}
		case <-deadline:
			r.t.Fatalf("never reached %s, stuck in %s", phase, r.state.Snapshot().Phase)
		}
	}
}

// drain applies whatever events are still queued; all of them must be
// stale no-ops (zero version, nil error).
func (r *rig) drain() {
	r.t.Helper()
	time.Sleep(20 * time.Millisecond)
	for {
		select {
		case cmd := <-r.events:
			snap, err := r.apply(cmd)
			if err != nil {
				r.t.Fatalf("stale %s returned error: %v", cmd.Kind, err)
			}
			if snap.Version != 0 {
				r.t.Fatalf("stale %s committed version %d", cmd.Kind, snap.Version)
			}
		default:
			return
		}
	}
}

func (r *rig) selectRegister(label string) {
	r.t.Helper()
	r.mustApply(session.Command{Kind: session.CmdSelectRegister, Keyboard: "Hoofdwerk", Register: label})
}

// listFiles returns all regular files under the rig's output root,
// relative with forward slashes.
func (r *rig) listFiles() []string {
	r.t.Helper()
	var files []string
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(r.dir, path)
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		r.t.Fatalf("walking output dir: %v", err)
	}
	return files
}

func TestFullCycleWritesTake(t *testing.T) {
	r := newRig(t, singleChannel(), testSettings())
	r.selectRegister("Prestant 8'")
	r.mustApply(session.Command{Kind: session.CmdStart})

	snap := r.pumpUntil(session.PhaseReview)
	if snap.Note != 36 {
		t.Errorf("note = %d, want 36", snap.Note)
	}
	for _, ch := range snap.Channels {
		if ch.Failed {
			t.Errorf("channel %s flagged: %s", ch.ID, ch.Error)
		}
	}

	want := "Orgel/Hoofdwerk/Prestant_8/036-c.mp3"
	files := r.listFiles()
	if len(files) != 1 || files[0] != want {
		t.Errorf("files = %v, want [%s]", files, want)
	}
}

func TestStopDuringCountdownLeavesNoFiles(t *testing.T) {
	settings := testSettings()
	settings.CountdownSeconds = 5
	r := newRig(t, singleChannel(), settings)
	r.selectRegister("Prestant 8'")
	r.mustApply(session.Command{Kind: session.CmdStart})

	snap := r.mustApply(session.Command{Kind: session.CmdStop})
	if snap.Phase != session.PhaseIdle {
		t.Fatalf("phase = %s, want IDLE", snap.Phase)
	}
	r.drain()
	if files := r.listFiles(); len(files) != 0 {
		t.Errorf("stop left files behind: %v", files)
	}
}

func TestStopDuringRecordingDiscardsCapture(t *testing.T) {
	settings := testSettings()
	settings.RecordSeconds = 60 // expiry never fires inside the test
	r := newRig(t, singleChannel(), settings)
	r.selectRegister("Prestant 8'")
	r.mustApply(session.Command{Kind: session.CmdStart})

	// Tick into recording, then let the begin worker report in.
	r.mustApply(<-r.events)
	if phase := r.state.Snapshot().Phase; phase != session.PhaseRecording {
		t.Fatalf("phase = %s, want RECORDING", phase)
	}
	r.apply(<-r.events) // capture started

	snap := r.mustApply(session.Command{Kind: session.CmdStop})
	if snap.Phase != session.PhaseIdle {
		t.Fatalf("phase = %s, want IDLE", snap.Phase)
	}
	r.drain()
	if files := r.listFiles(); len(files) != 0 {
		t.Errorf("cancelled capture left files behind: %v", files)
	}
}

func TestStopRacesCaptureStart(t *testing.T) {
	r := newRig(t, singleChannel(), testSettings())
	r.selectRegister("Prestant 8'")
	r.mustApply(session.Command{Kind: session.CmdStart})
	r.mustApply(<-r.events) // tick -> recording, worker spawned

	// Stop before the worker's started event is applied: the event is
	// stale and the opened capture must be discarded.
	r.mustApply(session.Command{Kind: session.CmdStop})
	r.drain()
	if files := r.listFiles(); len(files) != 0 {
		t.Errorf("raced capture left files behind: %v", files)
	}
}

func TestDeviceFailureFlagsAllChannels(t *testing.T) {
	channels := []session.ChannelState{
		{ID: "front", Position: "Front", Device: "mic-a", Enabled: true},
		{ID: "rear", Position: "Rear", Device: "mic-b", Enabled: true},
	}
	r := newRig(t, channels, testSettings())
	r.svc.FailDevice("mic-b")
	r.selectRegister("Prestant 8'")
	r.mustApply(session.Command{Kind: session.CmdStart})

	snap := r.pumpUntil(session.PhaseReview)
	for _, ch := range snap.Channels {
		if !ch.Failed {
			t.Errorf("channel %s not flagged after device failure", ch.ID)
		}
		if !strings.Contains(ch.Error, audio.ErrDeviceUnavailable.Error()) {
			t.Errorf("channel %s error = %q, want device unavailable", ch.ID, ch.Error)
		}
	}
	if files := r.listFiles(); len(files) != 0 {
		t.Errorf("failed capture left files behind: %v", files)
	}
}

func TestEncodeFailureFlagsOnlyThatChannel(t *testing.T) {
	channels := []session.ChannelState{
		{ID: "front", Position: "Front", Device: "mic-a", Enabled: true},
		{ID: "rear", Position: "Rear", Device: "mic-b", Enabled: true},
	}
	r := newRig(t, channels, testSettings())
	r.svc.FailEncode("rear")
	r.selectRegister("Prestant 8'")
	r.mustApply(session.Command{Kind: session.CmdStart})

	snap := r.pumpUntil(session.PhaseReview)
	for _, ch := range snap.Channels {
		if wantFailed := ch.ID == "rear"; ch.Failed != wantFailed {
			t.Errorf("channel %s: failed = %v, want %v", ch.ID, ch.Failed, wantFailed)
		}
	}

	files := r.listFiles()
	if len(files) != 1 || files[0] != "Orgel/Hoofdwerk/Prestant_8/Front/036-c.mp3" {
		t.Errorf("files = %v, want only the front take", files)
	}
}

func TestRetryOverwritesTake(t *testing.T) {
	r := newRig(t, singleChannel(), testSettings())
	r.selectRegister("Prestant 8'")
	r.mustApply(session.Command{Kind: session.CmdStart})
	r.pumpUntil(session.PhaseReview)

	path := filepath.Join(r.dir, "Orgel", "Hoofdwerk", "Prestant_8", "036-c.mp3")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("first take missing: %v", err)
	}

	r.mustApply(session.Command{Kind: session.CmdRetry})
	snap := r.pumpUntil(session.PhaseReview)
	if snap.Note != 36 {
		t.Errorf("retry moved the note to %d", snap.Note)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("retried take missing: %v", err)
	}
	if len(r.listFiles()) != 1 {
		t.Errorf("retry created extra files: %v", r.listFiles())
	}
}

func TestUpdateSettingsRejectedDuringCountdown(t *testing.T) {
	settings := testSettings()
	settings.CountdownSeconds = 5
	r := newRig(t, singleChannel(), settings)
	r.selectRegister("Prestant 8'")
	r.mustApply(session.Command{Kind: session.CmdStart})

	next := testSettings()
	_, err := r.apply(session.Command{Kind: session.CmdUpdateSettings, Settings: &next})
	if !errors.Is(err, session.ErrIllegalTransition) {
		t.Errorf("settings change during countdown: err = %v, want ErrIllegalTransition", err)
	}
}

// TestRegisterEndToEnd runs the real hub loop with millisecond timings
// across a three-note range and three microphone channels.
func TestRegisterEndToEnd(t *testing.T) {
	dir := t.TempDir()
	svc := audio.NewNullService(dir)
	channels := []session.ChannelState{
		{ID: "front", Position: "Front", Device: "mic-a", Enabled: true},
		{ID: "rear", Position: "Rear", Device: "mic-b", Enabled: true},
		{ID: "side", Position: "Side", Device: "mic-c", Enabled: true},
	}
	state := session.New(organ.Default("Orgel", []string{"Hoofdwerk"}), channels, testSettings())
	h := hub.New(state)
	seq := New(state, svc, organ.NewLibrary(filepath.Join(dir, "organs")),
		h.Inject, WithTimings(2*time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, seq.Apply)

	stream, disconnect := h.Connect("display-1")
	defer disconnect()

	waitPhase := func(phase session.Phase) session.Snapshot {
		t.Helper()
		deadline := time.After(5 * time.Second)
		var last uint64
		for {
			select {
			case snap := <-stream:
				if last != 0 && snap.Version <= last {
					t.Fatalf("version went %d -> %d", last, snap.Version)
				}
				last = snap.Version
				if snap.Phase == phase {
					return snap
				}
			case <-deadline:
				t.Fatalf("never reached %s", phase)
			}
		}
	}

	if err := h.Submit(ctx, "remote-1", session.Command{
		Kind: session.CmdSelectRegister, Keyboard: "Hoofdwerk", Register: "Holpijp 8 voet",
	}); err != nil {
		t.Fatalf("select register failed: %v", err)
	}
	if err := h.Submit(ctx, "remote-1", session.Command{Kind: session.CmdStart}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for note := 36; note <= 38; note++ {
		snap := waitPhase(session.PhaseReview)
		if snap.Note != note {
			t.Fatalf("review at note %d, want %d", snap.Note, note)
		}
		if err := h.Submit(ctx, "remote-1", session.Command{Kind: session.CmdNext}); err != nil {
			t.Fatalf("next at note %d failed: %v", note, err)
		}
	}
	waitPhase(session.PhaseFinished)

	var count int
	for note, base := range map[int]string{36: "036-c", 37: "037-c#", 38: "038-d"} {
		for _, pos := range []string{"Front", "Rear", "Side"} {
			path := filepath.Join(dir, "Orgel", "Hoofdwerk", "Holpijp_8", pos, base+".mp3")
			if _, err := os.Stat(path); err != nil {
				t.Errorf("take for note %d position %s missing: %v", note, pos, err)
				continue
			}
			count++
		}
	}
	if count != 9 {
		t.Errorf("wrote %d takes, want 9", count)
	}
}
