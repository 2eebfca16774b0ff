package session

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/orgelaudio/orgelsampler/internal/organ"
)

func testSettings() Settings {
	return Settings{
		SampleRate:       44100,
		BitDepth:         16,
		Channels:         1,
		MP3Bitrate:       192,
		CountdownSeconds: 2,
		RecordSeconds:    1,
		StartNote:        36,
		EndNote:          38,
	}
}

func testState(channels ...ChannelState) *State {
	if len(channels) == 0 {
		channels = []ChannelState{{ID: "main", Device: "default", Enabled: true}}
	}
	o := organ.Default("Orgel", []string{"Hoofdwerk", "Pedaal"})
	return New(o, channels, testSettings())
}

func selectRegister(t *testing.T, s *State) {
	t.Helper()
	if _, err := s.SelectRegister("Hoofdwerk", "Holpijp 8 voet", false); err != nil {
		t.Fatalf("SelectRegister failed: %v", err)
	}
}

func TestVersionIncrementsByOnePerCommit(t *testing.T) {
	s := testState()
	if got := s.Snapshot().Version; got != 0 {
		t.Fatalf("initial version = %d, want 0", got)
	}

	snap, err := s.SelectRegister("Hoofdwerk", "Prestant 8'", false)
	if err != nil {
		t.Fatalf("SelectRegister failed: %v", err)
	}
	if snap.Version != 1 {
		t.Errorf("after select: version = %d, want 1", snap.Version)
	}

	snap, err = s.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.Version != 2 {
		t.Errorf("after start: version = %d, want 2", snap.Version)
	}
}

func TestStartRequiresRegister(t *testing.T) {
	s := testState()
	before := s.Snapshot().Version

	_, err := s.Start()
	if !errors.Is(err, ErrNoRegisterSelected) {
		t.Fatalf("Start without register: err = %v, want ErrNoRegisterSelected", err)
	}
	if got := s.Snapshot().Version; got != before {
		t.Errorf("failed command changed version: %d -> %d", before, got)
	}
}

func TestStartRequiresEnabledChannel(t *testing.T) {
	s := testState(ChannelState{ID: "main", Device: "default", Enabled: false})
	selectRegister(t, s)

	if _, err := s.Start(); !errors.Is(err, ErrNoRegisterSelected) {
		t.Fatalf("Start without enabled channel: err = %v, want ErrNoRegisterSelected", err)
	}
}

func TestDoubleStartIsIllegal(t *testing.T) {
	s := testState()
	selectRegister(t, s)
	if _, err := s.Start(); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	before := s.Snapshot().Version

	_, err := s.Start()
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second Start: err = %v, want ErrIllegalTransition", err)
	}
	if got := s.Snapshot().Version; got != before {
		t.Errorf("rejected start changed version: %d -> %d", before, got)
	}
}

func TestCountdownTicksIntoRecording(t *testing.T) {
	s := testState()
	selectRegister(t, s)

	snap, _ := s.Start()
	if snap.Phase != PhaseCountingDown || snap.Countdown != 2 {
		t.Fatalf("after start: phase %s countdown %d, want COUNTDOWN 2", snap.Phase, snap.Countdown)
	}

	snap, err := s.Tick()
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if snap.Phase != PhaseCountingDown || snap.Countdown != 1 {
		t.Fatalf("after tick: phase %s countdown %d, want COUNTDOWN 1", snap.Phase, snap.Countdown)
	}

	snap, err = s.Tick()
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if snap.Phase != PhaseRecording {
		t.Errorf("after final tick: phase = %s, want RECORDING", snap.Phase)
	}
}

func TestCompleteRecordingFlagsFailures(t *testing.T) {
	s := testState(
		ChannelState{ID: "front", Position: "Front", Device: "a", Enabled: true},
		ChannelState{ID: "rear", Position: "Rear", Device: "b", Enabled: true},
	)
	selectRegister(t, s)
	s.Start()
	s.Tick()
	s.Tick()

	snap, err := s.CompleteRecording(map[string]string{"rear": "encode failed"})
	if err != nil {
		t.Fatalf("CompleteRecording failed: %v", err)
	}
	if snap.Phase != PhaseReview {
		t.Fatalf("phase = %s, want REVIEW", snap.Phase)
	}
	for _, ch := range snap.Channels {
		wantFailed := ch.ID == "rear"
		if ch.Failed != wantFailed {
			t.Errorf("channel %s: failed = %v, want %v", ch.ID, ch.Failed, wantFailed)
		}
	}

	// A new countdown clears the flags.
	snap, err = s.Retry()
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	for _, ch := range snap.Channels {
		if ch.Failed {
			t.Errorf("channel %s still flagged after retry", ch.ID)
		}
	}
}

func TestNextFinishesAtEndNote(t *testing.T) {
	s := testState()
	selectRegister(t, s)

	toReview := func() {
		t.Helper()
		if _, err := s.Tick(); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Tick(); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CompleteRecording(nil); err != nil {
			t.Fatal(err)
		}
	}

	s.Start()
	toReview() // note 36
	snap, err := s.Next()
	if err != nil || snap.Note != 37 || snap.Phase != PhaseCountingDown {
		t.Fatalf("next: note %d phase %s err %v, want 37 COUNTDOWN", snap.Note, snap.Phase, err)
	}
	toReview() // note 37
	snap, _ = s.Next()
	toReview() // note 38
	snap, err = s.Next()
	if err != nil {
		t.Fatalf("final next failed: %v", err)
	}
	if snap.Phase != PhaseFinished || snap.Note != 38 {
		t.Fatalf("after last note: phase %s note %d, want FINISHED 38", snap.Phase, snap.Note)
	}

	// Finished at the end note: next is out of range, retry re-opens.
	if _, err := s.Next(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("next in FINISHED at end: err = %v, want ErrOutOfRange", err)
	}
	snap, err = s.Retry()
	if err != nil || snap.Phase != PhaseCountingDown {
		t.Errorf("retry from FINISHED: phase %s err %v, want COUNTDOWN", snap.Phase, err)
	}
}

func TestPreviousClampedAtStartNote(t *testing.T) {
	s := testState()
	selectRegister(t, s)
	s.Start()
	s.Tick()
	s.Tick()
	s.CompleteRecording(nil)

	before := s.Snapshot().Version
	if _, err := s.Previous(); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("previous at start note: err = %v, want ErrOutOfRange", err)
	}
	if got := s.Snapshot().Version; got != before {
		t.Errorf("rejected previous changed version: %d -> %d", before, got)
	}
}

func TestStopFromActivePhases(t *testing.T) {
	s := testState()
	selectRegister(t, s)

	// Idle: illegal.
	if _, err := s.Stop(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("stop while idle: err = %v, want ErrIllegalTransition", err)
	}

	// Counting down.
	s.Start()
	snap, err := s.Stop()
	if err != nil || snap.Phase != PhaseIdle {
		t.Fatalf("stop in countdown: phase %s err %v", snap.Phase, err)
	}

	// Recording.
	s.Start()
	s.Tick()
	s.Tick()
	snap, err = s.Stop()
	if err != nil || snap.Phase != PhaseIdle {
		t.Fatalf("stop while recording: phase %s err %v", snap.Phase, err)
	}
}

func TestSetNote(t *testing.T) {
	s := testState()
	selectRegister(t, s)

	snap, err := s.SetNote(37)
	if err != nil || snap.Note != 37 {
		t.Fatalf("SetNote(37): note %d err %v", snap.Note, err)
	}
	if _, err := s.SetNote(39); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetNote(39): err = %v, want ErrOutOfRange", err)
	}
	s.Start()
	if _, err := s.SetNote(36); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("SetNote during countdown: err = %v, want ErrIllegalTransition", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	s := testState()
	selectRegister(t, s)
	s.SetNote(38)

	settings := testSettings()
	settings.StartNote = 40
	settings.EndNote = 50
	snap, err := s.UpdateSettings(settings)
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if snap.Note != 40 {
		t.Errorf("note not clamped into new range: %d, want 40", snap.Note)
	}

	settings.StartNote = 60
	settings.EndNote = 50
	if _, err := s.UpdateSettings(settings); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("inverted range: err = %v, want ErrInvalidRange", err)
	}

	settings = testSettings()
	settings.SampleRate = 22050
	if _, err := s.UpdateSettings(settings); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("bad sample rate: err = %v, want ErrInvalidSettings", err)
	}
}

func TestSnapshotPaths(t *testing.T) {
	multi := testState(
		ChannelState{ID: "front", Position: "Front", Device: "a", Enabled: true},
		ChannelState{ID: "rear", Position: "Rear", Device: "b", Enabled: true},
		ChannelState{ID: "spare", Position: "Spare", Device: "c", Enabled: false},
	)
	selectRegister(t, multi)
	snap := multi.Snapshot()
	want := map[string]string{
		"front": "Orgel/Hoofdwerk/Holpijp_8/Front/036-c.mp3",
		"rear":  "Orgel/Hoofdwerk/Holpijp_8/Rear/036-c.mp3",
		"spare": "",
	}
	for _, ch := range snap.Channels {
		if ch.Path != want[ch.ID] {
			t.Errorf("channel %s path = %q, want %q", ch.ID, ch.Path, want[ch.ID])
		}
	}

	// Single enabled channel writes flat, without the position segment.
	single := testState(ChannelState{ID: "main", Position: "Front", Device: "a", Enabled: true})
	selectRegister(t, single)
	got := single.Snapshot().Channels[0].Path
	if got != "Orgel/Hoofdwerk/Holpijp_8/036-c.mp3" {
		t.Errorf("single channel path = %q, want flat layout", got)
	}
}

func TestClients(t *testing.T) {
	s := testState()
	snap := s.AddClient("remote-1")
	if len(snap.Clients) != 1 || snap.Clients[0] != "remote-1" {
		t.Fatalf("clients = %v, want [remote-1]", snap.Clients)
	}
	v := snap.Version
	snap = s.RemoveClient("remote-1")
	if len(snap.Clients) != 0 {
		t.Errorf("clients = %v, want empty", snap.Clients)
	}
	if snap.Version != v+1 {
		t.Errorf("version = %d, want %d", snap.Version, v+1)
	}
}

// TestNoteStaysInRange fires random commands at the state and checks the
// range invariant after every commit.
func TestNoteStaysInRange(t *testing.T) {
	s := testState()
	selectRegister(t, s)
	rng := rand.New(rand.NewSource(1))

	ops := []func() (Snapshot, error){
		s.Start,
		s.Tick,
		func() (Snapshot, error) { return s.CompleteRecording(nil) },
		s.Next,
		s.Previous,
		s.Retry,
		s.Stop,
		func() (Snapshot, error) { return s.SetNote(rng.Intn(60)) },
	}

	for i := 0; i < 2000; i++ {
		snap, err := ops[rng.Intn(len(ops))]()
		if err != nil {
			continue
		}
		if snap.Note < snap.Settings.StartNote || snap.Note > snap.Settings.EndNote {
			t.Fatalf("note %d escaped range %d-%d at step %d",
				snap.Note, snap.Settings.StartNote, snap.Settings.EndNote, i)
		}
	}
}
