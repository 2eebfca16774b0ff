// Package session holds the authoritative recording session state. The
// state is mutated only from the sequencer's execution context; every
// committed mutation bumps the version counter by exactly one and yields
// an immutable snapshot for broadcast.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/orgelaudio/orgelsampler/internal/naming"
	"github.com/orgelaudio/orgelsampler/internal/organ"
)

// Phase is the sequencer phase. Exactly one phase is active at a time.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseCountingDown Phase = "COUNTDOWN"
	PhaseRecording    Phase = "RECORDING"
	PhaseReview       Phase = "REVIEW"
	PhaseFinished     Phase = "FINISHED"
)

// Command errors. Invalid commands never change state; the errors are
// returned to the submitting client only.
var (
	ErrInvalidRange       = errors.New("start note is above end note")
	ErrInvalidSettings    = errors.New("invalid recording settings")
	ErrOutOfRange         = errors.New("note outside configured range")
	ErrIllegalTransition  = errors.New("command not valid in current phase")
	ErrNoRegisterSelected = errors.New("no register selected")
)

// Settings are the runtime recording settings. They start from the
// configuration defaults and can be changed by clients at any point
// outside a countdown or recording.
type Settings struct {
	SampleRate       int `json:"sample_rate" yaml:"sample_rate"`
	BitDepth         int `json:"bit_depth" yaml:"bit_depth"`
	Channels         int `json:"channels" yaml:"channels"`
	MP3Bitrate       int `json:"mp3_bitrate" yaml:"mp3_bitrate"`
	CountdownSeconds int `json:"countdown_seconds" yaml:"countdown_seconds"`
	RecordSeconds    int `json:"record_seconds" yaml:"record_seconds"`
	StartNote        int `json:"start_note" yaml:"start_note"`
	EndNote          int `json:"end_note" yaml:"end_note"`
}

// Validate checks the settings against the supported parameter space.
func (s Settings) Validate() error {
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
	if s.CountdownSeconds < 1 || s.CountdownSeconds > 30 {
		return fmt.Errorf("countdown %ds: %w", s.CountdownSeconds, ErrInvalidSettings)
	}
	if s.RecordSeconds < 1 || s.RecordSeconds > 60 {
		return fmt.Errorf("record length %ds: %w", s.RecordSeconds, ErrInvalidSettings)
	}
	if s.StartNote < 0 || s.StartNote > 127 || s.EndNote < 0 || s.EndNote > 127 {
		return fmt.Errorf("notes %d-%d outside MIDI range: %w", s.StartNote, s.EndNote, ErrInvalidSettings)
	}
	if s.StartNote > s.EndNote {
		return fmt.Errorf("notes %d-%d: %w", s.StartNote, s.EndNote, ErrInvalidRange)
	}
	return nil
}

// ChannelState is one microphone channel as seen by clients, including
// the resolved path the current note will be (or was just) written to.
// Paths are recomputed on every snapshot, never stored.
type ChannelState struct {
	ID       string `json:"id"`
	Position string `json:"position"`
	Device   string `json:"device"`
	Enabled  bool   `json:"enabled"`
	Failed   bool   `json:"failed,omitempty"`
	Error    string `json:"error,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Snapshot is an immutable copy of the session state for broadcast.
type Snapshot struct {
	Version   uint64         `json:"version"`
	Organ     string         `json:"organ"`
	Keyboard  string         `json:"keyboard,omitempty"`
	Register  string         `json:"register,omitempty"`
	Tremulant bool           `json:"tremulant,omitempty"`
	Note      int            `json:"note"`
	NoteName  string         `json:"note_name"`
	Phase     Phase          `json:"phase"`
	Countdown int            `json:"countdown,omitempty"`
	Settings  Settings       `json:"settings"`
	Channels  []ChannelState `json:"channels"`
	Clients   []string       `json:"clients"`
}

// RegisterSelected reports whether a register has been chosen.
func (s Snapshot) RegisterSelected() bool {
	return s.Keyboard != "" && s.Register != ""
}

// EnabledChannels returns the channels that take part in recording.
func (s Snapshot) EnabledChannels() []ChannelState {
	var out []ChannelState
	for _, ch := range s.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// State is the single source of truth for one recording session. All
// mutators are called from the sequencer only; Snapshot may be called
// from anywhere.
type State struct {
	mu sync.RWMutex

	version   uint64
	organ     *organ.Organ
	keyboard  string
	register  string
	tremulant bool
	note      int
	phase     Phase
	countdown int
	settings  Settings
	channels  []ChannelState
	clients   map[string]bool
}

// New creates the session state with configuration defaults. The channel
// set must be non-empty; the config layer guarantees that.
func New(o *organ.Organ, channels []ChannelState, settings Settings) *State {
	return &State{
		organ:    o,
		note:     settings.StartNote,
		phase:    PhaseIdle,
		settings: settings,
		channels: channels,
		clients:  make(map[string]bool),
	}
}

// Snapshot returns an immutable copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:   s.version,
		Organ:     s.organ.Name,
		Keyboard:  s.keyboard,
		Register:  s.register,
		Tremulant: s.tremulant,
		Note:      s.note,
		NoteName:  naming.DisplayName(s.note),
		Phase:     s.phase,
		Countdown: s.countdown,
		Settings:  s.settings,
		Channels:  make([]ChannelState, len(s.channels)),
	}
	copy(snap.Channels, s.channels)

	// Resolve target paths for the current note. Single-channel sessions
	// write flat, without a mic position directory.
	if s.keyboard != "" && s.register != "" {
		multi := s.enabledCountLocked() > 1
		for i := range snap.Channels {
			ch := &snap.Channels[i]
			if !ch.Enabled {
				continue
			}
			pos := ""
			if multi {
				pos = ch.Position
			}
			ch.Path = naming.PathFor(s.organ.Name, s.keyboard, s.register, s.tremulant, pos, s.note)
		}
	}

	for id := range s.clients {
		snap.Clients = append(snap.Clients, id)
	}
	sort.Strings(snap.Clients)
	return snap
}

func (s *State) enabledCountLocked() int {
	n := 0
	for _, ch := range s.channels {
		if ch.Enabled {
			n++
		}
	}
	return n
}

// commit bumps the version and returns the new snapshot. Callers hold
// the write lock.
func (s *State) commitLocked() Snapshot {
	s.version++
	return s.snapshotLocked()
}

// SelectOrgan switches the session to a different organ and clears the
// register selection. Legal outside a countdown or recording.
func (s *State) SelectOrgan(o *organ.Organ) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settledLocked() {
		return Snapshot{}, fmt.Errorf("select organ during %s: %w", s.phase, ErrIllegalTransition)
	}
	s.organ = o
	s.keyboard = ""
	s.register = ""
	s.tremulant = false
	s.note = s.settings.StartNote
	s.phase = PhaseIdle
	s.countdown = 0
	s.clearFailuresLocked()
	return s.commitLocked(), nil
}

// SelectRegister selects (creating if new) a register and resets the
// session to the start note in Idle. A re-selection from Finished
// re-opens the session for the next register.
func (s *State) SelectRegister(keyboard, label string, tremulant bool) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settledLocked() {
		return Snapshot{}, fmt.Errorf("select register during %s: %w", s.phase, ErrIllegalTransition)
	}
	if _, err := s.organ.AddRegister(keyboard, label, tremulant); err != nil {
		return Snapshot{}, err
	}
	s.keyboard = keyboard
	s.register = label
	s.tremulant = tremulant
	s.note = s.settings.StartNote
	s.phase = PhaseIdle
	s.countdown = 0
	s.clearFailuresLocked()
	return s.commitLocked(), nil
}

// UpdateSettings replaces the recording settings. The current note is
// clamped into the new range so the range invariant holds.
func (s *State) UpdateSettings(settings Settings) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settledLocked() {
		return Snapshot{}, fmt.Errorf("update settings during %s: %w", s.phase, ErrIllegalTransition)
	}
	if err := settings.Validate(); err != nil {
		return Snapshot{}, err
	}
	s.settings = settings
	if s.note < settings.StartNote {
		s.note = settings.StartNote
	}
	if s.note > settings.EndNote {
		s.note = settings.EndNote
	}
	return s.commitLocked(), nil
}

// SetNote jumps to a specific note within the configured range.
func (s *State) SetNote(note int) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settledLocked() {
		return Snapshot{}, fmt.Errorf("set note during %s: %w", s.phase, ErrIllegalTransition)
	}
	if note < s.settings.StartNote || note > s.settings.EndNote {
		return Snapshot{}, fmt.Errorf("note %d not in %d-%d: %w", note, s.settings.StartNote, s.settings.EndNote, ErrOutOfRange)
	}
	s.note = note
	return s.commitLocked(), nil
}

// Start begins the countdown for the current note. Requires Idle, a
// selected register and at least one enabled channel.
func (s *State) Start() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle {
		return Snapshot{}, fmt.Errorf("start during %s: %w", s.phase, ErrIllegalTransition)
	}
	if s.keyboard == "" || s.register == "" {
		return Snapshot{}, ErrNoRegisterSelected
	}
	if s.enabledCountLocked() == 0 {
		return Snapshot{}, fmt.Errorf("no enabled microphone channel: %w", ErrNoRegisterSelected)
	}
	return s.beginCountdownLocked(s.note), nil
}

func (s *State) beginCountdownLocked(note int) Snapshot {
	s.note = note
	s.phase = PhaseCountingDown
	s.countdown = s.settings.CountdownSeconds
	s.clearFailuresLocked()
	return s.commitLocked()
}

// Tick advances the countdown by one second. When it reaches zero the
// phase switches to Recording.
func (s *State) Tick() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseCountingDown {
		return Snapshot{}, fmt.Errorf("tick during %s: %w", s.phase, ErrIllegalTransition)
	}
	s.countdown--
	if s.countdown <= 0 {
		s.countdown = 0
		s.phase = PhaseRecording
	}
	return s.commitLocked(), nil
}

// CompleteRecording ends the Recording phase. Channels listed in
// failures are flagged for client display; capture faults are non-fatal
// and the user may retry.
func (s *State) CompleteRecording(failures map[string]string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRecording {
		return Snapshot{}, fmt.Errorf("complete recording during %s: %w", s.phase, ErrIllegalTransition)
	}
	for i := range s.channels {
		if msg, ok := failures[s.channels[i].ID]; ok {
			s.channels[i].Failed = true
			s.channels[i].Error = msg
		}
	}
	s.phase = PhaseReview
	return s.commitLocked(), nil
}

// Next moves to the following note and restarts the countdown, or ends
// the register when the current note is the last one.
func (s *State) Next() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReview && s.phase != PhaseFinished {
		return Snapshot{}, fmt.Errorf("next during %s: %w", s.phase, ErrIllegalTransition)
	}
	if s.note >= s.settings.EndNote {
		if s.phase == PhaseFinished {
			return Snapshot{}, fmt.Errorf("already at end note %d: %w", s.note, ErrOutOfRange)
		}
		s.phase = PhaseFinished
		s.countdown = 0
		return s.commitLocked(), nil
	}
	return s.beginCountdownLocked(s.note + 1), nil
}

// Previous steps back one note and restarts the countdown, clamped at
// the start note.
func (s *State) Previous() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReview && s.phase != PhaseFinished {
		return Snapshot{}, fmt.Errorf("previous during %s: %w", s.phase, ErrIllegalTransition)
	}
	if s.note <= s.settings.StartNote {
		return Snapshot{}, fmt.Errorf("already at start note %d: %w", s.note, ErrOutOfRange)
	}
	return s.beginCountdownLocked(s.note - 1), nil
}

// Retry re-records the current note, overwriting the prior take.
func (s *State) Retry() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReview && s.phase != PhaseFinished {
		return Snapshot{}, fmt.Errorf("retry during %s: %w", s.phase, ErrIllegalTransition)
	}
	return s.beginCountdownLocked(s.note), nil
}

// Stop returns to Idle from any active phase.
func (s *State) Stop() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseIdle {
		return Snapshot{}, fmt.Errorf("stop while idle: %w", ErrIllegalTransition)
	}
	s.phase = PhaseIdle
	s.countdown = 0
	return s.commitLocked(), nil
}

// AddClient registers a connected client id.
func (s *State) AddClient(id string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[id] = true
	return s.commitLocked()
}

// RemoveClient removes a client id from the connected set.
func (s *State) RemoveClient(id string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	return s.commitLocked()
}

// settledLocked reports whether the session accepts selection and
// settings commands, i.e. no countdown or capture is running.
func (s *State) settledLocked() bool {
	return s.phase == PhaseIdle || s.phase == PhaseReview || s.phase == PhaseFinished
}

func (s *State) clearFailuresLocked() {
	for i := range s.channels {
		s.channels[i].Failed = false
		s.channels[i].Error = ""
	}
}
