package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orgelaudio/orgelsampler/internal/hub"
	"github.com/orgelaudio/orgelsampler/internal/naming"
	"github.com/orgelaudio/orgelsampler/internal/session"
)

// Checkpoint is the YAML record written when a register completes.
type Checkpoint struct {
	Organ       string    `yaml:"organ"`
	Keyboard    string    `yaml:"keyboard"`
	Register    string    `yaml:"register"`
	Tremulant   bool      `yaml:"tremulant,omitempty"`
	StartNote   int       `yaml:"start_note"`
	EndNote     int       `yaml:"end_note"`
	Version     uint64    `yaml:"version"`
	CompletedAt time.Time `yaml:"completed_at"`
}

// CheckpointWriter subscribes to the hub and writes a checkpoint file
// each time a register reaches the finished phase. It is an ordinary
// client of the broadcast stream; the sequencer itself never touches
// the filesystem.
type CheckpointWriter struct {
	dir string
	hub *hub.Hub
}

func NewCheckpointWriter(dir string, h *hub.Hub) *CheckpointWriter {
	return &CheckpointWriter{dir: dir, hub: h}
}

// Run consumes snapshots until the context is cancelled. Write failures
// are logged and skipped; checkpoints are a convenience, not session
// state.
func (c *CheckpointWriter) Run(ctx context.Context) error {
	snapshots, cancel := c.hub.Connect("checkpoint-writer")
	defer cancel()

	var lastPhase session.Phase
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			if snap.Phase == session.PhaseFinished && lastPhase != session.PhaseFinished {
				if err := c.write(snap); err != nil {
					slog.Warn("Checkpoint write failed", "error", err)
				}
			}
			lastPhase = snap.Phase
		}
	}
}

func (c *CheckpointWriter) write(snap session.Snapshot) error {
	cp := Checkpoint{
		Organ:       snap.Organ,
		Keyboard:    snap.Keyboard,
		Register:    snap.Register,
		Tremulant:   snap.Tremulant,
		StartNote:   snap.Settings.StartNote,
		EndNote:     snap.Settings.EndNote,
		Version:     snap.Version,
		CompletedAt: time.Now(),
	}
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.yaml", sanitize(snap.Organ), naming.RegisterDir(snap.Register, snap.Tremulant))
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", path, err)
	}
	slog.Info("Register checkpoint written", "path", path)
	return nil
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '_')
		}
	}
	return string(out)
}
