// Package play plays back a recorded take on the machine running the
// server, using whatever command-line player is installed.
package play

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type Player struct {
	root string
}

// New creates a player resolving relative take paths against the output
// root directory.
func New(root string) *Player {
	return &Player{root: root}
}

// Play blocks until playback of the given take finishes. The path is
// relative to the output root and uses forward slashes, as produced by
// the naming engine.
func (p *Player) Play(relPath string) error {
	audioFile := filepath.Join(p.root, filepath.FromSlash(relPath))

	if _, err := os.Stat(audioFile); err != nil {
		return fmt.Errorf("take not found: %s", audioFile)
	}

	player, err := findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	var cmd *exec.Cmd
	switch player {
	case "mpv":
		cmd = exec.Command("mpv", "--no-video", audioFile)
	case "ffplay":
		cmd = exec.Command("ffplay", "-nodisp", "-autoexit", audioFile)
	case "vlc":
		cmd = exec.Command("vlc", "--play-and-exit", audioFile)
	case "mpg123":
		cmd = exec.Command("mpg123", "-q", audioFile)
	default:
		return fmt.Errorf("unsupported player: %s", player)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	return nil
}

// findAudioPlayer picks the first installed player, in order of
// preference.
func findAudioPlayer() (string, error) {
	players := []string{"mpv", "ffplay", "vlc", "mpg123"}
	for _, player := range players {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}
