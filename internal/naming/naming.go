// Package naming derives canonical register names and sample file paths
// from free-text stop labels, following the GrandOrgue sample layout
// (036-c.mp3, 037-c#.mp3, ...).
package naming

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// noteNames maps MIDI note mod 12 to GrandOrgue note names.
var noteNames = [12]string{"c", "c#", "d", "d#", "e", "f", "f#", "g", "g#", "a", "a#", "b"}

// decorative tokens carry no naming information and are dropped before parsing.
var decorative = map[string]bool{
	"voet":      true,
	"+":         true,
	"tremulant": true,
	"trem":      true,
}

// rank qualifiers mark a rank count ("Mixtuur 4 sterk") rather than a pitch.
var rankQualifiers = map[string]bool{
	"sterk": true,
	"rijen": true,
}

// Canonical converts a free-text register label into its canonical form:
// decorative suffixes ("voet", foot-marks) stripped, the trailing numeric
// rank kept, rank-count phrases ("4 sterk") collapsed to an Nst suffix and
// whitespace replaced with underscores. Labels without any numeric token
// fall back to the raw trimmed label with whitespace replaced.
// The result is deterministic and idempotent.
func Canonical(label string) string {
	raw := strings.TrimSpace(label)
	if raw == "" {
		return ""
	}

	stripped := strings.ReplaceAll(raw, "'", "")
	var tokens []string
	for _, tok := range strings.Fields(stripped) {
		if decorative[strings.ToLower(tok)] {
			continue
		}
		tokens = append(tokens, tok)
	}

	// Rank-count phrase: a number followed by a qualifier ("4 sterk").
	// The count replaces the bare pitch number entirely.
	for i := 0; i < len(tokens)-1; i++ {
		if !isNumeric(tokens[i]) || !rankQualifiers[strings.ToLower(tokens[i+1])] {
			continue
		}
		count := tokens[i]
		var name []string
		for j, tok := range tokens {
			if j == i || j == i+1 || isNumeric(tok) {
				continue
			}
			name = append(name, tok)
		}
		if len(name) == 0 {
			break
		}
		return strings.Join(name, "_") + "_" + count + "st"
	}

	// Plain pitch: the last numeric token is the rank, the rest is the name.
	last := -1
	for i, tok := range tokens {
		if isNumeric(tok) {
			last = i
		}
	}
	if last >= 0 {
		var name []string
		for i, tok := range tokens {
			if i == last {
				continue
			}
			name = append(name, tok)
		}
		if len(name) > 0 {
			return strings.Join(name, "_") + "_" + tokens[last]
		}
	}

	// No usable numeric token: whitespace-normalize the raw label.
	return strings.Join(strings.Fields(raw), "_")
}

// RegisterDir returns the directory name for a register: the canonical
// label, with "_trem" appended when the tremulant flag is set.
func RegisterDir(label string, tremulant bool) string {
	name := Canonical(label)
	if tremulant {
		name += "_trem"
	}
	return name
}

// HasTremulant reports whether a raw label mentions the tremulant, so
// callers can set the flag when the label carries it inline
// ("Holpijp 8 voet + tremulant").
func HasTremulant(label string) bool {
	for _, tok := range strings.Fields(label) {
		switch strings.ToLower(strings.Trim(tok, "+")) {
		case "tremulant", "trem":
			return true
		}
	}
	return false
}

// FileBase returns the GrandOrgue base name for a MIDI note, e.g. "036-c".
func FileBase(note int) string {
	return fmt.Sprintf("%03d-%s", note, noteNames[note%12])
}

// DisplayName returns the human-readable note name with octave, e.g. "C2".
func DisplayName(note int) string {
	octave := note/12 - 1
	return fmt.Sprintf("%s%d", strings.ToUpper(noteNames[note%12]), octave)
}

// PathFor computes the relative sample path for one capture:
// Organ/Keyboard/<register>[_trem]/[<MicPosition>/]<3-digit-MIDI>-<note>.mp3.
// The mic position segment is empty for single-channel sessions. Paths use
// forward slashes; callers convert for the local filesystem.
func PathFor(organ, keyboard, label string, tremulant bool, micPosition string, note int) string {
	segments := []string{
		segment(organ),
		segment(keyboard),
		RegisterDir(label, tremulant),
	}
	if micPosition != "" {
		segments = append(segments, segment(micPosition))
	}
	segments = append(segments, FileBase(note)+".mp3")
	return path.Join(segments...)
}

// segment normalizes a path segment the same way labels are normalized:
// trimmed, internal whitespace replaced with underscores.
func segment(s string) string {
	return strings.Join(strings.Fields(s), "_")
}

func isNumeric(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
