package organ

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	o := Default("Orgel", []string{"Hoofdwerk", "Bovenwerk", "Pedaal"})

	if o.Name != "Orgel" {
		t.Errorf("Expected name Orgel, got %q", o.Name)
	}
	if len(o.Keyboards) != 3 {
		t.Fatalf("Expected 3 keyboards, got %d", len(o.Keyboards))
	}
	if o.Keyboard("Pedaal") == nil {
		t.Error("Expected Pedaal keyboard to exist")
	}
	if o.Keyboard("Rugwerk") != nil {
		t.Error("Expected Rugwerk keyboard to be absent")
	}
}

func TestAddRegister(t *testing.T) {
	o := Default("Orgel", []string{"Hoofdwerk"})

	reg, err := o.AddRegister("Hoofdwerk", "Holpijp 8 voet", false)
	if err != nil {
		t.Fatalf("AddRegister failed: %v", err)
	}
	if reg.Label != "Holpijp 8 voet" {
		t.Errorf("Expected label to round-trip, got %q", reg.Label)
	}

	// Selecting the same label again must not duplicate it.
	_, err = o.AddRegister("Hoofdwerk", "Holpijp 8 voet", true)
	if err != nil {
		t.Fatalf("AddRegister (second) failed: %v", err)
	}
	kb := o.Keyboard("Hoofdwerk")
	if len(kb.Registers) != 1 {
		t.Errorf("Expected 1 register after re-add, got %d", len(kb.Registers))
	}
	if !kb.Registers[0].Tremulant {
		t.Error("Expected tremulant flag to be updated on re-add")
	}

	if _, err := o.AddRegister("Zwelwerk", "Prestant 8", false); err == nil {
		t.Error("Expected error for unknown keyboard")
	}
}

func TestClone(t *testing.T) {
	o := Default("Orgel", []string{"Hoofdwerk"})
	if _, err := o.AddRegister("Hoofdwerk", "Prestant 8", false); err != nil {
		t.Fatalf("AddRegister failed: %v", err)
	}

	c := o.Clone()
	if _, err := c.AddRegister("Hoofdwerk", "Octaaf 4", false); err != nil {
		t.Fatalf("AddRegister on clone failed: %v", err)
	}

	if len(o.Keyboard("Hoofdwerk").Registers) != 1 {
		t.Error("Mutating the clone changed the original")
	}
}

func TestLibraryLoadAndList(t *testing.T) {
	dir := t.TempDir()
	content := `name: Van Dam 1912
keyboards:
  - name: Hoofdwerk
    registers:
      - label: Prestant 8 voet
      - label: Holpijp 8 voet
        tremulant: true
  - name: Pedaal
    registers:
      - label: Subbas 16
`
	if err := os.WriteFile(filepath.Join(dir, "vandam.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write organ file: %v", err)
	}

	lib := NewLibrary(dir)

	names, err := lib.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 1 || names[0] != "Van Dam 1912" {
		t.Errorf("Expected [Van Dam 1912], got %v", names)
	}

	o, err := lib.Load("Van Dam 1912")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(o.Keyboards) != 2 {
		t.Errorf("Expected 2 keyboards, got %d", len(o.Keyboards))
	}
	reg := o.Keyboard("Hoofdwerk").Register("Holpijp 8 voet")
	if reg == nil || !reg.Tremulant {
		t.Error("Expected Holpijp 8 voet with tremulant flag")
	}

	if _, err := lib.Load("Unknown"); err == nil {
		t.Error("Expected error for unknown organ")
	}
}

func TestLibraryMissingDir(t *testing.T) {
	lib := NewLibrary(filepath.Join(t.TempDir(), "does-not-exist"))

	names, err := lib.List()
	if err != nil {
		t.Fatalf("List on missing dir should not error, got: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("Expected empty library, got %v", names)
	}

	if _, err := lib.Load("Anything"); err == nil {
		t.Error("Expected error loading from missing dir")
	}
}
