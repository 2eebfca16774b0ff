// Package organ models the instrument being sampled: an organ with its
// keyboards (including the pedal) and the registers on each keyboard.
// Organ definitions can be loaded from a directory of YAML files.
package organ

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Register struct {
	Label     string `yaml:"label"`
	Tremulant bool   `yaml:"tremulant,omitempty"`
}

type Keyboard struct {
	Name      string     `yaml:"name"`
	Registers []Register `yaml:"registers,omitempty"`
}

type Organ struct {
	Name      string     `yaml:"name"`
	Keyboards []Keyboard `yaml:"keyboards"`
}

// Default builds an organ with the given keyboards and no registers yet.
// Registers are added as the user works through the instrument.
func Default(name string, keyboards []string) *Organ {
	o := &Organ{Name: name}
	for _, kb := range keyboards {
		o.Keyboards = append(o.Keyboards, Keyboard{Name: kb})
	}
	return o
}

// Keyboard returns the keyboard with the given name, or nil.
func (o *Organ) Keyboard(name string) *Keyboard {
	for i := range o.Keyboards {
		if o.Keyboards[i].Name == name {
			return &o.Keyboards[i]
		}
	}
	return nil
}

// Register returns the register with the given label, or nil.
func (k *Keyboard) Register(label string) *Register {
	for i := range k.Registers {
		if k.Registers[i].Label == label {
			return &k.Registers[i]
		}
	}
	return nil
}

// AddRegister returns the existing register with the given label on the
// named keyboard, or creates it. The tremulant flag of an existing
// register is updated so a re-selection with the flag toggled sticks.
func (o *Organ) AddRegister(keyboard, label string, tremulant bool) (*Register, error) {
	kb := o.Keyboard(keyboard)
	if kb == nil {
		return nil, fmt.Errorf("keyboard %q not found on organ %q", keyboard, o.Name)
	}
	if reg := kb.Register(label); reg != nil {
		reg.Tremulant = tremulant
		return reg, nil
	}
	kb.Registers = append(kb.Registers, Register{Label: label, Tremulant: tremulant})
	return &kb.Registers[len(kb.Registers)-1], nil
}

// Clone returns a deep copy, so snapshots never alias live state.
func (o *Organ) Clone() *Organ {
	c := &Organ{Name: o.Name, Keyboards: make([]Keyboard, len(o.Keyboards))}
	for i, kb := range o.Keyboards {
		c.Keyboards[i] = Keyboard{Name: kb.Name, Registers: append([]Register(nil), kb.Registers...)}
	}
	return c
}

// Library reads organ definitions from a directory of YAML files,
// one organ per file.
type Library struct {
	dir string
}

func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// List returns the names of all organs defined in the library directory.
// A missing directory is an empty library, not an error.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read organ library %s: %w", l.dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		o, err := loadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			continue
		}
		names = append(names, o.Name)
	}
	return names, nil
}

// Load returns the organ with the given name from the library.
func (l *Library) Load(name string) (*Organ, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("organ %q not found: library directory %s does not exist", name, l.dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read organ library %s: %w", l.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		o, err := loadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			continue
		}
		if o.Name == name {
			return o, nil
		}
	}
	return nil, fmt.Errorf("organ %q not found in %s", name, l.dir)
}

func loadFile(path string) (*Organ, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read organ file %s: %w", path, err)
	}
	var o Organ
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse organ file %s: %w", path, err)
	}
	if o.Name == "" {
		return nil, fmt.Errorf("organ file %s has no name", path)
	}
	return &o, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
