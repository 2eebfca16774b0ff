package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Channels  []Channel       `mapstructure:"channels" yaml:"channels"`
	Organ     OrganConfig     `mapstructure:"organ" yaml:"organ"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

type OutputConfig struct {
	Directory           string `mapstructure:"directory" yaml:"directory"`
	CheckpointDirectory string `mapstructure:"checkpoint_directory" yaml:"checkpoint_directory"`
}

type AudioConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "ffmpeg", "null"
}

// RecordingConfig holds the startup defaults for the runtime recording
// settings; clients can change them later through updateSettings.
type RecordingConfig struct {
	SampleRate       int `mapstructure:"sample_rate" yaml:"sample_rate"`
	BitDepth         int `mapstructure:"bit_depth" yaml:"bit_depth"`
	Channels         int `mapstructure:"channels" yaml:"channels"` // 1=mono, 2=stereo
	MP3Bitrate       int `mapstructure:"mp3_bitrate" yaml:"mp3_bitrate"`
	CountdownSeconds int `mapstructure:"countdown_seconds" yaml:"countdown_seconds"`
	RecordSeconds    int `mapstructure:"record_seconds" yaml:"record_seconds"`
	StartNote        int `mapstructure:"start_note" yaml:"start_note"`
	EndNote          int `mapstructure:"end_note" yaml:"end_note"`
}

// Channel describes one microphone position. Enabled must be set
// explicitly for configured channels; the synthesized default channel is
// enabled.
type Channel struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Position string `mapstructure:"position" yaml:"position"`
	Device   string `mapstructure:"device" yaml:"device"`
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
}

type OrganConfig struct {
	Name      string   `mapstructure:"name" yaml:"name"`
	Keyboards []string `mapstructure:"keyboards" yaml:"keyboards"`
	Dir       string   `mapstructure:"dir" yaml:"dir"`
}

var defaultConfig = Config{
	Server: ServerConfig{
		Host: "0.0.0.0",
		Port: "5555",
	},
	Output: OutputConfig{
		Directory: "~/Orgelsampler",
	},
	Audio: AudioConfig{
		Backend: "ffmpeg",
	},
	Recording: RecordingConfig{
		SampleRate:       44100,
		BitDepth:         16,
		Channels:         1,
		MP3Bitrate:       192,
		CountdownSeconds: 5,
		RecordSeconds:    5,
		StartNote:        36, // C2
		EndNote:          96, // C7
	},
	Organ: OrganConfig{
		Name:      "Orgel",
		Keyboards: []string{"Hoofdwerk", "Bovenwerk", "Pedaal"},
		Dir:       "~/.config/orgelsampler/organs",
	},
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/orgelsampler.yaml")
}

// Load reads the configuration file, merges it over the built-in defaults
// and validates the result. A missing file yields the defaults.
func Load(configFile string) (*Config, error) {
	if configFile == "" {
		configFile = DefaultPath()
	}

	cfg := defaultConfig
	cfg.Channels = nil

	if _, err := os.Stat(configFile); err == nil {
		v := viper.New()
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", configFile, err)
		}
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	if cfg.Output.CheckpointDirectory == "" {
		cfg.Output.CheckpointDirectory = filepath.Join(cfg.Output.Directory, "checkpoints")
	}
	cfg.Output.CheckpointDirectory = expandPath(cfg.Output.CheckpointDirectory)
	cfg.Organ.Dir = expandPath(cfg.Organ.Dir)

	// At least one microphone channel always exists.
	if len(cfg.Channels) == 0 {
		cfg.Channels = []Channel{{ID: "main", Device: "default", Enabled: true}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the static configuration. Runtime setting changes are
// re-validated by the session on every updateSettings command.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port must not be empty")
	}
	if c.Audio.Backend != "ffmpeg" && c.Audio.Backend != "null" {
		return fmt.Errorf("audio.backend must be 'ffmpeg' or 'null', got %q", c.Audio.Backend)
	}
	if c.Organ.Name == "" {
		return fmt.Errorf("organ.name must not be empty")
	}
	if len(c.Organ.Keyboards) == 0 {
		return fmt.Errorf("organ.keyboards must list at least one keyboard")
	}

	if err := c.validateRecording(); err != nil {
		return err
	}
	return c.validateChannels()
}

func (c *Config) validateRecording() error {
	r := c.Recording
	if !contains([]int{44100, 48000, 96000}, r.SampleRate) {
		return fmt.Errorf("recording.sample_rate must be 44100, 48000 or 96000, got %d", r.SampleRate)
	}
	if r.BitDepth != 16 && r.BitDepth != 24 {
		return fmt.Errorf("recording.bit_depth must be 16 or 24, got %d", r.BitDepth)
	}
	if r.Channels != 1 && r.Channels != 2 {
		return fmt.Errorf("recording.channels must be 1 (mono) or 2 (stereo), got %d", r.Channels)
	}
	if !contains([]int{128, 192, 256, 320}, r.MP3Bitrate) {
		return fmt.Errorf("recording.mp3_bitrate must be 128, 192, 256 or 320, got %d", r.MP3Bitrate)
	}
	if r.CountdownSeconds < 1 || r.CountdownSeconds > 30 {
		return fmt.Errorf("recording.countdown_seconds must be between 1 and 30, got %d", r.CountdownSeconds)
	}
	if r.RecordSeconds < 1 || r.RecordSeconds > 60 {
		return fmt.Errorf("recording.record_seconds must be between 1 and 60, got %d", r.RecordSeconds)
	}
	if r.StartNote < 0 || r.StartNote > 127 || r.EndNote < 0 || r.EndNote > 127 {
		return fmt.Errorf("recording notes must be MIDI numbers 0-127, got %d-%d", r.StartNote, r.EndNote)
	}
	if r.StartNote > r.EndNote {
		return fmt.Errorf("recording.start_note %d is above end_note %d", r.StartNote, r.EndNote)
	}
	return nil
}

func (c *Config) validateChannels() error {
	ids := make(map[string]bool)
	positions := make(map[string]bool)
	enabled := 0

	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id must not be empty", i)
		}
		if ids[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		ids[ch.ID] = true
		if ch.Enabled {
			enabled++
		}
	}

	// With several enabled channels each needs its own position, otherwise
	// their sample paths collide.
	if enabled > 1 {
		for i, ch := range c.Channels {
			if !ch.Enabled {
				continue
			}
			if ch.Position == "" {
				return fmt.Errorf("channels[%d] (%s): position is required when multiple channels are enabled", i, ch.ID)
			}
			if positions[ch.Position] {
				return fmt.Errorf("channels[%d] (%s): duplicate position %q", i, ch.ID, ch.Position)
			}
			positions[ch.Position] = true
		}
	}
	return nil
}

// EnabledChannels returns the channels that take part in recording.
func (c *Config) EnabledChannels() []Channel {
	var out []Channel
	for _, ch := range c.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// Save writes the configuration as YAML to the given path, creating
// parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func contains(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
