package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Challenge kinds. The kind decides which upload types are accepted and
// which modalities gate the verdict by default.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Modality names used in challenge configs and results.
const (
	ModalityVoice = "voice"
	ModalityFace  = "face"
	ModalityText  = "text"
)

// Default upload caps per challenge kind.
const (
	defaultAudioMaxBytes = 10 << 20
	defaultVideoMaxBytes = 50 << 20
)

// Thresholds holds the per-modality decision thresholds. Scores are
// compared boundary-inclusive: score >= threshold passes.
type Thresholds struct {
	Voice float64 `yaml:"voice"`
	Face  float64 `yaml:"face"`
	Text  float64 `yaml:"text"`
}

// Challenge describes one hosted verification challenge.
type Challenge struct {
	ID             string     `yaml:"id"`
	Name           string     `yaml:"name"`
	Kind           string     `yaml:"kind"`
	ReferenceAsset string     `yaml:"reference_asset"`
	ExpectedText   string     `yaml:"expected_text"`
	Language       string     `yaml:"language"`
	InitialPrompt  string     `yaml:"initial_prompt"`
	FlagPrefix     string     `yaml:"flag_prefix"`
	MaxUploadBytes int64      `yaml:"max_upload_bytes"`
	MinDurationSec float64    `yaml:"min_duration_seconds"`
	Modalities     []string   `yaml:"modalities"`
	Thresholds     Thresholds `yaml:"thresholds"`
}

// Models holds the endpoints of the external inference collaborators.
type Models struct {
	SpeakerURL     string `yaml:"speaker_url"`
	TranscriberURL string `yaml:"transcriber_url"`
	FaceURL        string `yaml:"face_url"`
	AuthToken      string `yaml:"auth_token"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

// Config is the full deployment configuration.
type Config struct {
	ListenAddr string      `yaml:"listen_addr"`
	ScratchDir string      `yaml:"scratch_dir"`
	Models     Models      `yaml:"models"`
	Challenges []Challenge `yaml:"challenges"`
}

// Load reads the YAML config at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes raw YAML config bytes, applies environment overrides and
// defaults, and validates the result.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment environments override endpoints and paths
// without editing the challenge file.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SCRATCH_DIR")); v != "" {
		c.ScratchDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SPEAKER_URL")); v != "" {
		c.Models.SpeakerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TRANSCRIBER_URL")); v != "" {
		c.Models.TranscriberURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FACE_URL")); v != "" {
		c.Models.FaceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MODEL_AUTH_TOKEN")); v != "" {
		c.Models.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("MODEL_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Models.TimeoutMS = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	if c.Models.TimeoutMS <= 0 {
		c.Models.TimeoutMS = 30000
	}
	for i := range c.Challenges {
		ch := &c.Challenges[i]
		if ch.MaxUploadBytes <= 0 {
			if ch.Kind == KindVideo {
				ch.MaxUploadBytes = defaultVideoMaxBytes
			} else {
				ch.MaxUploadBytes = defaultAudioMaxBytes
			}
		}
		if ch.MinDurationSec <= 0 && ch.Kind == KindAudio {
			ch.MinDurationSec = 2
		}
		if len(ch.Modalities) == 0 {
			switch ch.Kind {
			case KindVideo:
				ch.Modalities = []string{ModalityFace, ModalityVoice, ModalityText}
			default:
				ch.Modalities = []string{ModalityVoice, ModalityText}
			}
		}
	}
}

// Validate rejects configs that would misbehave at runtime.
func (c *Config) Validate() error {
	if len(c.Challenges) == 0 {
		return fmt.Errorf("config: no challenges defined")
	}
	seen := make(map[string]struct{}, len(c.Challenges))
	for i := range c.Challenges {
		ch := &c.Challenges[i]
		if ch.ID == "" {
			return fmt.Errorf("config: challenge %d has no id", i)
		}
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("config: duplicate challenge id %q", ch.ID)
		}
		seen[ch.ID] = struct{}{}
		if ch.Kind != KindAudio && ch.Kind != KindVideo {
			return fmt.Errorf("config: challenge %q: unknown kind %q", ch.ID, ch.Kind)
		}
		if ch.ReferenceAsset == "" {
			return fmt.Errorf("config: challenge %q: reference_asset is required", ch.ID)
		}
		for _, m := range ch.Modalities {
			switch m {
			case ModalityVoice, ModalityFace, ModalityText:
			default:
				return fmt.Errorf("config: challenge %q: unknown modality %q", ch.ID, m)
			}
			if m == ModalityFace && ch.Kind != KindVideo {
				return fmt.Errorf("config: challenge %q: face modality requires video kind", ch.ID)
			}
		}
		if err := checkThreshold(ch.ID, "voice", ch.Thresholds.Voice); err != nil {
			return err
		}
		if err := checkThreshold(ch.ID, "face", ch.Thresholds.Face); err != nil {
			return err
		}
		if err := checkThreshold(ch.ID, "text", ch.Thresholds.Text); err != nil {
			return err
		}
	}
	return nil
}

func checkThreshold(id, name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("config: challenge %q: %s threshold %v outside [0,1]", id, name, v)
	}
	return nil
}

// ChallengeByID returns the named challenge or nil.
func (c *Config) ChallengeByID(id string) *Challenge {
	for i := range c.Challenges {
		if c.Challenges[i].ID == id {
			return &c.Challenges[i]
		}
	}
	return nil
}

// HasModality reports whether the challenge gates on the given modality.
func (ch *Challenge) HasModality(m string) bool {
	for _, v := range ch.Modalities {
		if v == m {
			return true
		}
	}
	return false
}

// Threshold returns the configured threshold for a modality.
func (ch *Challenge) Threshold(m string) float64 {
	switch m {
	case ModalityVoice:
		return ch.Thresholds.Voice
	case ModalityFace:
		return ch.Thresholds.Face
	case ModalityText:
		return ch.Thresholds.Text
	}
	return 0
}

// AcceptedTypes returns the MIME types accepted for the challenge kind.
func (ch *Challenge) AcceptedTypes() []string {
	if ch.Kind == KindVideo {
		return []string{"video/mp4"}
	}
	return []string{"audio/mpeg", "audio/wav", "audio/x-wav"}
}
