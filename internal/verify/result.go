package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ModalityResult is the outcome of one verification channel.
type ModalityResult struct {
	// Score is the raw clamped score in [0,1]. This is the value the gate
	// tested, never a display-transformed one.
	Score float64 `json:"score"`

	// Pass reports whether Score met the modality threshold
	// (boundary-inclusive).
	Pass bool `json:"pass"`

	// Available is false when the modality could not be measured at all
	// (decode or extraction failure). Unavailable modalities score 0.
	Available bool `json:"available"`

	// Reason is a user-facing explanation when the modality failed.
	Reason string `json:"reason,omitempty"`
}

// Result is the verdict for one verification request. It lives for one
// request/response cycle only.
type Result struct {
	ChallengeID string `json:"challenge_id"`

	Voice *ModalityResult `json:"voice,omitempty"`
	Face  *ModalityResult `json:"face,omitempty"`
	Text  *ModalityResult `json:"text,omitempty"`

	// Transcript is what the speech model heard, shown to the user so they
	// can retry with better enunciation.
	Transcript string `json:"transcript,omitempty"`

	Verdict  bool     `json:"verdict"`
	Failures []string `json:"failures,omitempty"`
	Flag     string   `json:"flag,omitempty"`
}

// CompletionToken derives the proof-of-completion token from the challenge
// identity and the validated upload content. Binding the token to content
// (not to a scratch path) keeps it stable across deployments and outside
// the attacker's influence.
func CompletionToken(challengeID string, content []byte) string {
	digest := sha256.Sum256(content)
	h := sha256.Sum256([]byte(challengeID + ":" + hex.EncodeToString(digest[:])))
	return hex.EncodeToString(h[:])[:16]
}

// FormatFlag wraps a completion token in the CTF flag envelope.
func FormatFlag(prefix, token string) string {
	if prefix == "" {
		return fmt.Sprintf("CTF{%s}", token)
	}
	return fmt.Sprintf("CTF{%s_%s}", prefix, token)
}

// DisplayScore applies the cosmetic inflation used when showing a voice
// score to the user. It exists for the result surface only: thresholds are
// always compared against the raw score, never this value.
func DisplayScore(raw float64) float64 {
	return raw + (1-raw)*0.5
}
