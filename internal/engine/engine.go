// Package engine defines the contract every synthesis backend must satisfy and
// the built-in backend implementations (mock, exec, remote).
package engine

import (
	"context"
	"time"

	"github.com/maeumlabs/kotts-bridge/internal/config"
)

// Kind distinguishes local-model engines from online remote ones. The two
// share one interface; kind only affects timeout and failure policy.
type Kind string

const (
	KindLocal  Kind = "local"
	KindOnline Kind = "online"
)

// Format identifies the audio container of a synthesis result.
type Format string

const FormatWAV Format = "wav"

// Descriptor carries identity and ranking metadata for a registered engine.
// Name is the registry primary key; Available is computed by the registry at
// discovery/health-check time, not by the engine itself.
type Descriptor struct {
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	Kind          Kind   `json:"kind"`
	Priority      int    `json:"priority"`
	Available     bool   `json:"available"`
	StatusMessage string `json:"status_message,omitempty"`
}

// Voice is one synthesizable voice offered by an engine.
type Voice struct {
	EngineName  string `json:"engine_name"`
	ID          string `json:"voice_id"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language_tag"`
	Gender      string `json:"gender,omitempty"`
}

// Request is the input to a single synthesis call. Voice may be empty, in
// which case the engine uses its default voice.
type Request struct {
	Text  string
	Voice string
	Speed float64
}

// Result is the output of a successful synthesis.
type Result struct {
	Audio          []byte
	SampleRate     int
	Duration       time.Duration
	Format         Format
	EngineUsed     string
	Voice          string
	EffectiveSpeed float64
	Cached         bool
}

// Engine is the capability set every pluggable synthesis backend implements.
type Engine interface {
	// Descriptor returns static identity and ranking metadata.
	Descriptor() Descriptor

	// Voices lists the synthesizable voices. Never nil; empty when none are
	// configured.
	Voices() []Voice

	// Synthesize produces audio for req. It must not mutate process state
	// observable by other engines, and it honours ctx for cancellation and
	// the per-engine timeout.
	Synthesize(ctx context.Context, req Request) (*Result, error)

	// Available is a cheap liveness probe bounded by the ctx deadline. It
	// must not perform a full synthesis.
	Available(ctx context.Context) bool
}

// Speed bounds enforced by every built-in engine; engines clamp rather than
// reject and report the effective value in the result.
const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
)

// ClampSpeed maps an arbitrary positive speed into the supported range. Zero
// means "unset" and resolves to 1.0.
func ClampSpeed(speed float64) float64 {
	if speed == 0 {
		return 1.0
	}
	if speed < MinSpeed {
		return MinSpeed
	}
	if speed > MaxSpeed {
		return MaxSpeed
	}
	return speed
}

func descriptorFromConfig(cfg config.EngineConfig, fallbackKind Kind) Descriptor {
	kind := Kind(cfg.Kind)
	if kind == "" {
		kind = fallbackKind
	}
	display := cfg.DisplayName
	if display == "" {
		display = cfg.Name
	}
	return Descriptor{
		Name:        cfg.Name,
		DisplayName: display,
		Kind:        kind,
		Priority:    cfg.Priority,
	}
}

func voicesFromConfig(cfg config.EngineConfig) []Voice {
	voices := make([]Voice, 0, len(cfg.Voices))
	for _, v := range cfg.Voices {
		voices = append(voices, Voice{
			EngineName:  cfg.Name,
			ID:          v.ID,
			DisplayName: v.DisplayName,
			Language:    v.Language,
			Gender:      v.Gender,
		})
	}
	return voices
}

// resolveVoice maps the requested voice onto the engine's voice set. An empty
// request resolves to the configured default. When the engine declares voices
// and the request names one it does not offer, the result is ErrInvalidVoice;
// engines with no declared voice list pass the request through untouched.
func resolveVoice(requested string, cfg config.EngineConfig) (string, error) {
	if requested == "" {
		if cfg.DefaultVoice != "" {
			return cfg.DefaultVoice, nil
		}
		return "default", nil
	}
	if len(cfg.Voices) == 0 {
		return requested, nil
	}
	for _, v := range cfg.Voices {
		if v.ID == requested {
			return requested, nil
		}
	}
	return "", ErrInvalidVoice
}
