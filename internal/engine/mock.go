package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/maeumlabs/kotts-bridge/internal/audio"
	"github.com/maeumlabs/kotts-bridge/internal/config"
)

// MockEngine is a deterministic in-process engine used as the default backend
// and as the test double for dispatch behaviour. It produces silent PCM-WAV
// whose duration scales with the rune count of the input.
type MockEngine struct {
	cfg    config.EngineConfig
	desc   Descriptor
	voices []Voice

	// Test hooks. FailWith makes Synthesize return that error; Calls counts
	// Synthesize invocations.
	FailWith error
	Delay    time.Duration
	Calls    atomic.Int64

	unavailable atomic.Bool
}

const mockMillisPerRune = 80

func NewMockEngine(cfg config.EngineConfig) *MockEngine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 22050
	}
	return &MockEngine{
		cfg:    cfg,
		desc:   descriptorFromConfig(cfg, KindLocal),
		voices: voicesFromConfig(cfg),
	}
}

func (m *MockEngine) Descriptor() Descriptor { return m.desc }

func (m *MockEngine) Voices() []Voice { return m.voices }

func (m *MockEngine) Available(_ context.Context) bool { return !m.unavailable.Load() }

// SetUnavailable scripts the availability probe outcome.
func (m *MockEngine) SetUnavailable(v bool) { m.unavailable.Store(v) }

func (m *MockEngine) Synthesize(ctx context.Context, req Request) (*Result, error) {
	m.Calls.Add(1)
	if m.FailWith != nil {
		return nil, fmt.Errorf("%s: %w", m.desc.Name, m.FailWith)
	}
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", m.desc.Name, ErrEngineUnavailable)
		case <-time.After(m.Delay):
		}
	}

	voice, err := resolveVoice(req.Voice, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: voice %q: %w", m.desc.Name, req.Voice, err)
	}
	speed := ClampSpeed(req.Speed)

	runes := utf8.RuneCountInString(req.Text)
	duration := time.Duration(float64(runes*mockMillisPerRune)/speed) * time.Millisecond
	if duration < 100*time.Millisecond {
		duration = 100 * time.Millisecond
	}

	samples := make([]int, int(duration.Seconds()*float64(m.cfg.SampleRate)))
	wavBytes, err := audio.EncodePCM16(samples, m.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", m.desc.Name, ErrSynthesisFailed, err)
	}

	return &Result{
		Audio:          wavBytes,
		SampleRate:     m.cfg.SampleRate,
		Duration:       duration,
		Format:         FormatWAV,
		EngineUsed:     m.desc.Name,
		Voice:          voice,
		EffectiveSpeed: speed,
	}, nil
}
