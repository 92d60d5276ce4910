package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/maeumlabs/kotts-bridge/internal/audio"
	"github.com/maeumlabs/kotts-bridge/internal/config"
)

// ExecEngine drives a local synthesis command (a Piper or MeloTTS wrapper):
// text on stdin, a WAV stream on stdout. The command template may reference
// {voice} and {speed}, substituted per request.
type ExecEngine struct {
	cfg    config.EngineConfig
	desc   Descriptor
	voices []Voice
	argv   []string
}

func NewExecEngine(cfg config.EngineConfig) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	argv, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("synthesis command empty")
	}
	return &ExecEngine{
		cfg:    cfg,
		desc:   descriptorFromConfig(cfg, KindLocal),
		voices: voicesFromConfig(cfg),
		argv:   argv,
	}, nil
}

func (e *ExecEngine) Descriptor() Descriptor { return e.desc }

func (e *ExecEngine) Voices() []Voice { return e.voices }

// Available reports whether the synthesis binary resolves on PATH. Model load
// failures only show up on the first synthesis attempt.
func (e *ExecEngine) Available(_ context.Context) bool {
	_, err := exec.LookPath(e.argv[0])
	return err == nil
}

func (e *ExecEngine) Synthesize(ctx context.Context, req Request) (*Result, error) {
	voice, err := resolveVoice(req.Voice, e.cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: voice %q: %w", e.desc.Name, req.Voice, err)
	}
	speed := ClampSpeed(req.Speed)

	args := make([]string, 0, len(e.argv)-1)
	for _, a := range e.argv[1:] {
		a = strings.ReplaceAll(a, "{voice}", voice)
		a = strings.ReplaceAll(a, "{speed}", strconv.FormatFloat(speed, 'f', -1, 64))
		args = append(args, a)
	}

	cmd := exec.CommandContext(ctx, e.argv[0], args...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: timed out: %w", e.desc.Name, ErrEngineUnavailable)
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w: %v", e.desc.Name, ErrEngineUnavailable, err)
		}
		return nil, fmt.Errorf("%s: %w: %v: %s", e.desc.Name, ErrSynthesisFailed, err, strings.TrimSpace(stderr.String()))
	}

	wavBytes := stdout.Bytes()
	info, err := audio.Probe(wavBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", e.desc.Name, ErrSynthesisFailed, err)
	}

	return &Result{
		Audio:          wavBytes,
		SampleRate:     info.SampleRate,
		Duration:       info.Duration,
		Format:         FormatWAV,
		EngineUsed:     e.desc.Name,
		Voice:          voice,
		EffectiveSpeed: speed,
	}, nil
}
