package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/maeumlabs/kotts-bridge/internal/audio"
	"github.com/maeumlabs/kotts-bridge/internal/config"
)

// RemoteEngine speaks to an upstream synthesis capsule over HTTP using the
// bridge wire contract: POST {endpoint}/tts with {text, voice, speed}, raw
// audio back. Availability probes GET {endpoint}/health.
type RemoteEngine struct {
	cfg    config.EngineConfig
	desc   Descriptor
	voices []Voice
	client *http.Client
}

type remoteRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

type remoteError struct {
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
}

func NewRemoteEngine(cfg config.EngineConfig) *RemoteEngine {
	return &RemoteEngine{
		cfg:    cfg,
		desc:   descriptorFromConfig(cfg, KindOnline),
		voices: voicesFromConfig(cfg),
		// Per-request deadlines come from the dispatch context; the client
		// itself carries no timeout.
		client: &http.Client{},
	}
}

func (r *RemoteEngine) Descriptor() Descriptor { return r.desc }

func (r *RemoteEngine) Voices() []Voice { return r.voices }

func (r *RemoteEngine) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (r *RemoteEngine) Synthesize(ctx context.Context, req Request) (*Result, error) {
	voice, err := resolveVoice(req.Voice, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: voice %q: %w", r.desc.Name, req.Voice, err)
	}
	speed := ClampSpeed(req.Speed)

	body, err := json.Marshal(remoteRequest{Text: req.Text, Voice: voice, Speed: speed})
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", r.desc.Name, ErrSynthesisFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", r.desc.Name, ErrSynthesisFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", r.desc.Name, ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, r.mapFailure(resp)
	}

	wavBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", r.desc.Name, ErrEngineUnavailable, err)
	}

	result := &Result{
		Audio:          wavBytes,
		Format:         FormatWAV,
		EngineUsed:     r.desc.Name,
		Voice:          voice,
		EffectiveSpeed: speed,
	}
	if v := resp.Header.Get("X-TTS-Sample-Rate"); v != "" {
		result.SampleRate, _ = strconv.Atoi(v)
	}
	if v := resp.Header.Get("X-TTS-Duration"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			result.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	if result.SampleRate == 0 || result.Duration == 0 {
		info, err := audio.Probe(wavBytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", r.desc.Name, ErrSynthesisFailed, err)
		}
		result.SampleRate = info.SampleRate
		result.Duration = info.Duration
	}
	return result, nil
}

func (r *RemoteEngine) mapFailure(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var remote remoteError
	_ = json.Unmarshal(payload, &remote)

	if remote.ErrorKind == CodeInvalidVoice {
		return fmt.Errorf("%s: %s: %w", r.desc.Name, remote.ErrorMessage, ErrInvalidVoice)
	}
	msg := remote.ErrorMessage
	if msg == "" {
		msg = resp.Status
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s: %s: %w", r.desc.Name, msg, ErrEngineUnavailable)
	}
	return fmt.Errorf("%s: %s: %w", r.desc.Name, msg, ErrSynthesisFailed)
}
