// Package client is the Go SDK for the kotts bridge API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrBridgeUnreachable marks connection-level failures (refused, DNS,
// timeout), distinct from structured errors the bridge itself returned.
var ErrBridgeUnreachable = errors.New("bridge unreachable")

// DefaultTimeout bounds every call unless the caller overrides it.
const DefaultTimeout = 30 * time.Second

// Request is one synthesis request. Voice, Speed and Engine are optional;
// AllowFallback left nil defers to the bridge's configured default.
type Request struct {
	Text          string  `json:"text"`
	Voice         string  `json:"voice,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
	Engine        string  `json:"engine,omitempty"`
	AllowFallback *bool   `json:"allow_fallback,omitempty"`
}

// Speech is synthesized audio plus the metadata the bridge reported.
type Speech struct {
	Audio          []byte
	SampleRate     int
	Duration       time.Duration
	Format         string
	Voice          string
	EngineUsed     string
	Speed          float64
	Cached         bool
	ProcessingTime time.Duration
}

// Save writes the audio bytes to path.
func (s *Speech) Save(path string) error {
	return os.WriteFile(path, s.Audio, 0o644)
}

// Attempt is one failed engine try reported in a structured error body.
type Attempt struct {
	Engine       string `json:"engine"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
}

// APIError is a structured error the bridge returned.
type APIError struct {
	StatusCode int
	Kind       string    `json:"error_kind"`
	Message    string    `json:"error_message"`
	Attempts   []Attempt `json:"attempts,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("bridge error %s: %s", e.Kind, e.Message)
	}
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = fmt.Sprintf("%s (%s)", a.Engine, a.ErrorKind)
	}
	return fmt.Sprintf("bridge error %s: %s; tried %s", e.Kind, e.Message, strings.Join(names, ", "))
}

// Outcome is the result of an asynchronous synthesis call.
type Outcome struct {
	Speech *Speech
	Err    error
}

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient substitutes the underlying HTTP client entirely.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize performs a synchronous synthesis round trip.
func (c *Client) Synthesize(ctx context.Context, req Request) (*Speech, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrBridgeUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %v: %w", err, ErrBridgeUnreachable)
	}

	speech := &Speech{
		Audio:      audio,
		Format:     "wav",
		Voice:      resp.Header.Get("X-TTS-Voice"),
		EngineUsed: resp.Header.Get("X-TTS-Engine"),
	}
	if v, err := strconv.Atoi(resp.Header.Get("X-TTS-Sample-Rate")); err == nil {
		speech.SampleRate = v
	}
	if v, err := strconv.ParseFloat(resp.Header.Get("X-TTS-Duration"), 64); err == nil {
		speech.Duration = time.Duration(v * float64(time.Second))
	}
	if v, err := strconv.ParseBool(resp.Header.Get("X-TTS-Cached")); err == nil {
		speech.Cached = v
	}
	if v, err := strconv.ParseInt(resp.Header.Get("X-TTS-Processing-Time-Ms"), 10, 64); err == nil {
		speech.ProcessingTime = time.Duration(v) * time.Millisecond
	}
	return speech, nil
}

// SynthesizeAsync starts the call and returns a channel that delivers exactly
// one Outcome. Completion order across calls is independent of start order.
func (c *Client) SynthesizeAsync(ctx context.Context, req Request) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		speech, err := c.Synthesize(ctx, req)
		out <- Outcome{Speech: speech, Err: err}
		close(out)
	}()
	return out
}

// EngineInfo mirrors the bridge's engine descriptor.
type EngineInfo struct {
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	Kind          string `json:"kind"`
	Priority      int    `json:"priority"`
	Available     bool   `json:"available"`
	StatusMessage string `json:"status_message,omitempty"`
}

type EnginesResponse struct {
	TotalEngines     int          `json:"total_engines"`
	AvailableEngines int          `json:"available_engines"`
	Engines          []EngineInfo `json:"engines"`
}

// VoiceInfo is one synthesizable voice offered by an engine.
type VoiceInfo struct {
	EngineName  string `json:"engine_name"`
	ID          string `json:"voice_id"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language_tag"`
	Gender      string `json:"gender,omitempty"`
}

type VoicesResponse struct {
	Voices  map[string][]VoiceInfo `json:"voices"`
	Default string                 `json:"default"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	Bridge           string `json:"bridge"`
	Version          string `json:"version"`
	TotalEngines     int    `json:"total_engines"`
	AvailableEngines int    `json:"available_engines"`
}

func (c *Client) Engines(ctx context.Context) (*EnginesResponse, error) {
	var out EnginesResponse
	if err := c.getJSON(ctx, "/engines", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Voices(ctx context.Context) (*VoicesResponse, error) {
	var out VoicesResponse
	if err := c.getJSON(ctx, "/voices", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrBridgeUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
		apiErr.Kind = "internal"
		apiErr.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return apiErr
}
