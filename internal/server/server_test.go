package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/maeumlabs/kotts-bridge/internal/audio"
	"github.com/maeumlabs/kotts-bridge/internal/config"
	"github.com/maeumlabs/kotts-bridge/internal/dispatch"
	"github.com/maeumlabs/kotts-bridge/internal/engine"
	"github.com/maeumlabs/kotts-bridge/internal/registry"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	srv     *httptest.Server
	engines map[string]*engine.MockEngine
}

func newFixture(t *testing.T, engineCfgs ...config.EngineConfig) *fixture {
	t.Helper()
	if len(engineCfgs) == 0 {
		engineCfgs = []config.EngineConfig{
			{Name: "melo", Mode: "mock", Priority: 80, DefaultVoice: "KR",
				Voices: []config.VoiceConfig{{ID: "KR", DisplayName: "Korean", Language: "ko"}}},
			{Name: "edge", Mode: "mock", Priority: 20, DefaultVoice: "KR"},
		}
	}

	cfg := config.Default()
	cfg.Engines = engineCfgs

	reg := registry.New(time.Second, newLogger())
	engines := make(map[string]*engine.MockEngine, len(engineCfgs))
	for _, ec := range engineCfgs {
		m := engine.NewMockEngine(ec)
		engines[ec.Name] = m
		if err := reg.Register(context.Background(), m, registry.Options{ConcurrentSafe: true}); err != nil {
			t.Fatalf("register %s: %v", ec.Name, err)
		}
	}

	disp := dispatch.New(reg, nil, nil, cfg.Defaults, newLogger())
	s := New(cfg, disp, reg, "test", func() bool { return true }, newLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: ts, engines: engines}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTTSRawWAV(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.srv.URL+"/tts", map[string]any{"text": "안녕하세요!", "speed": 1.0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("expected audio/wav, got %q", ct)
	}
	if got := resp.Header.Get("X-TTS-Engine"); got != "melo" {
		t.Fatalf("expected X-TTS-Engine melo, got %q", got)
	}
	if got := resp.Header.Get("X-TTS-Voice"); got != "KR" {
		t.Fatalf("expected X-TTS-Voice KR, got %q", got)
	}
	dur, err := strconv.ParseFloat(resp.Header.Get("X-TTS-Duration"), 64)
	if err != nil || dur <= 0 {
		t.Fatalf("expected positive X-TTS-Duration, got %q", resp.Header.Get("X-TTS-Duration"))
	}
	if resp.Header.Get("X-TTS-Cached") != "false" {
		t.Fatalf("expected uncached result, got %q", resp.Header.Get("X-TTS-Cached"))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	info, err := audio.Probe(payload)
	if err != nil {
		t.Fatalf("expected valid WAV body: %v", err)
	}
	if info.SampleRate != 22050 {
		t.Fatalf("expected 22050 Hz, got %d", info.SampleRate)
	}
}

func TestTTSJSON(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.srv.URL+"/tts/json", map[string]any{"text": "반갑습니다", "voice": "KR"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		AudioBase64 string  `json:"audio_base64"`
		SampleRate  int     `json:"sample_rate"`
		Duration    float64 `json:"duration"`
		Format      string  `json:"format"`
		EngineUsed  string  `json:"engine_used"`
		Cached      bool    `json:"cached"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.AudioBase64 == "" || body.SampleRate != 22050 || body.Duration <= 0 {
		t.Fatalf("unexpected response: %+v", body)
	}
	if body.Format != "wav" || body.EngineUsed != "melo" {
		t.Fatalf("unexpected metadata: %+v", body)
	}
}

func TestTTSEmptyTextRejected(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.srv.URL+"/tts", map[string]any{"text": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body struct {
		ErrorKind string `json:"error_kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ErrorKind != engine.CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %q", body.ErrorKind)
	}
	for _, m := range f.engines {
		if m.Calls.Load() != 0 {
			t.Fatalf("expected no engine calls, %s got %d", m.Descriptor().Name, m.Calls.Load())
		}
	}
}

func TestTTSMalformedBodyRejected(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/tts", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTTSFallbackReportsActualEngine(t *testing.T) {
	f := newFixture(t)
	f.engines["melo"].FailWith = engine.ErrSynthesisFailed

	resp := postJSON(t, f.srv.URL+"/tts", map[string]any{"text": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after fallback, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-TTS-Engine"); got != "edge" {
		t.Fatalf("expected fallback engine edge, got %q", got)
	}
}

func TestTTSAllFailedReturns503WithAttempts(t *testing.T) {
	f := newFixture(t)
	f.engines["melo"].FailWith = engine.ErrSynthesisFailed
	f.engines["edge"].FailWith = engine.ErrEngineUnavailable

	resp := postJSON(t, f.srv.URL+"/tts", map[string]any{"text": "hello"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body struct {
		ErrorKind string `json:"error_kind"`
		Attempts  []struct {
			Engine    string `json:"engine"`
			ErrorKind string `json:"error_kind"`
		} `json:"attempts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ErrorKind != engine.CodeAllEnginesFailed {
		t.Fatalf("expected all_engines_failed, got %q", body.ErrorKind)
	}
	if len(body.Attempts) != 2 || body.Attempts[0].Engine != "melo" || body.Attempts[1].Engine != "edge" {
		t.Fatalf("unexpected attempts: %+v", body.Attempts)
	}
}

func TestEnginesIntrospection(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/engines")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Total     int                 `json:"total_engines"`
		Available int                 `json:"available_engines"`
		Engines   []engine.Descriptor `json:"engines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || body.Available != 2 {
		t.Fatalf("unexpected counts: %+v", body)
	}
	// priority order on the wire
	if body.Engines[0].Name != "melo" || body.Engines[1].Name != "edge" {
		t.Fatalf("unexpected order: %+v", body.Engines)
	}
}

func TestVoicesGroupedByEngine(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/voices")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Voices  map[string][]engine.Voice `json:"voices"`
		Default string                    `json:"default"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Default != "KR" {
		t.Fatalf("expected default voice KR, got %q", body.Default)
	}
	if len(body.Voices["melo"]) != 1 || body.Voices["melo"][0].ID != "KR" {
		t.Fatalf("unexpected melo voices: %+v", body.Voices["melo"])
	}
	if voices, ok := body.Voices["edge"]; !ok || voices == nil {
		t.Fatal("expected edge present with empty voice list, not null")
	}
}

func TestHealthReflectsLastSnapshotOnly(t *testing.T) {
	f := newFixture(t)
	// flipping availability without a health pass must not change /health
	for _, m := range f.engines {
		m.SetUnavailable(true)
	}
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected ok before next health pass, got %q", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	cfg := config.Default()
	reg := registry.New(time.Second, newLogger())
	disp := dispatch.New(reg, nil, nil, cfg.Defaults, newLogger())
	s := New(cfg, disp, reg, "test", func() bool { return false }, newLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", resp.StatusCode)
	}
}
