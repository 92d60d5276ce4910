package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maeumlabs/kotts-bridge/internal/audio"
	"github.com/maeumlabs/kotts-bridge/internal/config"
)

func remoteConfig(endpoint string) config.EngineConfig {
	return config.EngineConfig{
		Name:     "edge",
		Mode:     "remote",
		Kind:     "online",
		Priority: 20,
		Endpoint: endpoint,
	}
}

func TestRemoteSynthesize(t *testing.T) {
	wavBytes, err := audio.EncodePCM16(make([]int, 24000), 24000)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "안녕하세요" {
			t.Errorf("unexpected text %q", req.Text)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("X-TTS-Sample-Rate", "24000")
		w.Header().Set("X-TTS-Duration", "1.0")
		_, _ = w.Write(wavBytes)
	}))
	t.Cleanup(srv.Close)

	eng := NewRemoteEngine(remoteConfig(srv.URL))
	res, err := eng.Synthesize(context.Background(), Request{Text: "안녕하세요"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.SampleRate != 24000 {
		t.Fatalf("expected sample rate from header, got %d", res.SampleRate)
	}
	if res.EngineUsed != "edge" {
		t.Fatalf("expected engine_used edge, got %q", res.EngineUsed)
	}
}

func TestRemoteServerErrorMapsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(remoteError{ErrorKind: CodeAllEnginesFailed, ErrorMessage: "upstream degraded"})
	}))
	t.Cleanup(srv.Close)

	eng := NewRemoteEngine(remoteConfig(srv.URL))
	_, err := eng.Synthesize(context.Background(), Request{Text: "x"})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestRemoteInvalidVoicePassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(remoteError{ErrorKind: CodeInvalidVoice, ErrorMessage: "no such voice"})
	}))
	t.Cleanup(srv.Close)

	eng := NewRemoteEngine(remoteConfig(srv.URL))
	_, err := eng.Synthesize(context.Background(), Request{Text: "x", Voice: "ghost"})
	if !errors.Is(err, ErrInvalidVoice) {
		t.Fatalf("expected ErrInvalidVoice, got %v", err)
	}
}

func TestRemoteConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	eng := NewRemoteEngine(remoteConfig(srv.URL))
	_, err := eng.Synthesize(context.Background(), Request{Text: "x"})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if eng.Available(context.Background()) {
		t.Fatal("expected availability probe to fail")
	}
}

func TestRemoteHealthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	eng := NewRemoteEngine(remoteConfig(srv.URL))
	if !eng.Available(context.Background()) {
		t.Fatal("expected availability probe to succeed")
	}
}
