// Package server exposes the bridge API over HTTP: synthesis endpoints plus
// engine/voice introspection and health.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/maeumlabs/kotts-bridge/internal/config"
	"github.com/maeumlabs/kotts-bridge/internal/dispatch"
	"github.com/maeumlabs/kotts-bridge/internal/engine"
	"github.com/maeumlabs/kotts-bridge/internal/registry"
)

const maxBodyBytes = 1 << 20

type Server struct {
	cfg     config.Config
	disp    *dispatch.Dispatcher
	reg     *registry.Registry
	version string
	ready   func() bool
	log     *slog.Logger
}

func New(cfg config.Config, disp *dispatch.Dispatcher, reg *registry.Registry, version string, ready func() bool, log *slog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		cfg:     cfg,
		disp:    disp,
		reg:     reg,
		version: version,
		ready:   ready,
		log:     log.With(slog.String("component", "bridge-api")),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tts", s.handleTTS)
	mux.HandleFunc("POST /tts/json", s.handleTTSJSON)
	mux.HandleFunc("GET /engines", s.handleEngines)
	mux.HandleFunc("GET /voices", s.handleVoices)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /about", s.handleAbout)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	return mux
}

type synthesisRequest struct {
	Text          string  `json:"text"`
	Voice         string  `json:"voice,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
	Engine        string  `json:"engine,omitempty"`
	AllowFallback *bool   `json:"allow_fallback,omitempty"`
}

type synthesisResponse struct {
	AudioBase64      string  `json:"audio_base64"`
	SampleRate       int     `json:"sample_rate"`
	Duration         float64 `json:"duration"`
	Format           string  `json:"format"`
	Voice            string  `json:"voice"`
	EngineUsed       string  `json:"engine_used"`
	Speed            float64 `json:"speed"`
	Cached           bool    `json:"cached"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
}

type errorResponse struct {
	ErrorKind    string             `json:"error_kind"`
	ErrorMessage string             `json:"error_message"`
	Attempts     []dispatch.Attempt `json:"attempts,omitempty"`
}

func (s *Server) synthesize(w http.ResponseWriter, r *http.Request) (*engine.Result, time.Duration, bool) {
	var req synthesisRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("decode request body: %v: %w", err, engine.ErrInvalidRequest))
		return nil, 0, false
	}

	allowFallback := s.cfg.Defaults.AllowFallback
	if req.AllowFallback != nil {
		allowFallback = *req.AllowFallback
	}
	preferred := req.Engine
	if preferred == "" {
		preferred = s.cfg.Defaults.Engine
	}

	start := time.Now()
	res, err := s.disp.Synthesize(r.Context(), dispatch.Request{
		Text:          req.Text,
		Voice:         req.Voice,
		Speed:         req.Speed,
		Engine:        preferred,
		AllowFallback: allowFallback,
	})
	if err != nil {
		s.writeError(w, err)
		return nil, 0, false
	}
	return res, time.Since(start), true
}

// handleTTS returns the WAV bytes directly; all metadata travels in response
// headers so audio players can consume the body as-is.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	res, elapsed, ok := s.synthesize(w, r)
	if !ok {
		return
	}

	h := w.Header()
	h.Set("Content-Type", "audio/wav")
	h.Set("X-TTS-Engine", res.EngineUsed)
	h.Set("X-TTS-Voice", res.Voice)
	h.Set("X-TTS-Duration", strconv.FormatFloat(res.Duration.Seconds(), 'f', 3, 64))
	h.Set("X-TTS-Sample-Rate", strconv.Itoa(res.SampleRate))
	h.Set("X-TTS-Cached", strconv.FormatBool(res.Cached))
	h.Set("X-TTS-Processing-Time-Ms", strconv.FormatInt(elapsed.Milliseconds(), 10))
	h.Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

func (s *Server) handleTTSJSON(w http.ResponseWriter, r *http.Request) {
	res, elapsed, ok := s.synthesize(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, synthesisResponse{
		AudioBase64:      base64.StdEncoding.EncodeToString(res.Audio),
		SampleRate:       res.SampleRate,
		Duration:         res.Duration.Seconds(),
		Format:           string(res.Format),
		Voice:            res.Voice,
		EngineUsed:       res.EngineUsed,
		Speed:            res.EffectiveSpeed,
		Cached:           res.Cached,
		ProcessingTimeMS: elapsed.Milliseconds(),
	})
}

func (s *Server) handleEngines(w http.ResponseWriter, _ *http.Request) {
	descs := s.reg.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_engines":     len(descs),
		"available_engines": s.reg.AvailableCount(),
		"engines":           descs,
	})
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"voices":  s.reg.Voices(),
		"default": s.cfg.Defaults.Voice,
	})
}

// handleHealth reports the last snapshot; it never triggers a fresh probe so
// the endpoint stays cheap under polling.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	available := s.reg.AvailableCount()
	status := "ok"
	if available == 0 {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"bridge":            s.cfg.BridgeName,
		"version":           s.version,
		"total_engines":     s.reg.RegisteredCount(),
		"available_engines": available,
	})
}

func (s *Server) handleAbout(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":        s.cfg.BridgeName,
		"version":     s.version,
		"description": "Korean text-to-speech bridge with priority-ranked engine fallback",
		"environment": s.cfg.Environment,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := engine.Code(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, engine.ErrInvalidVoice):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoEngineAvailable),
		errors.Is(err, engine.ErrAllEnginesFailed),
		errors.Is(err, engine.ErrEngineUnavailable):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, errorResponse{
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
		Attempts:     dispatch.Attempts(err),
	})
}
