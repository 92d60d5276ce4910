package events

import (
	"encoding/json"
	"log/slog"
	"time"
)

const (
	SubjectSynthesisDone   = "tts.synthesis.done"
	SubjectSynthesisFailed = "tts.synthesis.failed"
)

// SynthesisDone is broadcast after a request produced audio.
type SynthesisDone struct {
	RequestID     string    `json:"request_id"`
	Engine        string    `json:"engine"`
	Voice         string    `json:"voice"`
	Speed         float64   `json:"speed"`
	TextLength    int       `json:"text_length"`
	DurationMS    int64     `json:"duration_ms"`
	ProcessingMS  int64     `json:"processing_ms"`
	Cached        bool      `json:"cached"`
	FallbackCount int       `json:"fallback_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// SynthesisFailed is broadcast when every candidate engine was exhausted or
// the request was rejected outright.
type SynthesisFailed struct {
	RequestID  string    `json:"request_id"`
	ErrorKind  string    `json:"error_kind"`
	TextLength int       `json:"text_length"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher emits synthesis outcomes on the bus. A nil Publisher is valid and
// drops everything, so callers never have to branch on whether events are on.
type Publisher struct {
	bus *Bus
	log *slog.Logger
}

func NewPublisher(bus *Bus, log *slog.Logger) *Publisher {
	if bus == nil {
		return nil
	}
	return &Publisher{bus: bus, log: log.With(slog.String("component", "events"))}
}

func (p *Publisher) Done(event SynthesisDone) {
	p.publish(SubjectSynthesisDone, event)
}

func (p *Publisher) Failed(event SynthesisFailed) {
	p.publish(SubjectSynthesisFailed, event)
}

// publish is best effort: a lost event must never fail the synthesis request
// it describes.
func (p *Publisher) publish(subject string, event any) {
	if p == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("marshal event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.bus.conn.Publish(subject, data); err != nil {
		p.log.Warn("publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
