package audio

import (
	"testing"
	"time"
)

func TestEncodeAndProbe(t *testing.T) {
	const rate = 22050
	samples := make([]int, rate/2) // half a second of silence

	b, err := EncodePCM16(samples, rate)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) <= 44 {
		t.Fatalf("expected payload beyond wav header, got %d bytes", len(b))
	}

	info, err := Probe(b)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if info.SampleRate != rate {
		t.Fatalf("expected sample rate %d, got %d", rate, info.SampleRate)
	}
	if info.Channels != 1 {
		t.Fatalf("expected mono, got %d channels", info.Channels)
	}
	want := 500 * time.Millisecond
	if diff := info.Duration - want; diff < -10*time.Millisecond || diff > 10*time.Millisecond {
		t.Fatalf("expected duration ~%v, got %v", want, info.Duration)
	}
}

func TestProbeRejectsGarbage(t *testing.T) {
	if _, err := Probe([]byte("definitely not audio")); err == nil {
		t.Fatal("expected error for non-wav payload")
	}
}

func TestEncodeRejectsBadRate(t *testing.T) {
	if _, err := EncodePCM16([]int{0}, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}
