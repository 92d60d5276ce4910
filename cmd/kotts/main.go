// kotts is a small CLI front end for the bridge API: synthesize a phrase to a
// WAV file or inspect the engine roster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/maeumlabs/kotts-bridge/pkg/client"
)

func main() {
	var (
		bridgeURL string
		text      string
		out       string
		voice     string
		speed     float64
		engine    string
		timeout   time.Duration
		engines   bool
		voices    bool
	)

	flag.StringVar(&bridgeURL, "bridge", "http://localhost:9999", "Bridge base URL")
	flag.StringVar(&text, "text", "", "Text to synthesize")
	flag.StringVar(&out, "out", "out.wav", "Output WAV path")
	flag.StringVar(&voice, "voice", "", "Voice selector (engine default when empty)")
	flag.Float64Var(&speed, "speed", 0, "Playback speed (0.5-2.0, 1.0 when unset)")
	flag.StringVar(&engine, "engine", "", "Preferred engine name")
	flag.DurationVar(&timeout, "timeout", client.DefaultTimeout, "Request timeout")
	flag.BoolVar(&engines, "engines", false, "List registered engines and exit")
	flag.BoolVar(&voices, "voices", false, "List available voices and exit")
	flag.Parse()

	c := client.New(bridgeURL, client.WithTimeout(timeout))
	ctx := context.Background()

	switch {
	case engines:
		listEngines(ctx, c)
	case voices:
		listVoices(ctx, c)
	case text != "":
		synthesize(ctx, c, text, out, voice, speed, engine)
	default:
		fmt.Fprintln(os.Stderr, "nothing to do: pass -text, -engines or -voices")
		flag.Usage()
		os.Exit(2)
	}
}

func synthesize(ctx context.Context, c *client.Client, text, out, voice string, speed float64, engine string) {
	speech, err := c.Synthesize(ctx, client.Request{
		Text:   text,
		Voice:  voice,
		Speed:  speed,
		Engine: engine,
	})
	if err != nil {
		fatal(err)
	}
	if err := speech.Save(out); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s: %.2fs of audio from %s (voice %s, %d Hz",
		out, speech.Duration.Seconds(), speech.EngineUsed, speech.Voice, speech.SampleRate)
	if speech.Cached {
		fmt.Print(", cached")
	}
	fmt.Println(")")
}

func listEngines(ctx context.Context, c *client.Client) {
	resp, err := c.Engines(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%d engines, %d available\n", resp.TotalEngines, resp.AvailableEngines)
	for _, e := range resp.Engines {
		status := "available"
		if !e.Available {
			status = "unavailable"
			if e.StatusMessage != "" {
				status += ": " + e.StatusMessage
			}
		}
		fmt.Printf("  %-12s priority=%-3d kind=%-6s %s\n", e.Name, e.Priority, e.Kind, status)
	}
}

func listVoices(ctx context.Context, c *client.Client) {
	resp, err := c.Voices(ctx)
	if err != nil {
		fatal(err)
	}
	for engineName, voiceList := range resp.Voices {
		fmt.Printf("%s:\n", engineName)
		if len(voiceList) == 0 {
			fmt.Println("  (engine default only)")
			continue
		}
		for _, v := range voiceList {
			fmt.Printf("  %-10s %s (%s)\n", v.ID, v.DisplayName, v.Language)
		}
	}
	if resp.Default != "" {
		fmt.Printf("default voice: %s\n", resp.Default)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
