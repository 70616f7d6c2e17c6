package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/bus"
	"github.com/loqalabs/loqa-voicenav/internal/config"
	"github.com/loqalabs/loqa-voicenav/internal/natsserver"
	"github.com/loqalabs/loqa-voicenav/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSpeakCancelsPriorUtterance(t *testing.T) {
	synth := NewMockSynth(22050, 1).WithDelay(100 * time.Millisecond)
	chunks := make(chan SynthChunk, 4)
	speaker := NewSynthSpeaker(synth, "asha", func(c SynthChunk) { chunks <- c }, newLogger())

	speaker.Speak(context.Background(), "Opening Market page.", "en-IN")
	speaker.Speak(context.Background(), "बाज़ार पृष्ठ खोल रहे हैं।", "hi-IN")

	select {
	case <-chunks:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the second utterance to complete")
	}
	speaker.Close()
	if len(chunks) != 0 {
		t.Fatalf("expected the first utterance to be cancelled, got %d extra chunks", len(chunks))
	}

	reqs := synth.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	var hindi *SynthRequest
	for i := range reqs {
		if reqs[i].Language == "hi-IN" {
			hindi = &reqs[i]
		}
	}
	if hindi == nil || hindi.Voice != "asha" {
		t.Fatalf("unexpected requests %+v", reqs)
	}
}

func TestSpeakIgnoresEmptyText(t *testing.T) {
	synth := NewMockSynth(22050, 1)
	speaker := NewSynthSpeaker(synth, "", nil, newLogger())
	speaker.Speak(context.Background(), "", "en-IN")
	speaker.Close()
	if len(synth.Requests()) != 0 {
		t.Fatal("empty text must not be synthesized")
	}
}

func TestExecSynth(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "synth.sh")
	body := "read line\nprintf '{\"pcm_base64\":\"AAE=\",\"final\":true}\\n'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	synth, err := NewExecSynth("sh "+script, 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hello", Language: "en-IN"})
	var got []SynthChunk
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.Fatalf("synthesize: %v", err)
			}
		}
	}
	if len(got) != 1 || !got[0].Final || len(got[0].PCM) != 2 || got[0].SampleRate != 16000 {
		t.Fatalf("unexpected chunks %+v", got)
	}
}

func TestBusSpeakerPublishesCancelThenRequest(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}}, "tts-test", newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	sub, err := client.Conn().SubscribeSync("tts.>")
	if err != nil {
		t.Fatal(err)
	}
	speaker := NewBusSpeaker(client, "asha", "kiosk", newLogger())
	speaker.Speak(context.Background(), "Opening Market page.", "en-IN")

	first, err := sub.NextMsg(2 * time.Second)
	if err != nil || first.Subject != protocol.SubjectTTSCancel {
		t.Fatalf("expected cancel first, got %v (%v)", first, err)
	}
	second, err := sub.NextMsg(2 * time.Second)
	if err != nil || second.Subject != protocol.SubjectTTSRequest {
		t.Fatalf("expected request, got %v (%v)", second, err)
	}
	var req protocol.TTSRequest
	if err := json.Unmarshal(second.Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.Text != "Opening Market page." || req.Language != "en-IN" || req.Target != "kiosk" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestBusSinkPublishesChunksAndDone(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}}, "tts-test", newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	sub, err := client.Conn().SubscribeSync("tts.>")
	if err != nil {
		t.Fatal(err)
	}
	speaker := NewSynthSpeaker(NewMockSynth(22050, 1).WithDelay(0), "asha", BusSink(client, "kiosk", newLogger()), newLogger())
	t.Cleanup(speaker.Close)
	speaker.Speak(context.Background(), "Opening Market page.", "en-IN")

	first, err := sub.NextMsg(2 * time.Second)
	if err != nil || first.Subject != "tts.audio.kiosk" {
		t.Fatalf("expected audio chunk first, got %v (%v)", first, err)
	}
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(first.Data, &chunk); err != nil {
		t.Fatal(err)
	}
	if !chunk.Final || chunk.SampleRate != 22050 || chunk.Target != "kiosk" {
		t.Fatalf("unexpected chunk %+v", chunk)
	}
	second, err := sub.NextMsg(2 * time.Second)
	if err != nil || second.Subject != protocol.SubjectTTSDone {
		t.Fatalf("expected done status, got %v (%v)", second, err)
	}
}
