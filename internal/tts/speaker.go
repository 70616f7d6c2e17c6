package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/bus"
	"github.com/loqalabs/loqa-voicenav/internal/protocol"
)

// SynthSpeaker drives a Synthesizer, cancelling the previous utterance
// before each new one. Chunks go to sink when one is set.
type SynthSpeaker struct {
	synth  Synthesizer
	voice  string
	sink   func(SynthChunk)
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
	wg     sync.WaitGroup
}

func NewSynthSpeaker(synth Synthesizer, voice string, sink func(SynthChunk), log *slog.Logger) *SynthSpeaker {
	return &SynthSpeaker{
		synth:  synth,
		voice:  voice,
		sink:   sink,
		logger: log.With(slog.String("component", "tts-speaker")),
	}
}

func (s *SynthSpeaker) Speak(ctx context.Context, text, language string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 45*time.Second)
	s.cancel = cancel
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(seq, cancel)

		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{Text: text, Language: language, Voice: s.voice})
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				if s.sink != nil {
					s.sink(chunk)
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("tts synthesis error", slogError(err))
				}
			}
		}
	}()
}

func (s *SynthSpeaker) release(seq uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	if s.seq == seq {
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Cancel stops the current utterance.
func (s *SynthSpeaker) Cancel() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Close cancels playback and waits for synthesis goroutines.
func (s *SynthSpeaker) Close() {
	s.Cancel()
	s.wg.Wait()
}

// BusSink returns a chunk sink that publishes synthesized audio for target
// on the bus, followed by a done status after the final chunk.
func BusSink(client *bus.Client, target string, log *slog.Logger) func(SynthChunk) {
	logger := log.With(slog.String("component", "tts-sink"))
	subject := protocol.AudioSubject(target)
	return func(chunk SynthChunk) {
		packet := protocol.AudioChunk{
			SessionID:  chunk.SessionID,
			Target:     target,
			SampleRate: chunk.SampleRate,
			Channels:   chunk.Channels,
			Sequence:   chunk.Sequence,
			PCM:        chunk.PCM,
			Final:      chunk.Final,
		}
		if err := client.PublishJSON(subject, packet); err != nil {
			logger.Warn("failed to publish tts chunk", slogError(err))
			return
		}
		if chunk.Final {
			done := protocol.TTSStatus{SessionID: chunk.SessionID, Target: target, Completed: true, Timestamp: time.Now().UTC()}
			if err := client.PublishJSON(protocol.SubjectTTSDone, done); err != nil {
				logger.Warn("failed to publish tts done", slogError(err))
			}
		}
	}
}

// BusSpeaker hands utterances to a TTS service on the bus.
type BusSpeaker struct {
	bus    *bus.Client
	voice  string
	target string
	logger *slog.Logger
}

func NewBusSpeaker(client *bus.Client, voice, target string, log *slog.Logger) *BusSpeaker {
	return &BusSpeaker{
		bus:    client,
		voice:  voice,
		target: target,
		logger: log.With(slog.String("component", "tts-bus")),
	}
}

func (b *BusSpeaker) Speak(_ context.Context, text, language string) {
	if text == "" {
		return
	}
	b.Cancel()
	req := protocol.TTSRequest{
		Text:      text,
		Language:  language,
		Voice:     b.voice,
		Target:    b.target,
		Timestamp: time.Now().UTC(),
	}
	if err := b.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		b.logger.Warn("failed to publish tts request", slogError(err))
	}
}

func (b *BusSpeaker) Cancel() {
	msg := protocol.TTSCancel{Target: b.target, Timestamp: time.Now().UTC()}
	if err := b.bus.PublishJSON(protocol.SubjectTTSCancel, msg); err != nil {
		b.logger.Warn("failed to publish tts cancel", slogError(err))
	}
}

// LogSpeaker only logs utterances. It stands in when speech output is
// disabled.
type LogSpeaker struct {
	logger *slog.Logger
}

func NewLogSpeaker(log *slog.Logger) LogSpeaker {
	return LogSpeaker{logger: log.With(slog.String("component", "tts-log"))}
}

func (l LogSpeaker) Speak(_ context.Context, text, language string) {
	l.logger.Info("speak", slog.String("text", text), slog.String("language", language))
}

func (LogSpeaker) Cancel() {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
