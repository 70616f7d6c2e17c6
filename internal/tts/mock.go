package tts

import (
	"context"
	"sync"
	"time"
)

// MockSynth records requests and produces one empty final chunk after a
// short delay.
type MockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration

	mu       sync.Mutex
	requests []SynthRequest
}

func NewMockSynth(sampleRate, channels int) *MockSynth {
	return &MockSynth{sampleRate: sampleRate, channels: channels, delay: 50 * time.Millisecond}
}

// WithDelay sets how long each utterance takes.
func (m *MockSynth) WithDelay(d time.Duration) *MockSynth {
	m.delay = d
	return m
}

// Requests returns every request seen so far.
func (m *MockSynth) Requests() []SynthRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SynthRequest(nil), m.requests...)
}

func (m *MockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        []byte{},
			Final:      true,
		}
	}()
	return chunks, errs
}
