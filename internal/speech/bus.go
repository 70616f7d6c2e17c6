package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/bus"
	"github.com/loqalabs/loqa-voicenav/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusProvider consumes transcripts published by an upstream STT service.
// Start publishes a start control message and follows stt.text.partial,
// stt.text.final and stt.status for the stream's session id.
type BusProvider struct {
	bus *bus.Client
	log *slog.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	handler Handler
	cfg     StreamConfig
	results []Result
}

func NewBusProvider(client *bus.Client, logger *slog.Logger) *BusProvider {
	return &BusProvider{bus: client, log: logger.With(slog.String("component", "speech-bus"))}
}

func (b *BusProvider) Supported() bool { return b.bus.Healthy() }

func (b *BusProvider) Start(_ context.Context, cfg StreamConfig, h Handler) error {
	b.mu.Lock()
	if b.sub != nil {
		b.mu.Unlock()
		return ErrStreamActive
	}
	// A single wildcard subscription keeps partial, final and status
	// messages in publish order.
	sub, err := b.bus.Conn().Subscribe(protocol.SubjectSpeechPrefix+".>", b.handleMsg)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	b.sub = sub
	b.handler = h
	b.cfg = cfg
	b.results = nil
	b.mu.Unlock()

	if err := b.control("start"); err != nil {
		b.detach()
		return err
	}
	h.HandleStart()
	return nil
}

func (b *BusProvider) control(action string) error {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()
	return b.bus.PublishJSON(protocol.SubjectSpeechControl, protocol.SpeechControl{
		SessionID: cfg.SessionID,
		Action:    action,
		Language:  cfg.Language,
		Interim:   cfg.Interim,
		Timestamp: time.Now().UTC(),
	})
}

func (b *BusProvider) handleMsg(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			b.log.Warn("failed to decode transcript", slogError(err))
			return
		}
		b.handleTranscript(tr, msg.Subject == protocol.SubjectTranscriptFinal)
	case protocol.SubjectSpeechStatus:
		var st protocol.SpeechStatus
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			b.log.Warn("failed to decode speech status", slogError(err))
			return
		}
		b.handleStatus(st)
	}
}

func (b *BusProvider) ours(sessionID string) (Handler, bool) {
	if b.handler == nil {
		return nil, false
	}
	return b.handler, sessionID == "" || sessionID == b.cfg.SessionID
}

func (b *BusProvider) handleTranscript(tr protocol.Transcript, final bool) {
	b.mu.Lock()
	h, ok := b.ours(tr.SessionID)
	if !ok {
		b.mu.Unlock()
		return
	}
	if !final && !b.cfg.Interim {
		b.mu.Unlock()
		return
	}
	r := Result{Text: tr.Text, Final: final && !tr.Partial, Confidence: tr.Confidence}
	if n := len(b.results); n > 0 && !b.results[n-1].Final {
		b.results[n-1] = r
	} else {
		b.results = append(b.results, r)
	}
	index := len(b.results) - 1
	snapshot := append([]Result(nil), b.results...)
	b.mu.Unlock()
	h.HandleResult(index, snapshot)
}

func (b *BusProvider) handleStatus(st protocol.SpeechStatus) {
	b.mu.Lock()
	h, ok := b.ours(st.SessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	switch st.State {
	case "error":
		h.HandleError(st.ErrorCode)
	case "end":
		if b.detach() {
			h.HandleEnd()
		}
	}
}

// detach drops the subscription; it reports whether one was active.
func (b *BusProvider) detach() bool {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.handler = nil
	b.results = nil
	b.mu.Unlock()
	if sub == nil {
		return false
	}
	_ = sub.Unsubscribe()
	return true
}

// Stop asks the upstream recognizer to flush; the stream ends when it
// reports an end status.
func (b *BusProvider) Stop() error {
	b.mu.Lock()
	active := b.sub != nil
	b.mu.Unlock()
	if !active {
		return nil
	}
	return b.control("stop")
}

func (b *BusProvider) Abort() error {
	b.mu.Lock()
	h := b.handler
	active := b.sub != nil
	b.mu.Unlock()
	if !active {
		return nil
	}
	err := b.control("abort")
	if b.detach() && h != nil {
		h.HandleEnd()
	}
	return err
}
