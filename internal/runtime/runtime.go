package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/bus"
	"github.com/loqalabs/loqa-voicenav/internal/config"
	"github.com/loqalabs/loqa-voicenav/internal/eventstore"
	"github.com/loqalabs/loqa-voicenav/internal/natsserver"
	"github.com/loqalabs/loqa-voicenav/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats  *natsserver.EmbeddedServer
	bus   *bus.Client
	store *eventstore.Store
	voice *Voice
	subs  []*nats.Subscription
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metrics

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	voice, err := buildVoice(ctx, r.cfg, r.bus, store, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("build voice pipeline: %w", err)
	}
	r.voice = voice

	if err := r.subscribe(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

// subscribe follows host UI intents on the bus.
func (r *Runtime) subscribe(ctx context.Context) error {
	log := r.logger.With(slog.String("component", "runtime"))
	cmdSub, err := r.bus.Conn().Subscribe(protocol.SubjectVoiceCommand, func(msg *nats.Msg) {
		var cmd protocol.VoiceCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Warn("failed to decode voice command", slogError(err))
			return
		}
		if err := r.voice.HandleCommand(ctx, cmd); err != nil {
			log.Warn("voice command failed", slog.String("action", cmd.Action), slogError(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe voice commands: %w", err)
	}
	r.subs = append(r.subs, cmdSub)

	pageSub, err := r.bus.Conn().Subscribe(protocol.SubjectPageChange, func(msg *nats.Msg) {
		var change protocol.PageChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			log.Warn("failed to decode page change", slogError(err))
			return
		}
		if err := r.voice.HandlePageChange(ctx, change); err != nil {
			log.Warn("page change failed", slog.String("page", change.Page), slogError(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe page changes: %w", err)
	}
	r.subs = append(r.subs, pageSub)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// shutdown releases whatever Start managed to bring up, newest first.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	if r.voice != nil {
		if err := r.voice.Close(); err != nil {
			r.logger.Warn("voice shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.tracerClose = nil
	}
}

func (r *Runtime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/state", r.handleState)
	mux.HandleFunc("GET /v1/languages", r.handleLanguages)
	mux.HandleFunc("GET /v1/features", r.handleFeatures)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleSession)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.voice.Shell.State())
}

func (r *Runtime) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.voice.Shell.LanguageMenu())
}

func (r *Runtime) handleFeatures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.voice.Index.Features())
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.RecentSessions(req.Context(), queryLimit(req))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	interactions, err := r.store.ListSession(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(interactions) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, interactions)
}

func queryLimit(req *http.Request) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
