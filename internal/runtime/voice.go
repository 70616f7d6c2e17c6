package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/bus"
	"github.com/loqalabs/loqa-voicenav/internal/config"
	"github.com/loqalabs/loqa-voicenav/internal/features"
	"github.com/loqalabs/loqa-voicenav/internal/formfill"
	"github.com/loqalabs/loqa-voicenav/internal/language"
	"github.com/loqalabs/loqa-voicenav/internal/protocol"
	"github.com/loqalabs/loqa-voicenav/internal/router"
	"github.com/loqalabs/loqa-voicenav/internal/shell"
	"github.com/loqalabs/loqa-voicenav/internal/speech"
	"github.com/loqalabs/loqa-voicenav/internal/tts"
)

// Voice is the assembled voice pipeline of one host UI.
type Voice struct {
	Registry     *language.Registry
	Index        *features.Index
	Session      *speech.Session
	Router       *router.Router
	Shell        *shell.Shell
	Registration *formfill.Extractor
	Login        *formfill.Extractor

	bus     *bus.Client
	source  features.Source
	speaker tts.Speaker
	log     *slog.Logger
}

// buildVoice wires the pipeline from config. client may be nil when no
// component needs the bus.
func buildVoice(ctx context.Context, cfg config.Config, client *bus.Client, history shell.Recorder, logger *slog.Logger) (*Voice, error) {
	v := &Voice{bus: client, log: logger.With(slog.String("component", "voice"))}

	registry, err := loadRegistry(cfg.Languages, logger)
	if err != nil {
		return nil, err
	}
	v.Registry = registry

	v.Index = features.NewIndex(logger, features.WithStoplist(cfg.Features.Stoplist...))
	v.source = featureSource(cfg.Features)
	if n, err := v.Index.Scan(ctx, v.source); err != nil {
		v.log.Warn("feature scan failed, navigation disabled until rescan", slogError(err))
	} else {
		v.log.Info("features indexed", slog.Int("features", n))
	}

	provider, err := speechProvider(cfg.Speech, client, logger)
	if err != nil {
		return nil, err
	}
	v.Session = speech.NewSession(provider, logger,
		speech.WithLanguage(registry.Code()),
		speech.WithInterim(cfg.Speech.Interim))

	speaker, err := newSpeaker(cfg.TTS, client, logger)
	if err != nil {
		return nil, err
	}
	v.speaker = speaker

	roles := registry.Default().Keywords[language.FieldRoles]
	v.Registration = formfill.NewRegistration(roles, logger)
	v.Login = formfill.NewLogin(logger)

	v.Router = router.New(registry, v.Index, logger,
		router.WithNavigationDelay(time.Duration(cfg.Router.NavigationDelayMS)*time.Millisecond),
		router.WithSpeaker(speaker),
		router.WithForm(formfill.FormRegistration, v.Registration),
		router.WithForm(formfill.FormLogin, v.Login))
	v.Router.SetNavigator(v.navigate)

	opts := []shell.Option{
		shell.WithPage(cfg.Shell.Page),
		shell.WithFeedbackDurations(
			time.Duration(cfg.Shell.CommandFeedbackMS)*time.Millisecond,
			time.Duration(cfg.Shell.ListenFeedbackMS)*time.Millisecond),
	}
	if history != nil {
		opts = append(opts, shell.WithHistory(history))
	}
	if client != nil {
		opts = append(opts, shell.WithPublisher(client))
	}
	v.Shell = shell.New(v.Session, v.Router, registry, logger, opts...)
	v.bindForms(cfg.Shell.Page)
	return v, nil
}

func loadRegistry(cfg config.LanguagesConfig, logger *slog.Logger) (*language.Registry, error) {
	profiles := language.Builtin()
	if cfg.ProfilesPath != "" {
		extra, err := language.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			return nil, err
		}
		profiles = language.Merge(profiles, extra)
	}
	registry, err := language.NewRegistry(logger, profiles...)
	if err != nil {
		return nil, err
	}
	if cfg.Default != "" && cfg.Default != registry.Code() {
		if err := registry.SetLanguage(cfg.Default); err != nil {
			return nil, fmt.Errorf("languages.default: %w", err)
		}
	}
	return registry, nil
}

func featureSource(cfg config.FeaturesConfig) features.Source {
	if cfg.Source == "html" {
		return features.HTMLFile(cfg.Path)
	}
	return features.ManifestSource{Path: cfg.Path}
}

func speechProvider(cfg config.SpeechConfig, client *bus.Client, logger *slog.Logger) (speech.Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "mock":
		return speech.NewMockProvider(), nil
	case "exec":
		return speech.NewExecProvider(cfg.Command, logger)
	case "bus":
		if client == nil {
			return nil, errors.New("speech mode bus requires a bus connection")
		}
		return speech.NewBusProvider(client, logger), nil
	default:
		return nil, fmt.Errorf("unknown speech mode %q", cfg.Mode)
	}
}

// newSpeaker picks the speech output. Local synthesizers stream their audio
// to tts.audio.<target> when a bus is available.
func newSpeaker(cfg config.TTSConfig, client *bus.Client, logger *slog.Logger) (tts.Speaker, error) {
	if !cfg.Enabled {
		return tts.NewLogSpeaker(logger), nil
	}
	var sink func(tts.SynthChunk)
	if client != nil {
		sink = tts.BusSink(client, cfg.Target, logger)
	}
	switch cfg.Mode {
	case "mock":
		return tts.NewSynthSpeaker(tts.NewMockSynth(cfg.SampleRate, cfg.Channels), cfg.Voice, sink, logger), nil
	case "exec":
		synth, err := tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		return tts.NewSynthSpeaker(synth, cfg.Voice, sink, logger), nil
	case "bus":
		if client == nil {
			return nil, errors.New("tts mode bus requires a bus connection")
		}
		return tts.NewBusSpeaker(client, cfg.Voice, cfg.Target, logger), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func (v *Voice) navigate(route string) {
	msg := protocol.Navigation{SessionID: v.Session.ID(), Route: route, Timestamp: time.Now().UTC()}
	if f, ok := v.Index.FeatureByRoute(route); ok {
		msg.Feature = f.Name
	}
	v.publish(protocol.SubjectNavigate, msg)
}

// bindForms activates the extractor of page and deactivates the others.
// Committed values are published for the host page to apply.
func (v *Voice) bindForms(page string) {
	for _, ex := range []*formfill.Extractor{v.Registration, v.Login} {
		if ex.Form() != page {
			if ex.Active() {
				ex.UnregisterFields()
			}
			continue
		}
		bindings := make(map[formfill.FieldType]formfill.Field)
		for _, ft := range ex.Fields() {
			bindings[ft] = v.publishedField(ex.Form(), ft)
		}
		ex.RegisterFields(bindings)
	}
}

func (v *Voice) publishedField(form string, field formfill.FieldType) formfill.Field {
	return formfill.FuncField{Commit: func(value string) {
		v.publish(protocol.SubjectFormFill, protocol.FormFill{
			SessionID: v.Session.ID(),
			Form:      form,
			Field:     string(field),
			Value:     value,
			Timestamp: time.Now().UTC(),
		})
	}}
}

func (v *Voice) publish(subject string, msg any) {
	if v.bus == nil {
		return
	}
	if err := v.bus.PublishJSON(subject, msg); err != nil {
		v.log.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

// HandleCommand applies a user intent from the host UI.
func (v *Voice) HandleCommand(ctx context.Context, cmd protocol.VoiceCommand) error {
	switch cmd.Action {
	case "start":
		return v.Shell.Start(ctx)
	case "stop":
		return v.Shell.Stop()
	case "toggle":
		return v.Shell.Toggle(ctx)
	case "abort":
		return v.Session.Abort()
	case "language":
		return v.Shell.SetLanguage(cmd.Language)
	default:
		return fmt.Errorf("unknown voice command %q", cmd.Action)
	}
}

// HandlePageChange moves the routing context to a new page, binding its
// form and optionally rescanning the feature source.
func (v *Voice) HandlePageChange(ctx context.Context, change protocol.PageChange) error {
	v.Shell.SetPage(change.Page)
	v.bindForms(change.Page)
	if !change.Rescan {
		return nil
	}
	var n int
	var err error
	if v.Index.Scanned() {
		n, err = v.Index.Rescan(ctx)
	} else {
		n, err = v.Index.Scan(ctx, v.source)
	}
	if err != nil {
		return fmt.Errorf("rescan features: %w", err)
	}
	v.log.Info("features rescanned", slog.Int("features", n), slog.String("page", change.Page))
	return nil
}

// Close stops the pipeline and any speech output in flight.
func (v *Voice) Close() error {
	err := v.Shell.Close()
	v.speaker.Cancel()
	if s, ok := v.speaker.(*tts.SynthSpeaker); ok {
		s.Close()
	}
	return err
}
