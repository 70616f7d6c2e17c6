// Package features discovers navigable destinations on the UI surface and
// resolves free text to one of them.
package features

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var ErrNoSource = errors.New("no feature source has been scanned")

// DefaultStoplist holds generic or administrative link texts that are never
// offered as voice destinations. Matching is a case-insensitive substring test.
var DefaultStoplist = []string{
	"home", "login", "register", "logout", "profile", "user", "account",
	"settings", "privacy", "terms", "about", "contact", "help", "search",
	"language", "theme", "dark", "light",
}

// Feature is a discovered destination and the keywords that resolve to it.
type Feature struct {
	Name       string
	Route      string
	Keywords   []string
	Normalized string
}

// Index holds the features of the last scan and the keyword map built from
// them. Both are replaced wholesale on every scan.
type Index struct {
	mu       sync.RWMutex
	features []Feature
	commands map[string][]int
	source   Source
	scanned  bool
	stoplist []string
	log      *slog.Logger
}

type Option func(*Index)

// WithStoplist adds terms to DefaultStoplist.
func WithStoplist(extra ...string) Option {
	return func(ix *Index) {
		for _, term := range extra {
			if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
				ix.stoplist = append(ix.stoplist, term)
			}
		}
	}
}

func NewIndex(logger *slog.Logger, opts ...Option) *Index {
	ix := &Index{
		commands: make(map[string][]int),
		stoplist: append([]string(nil), DefaultStoplist...),
		log:      logger.With(slog.String("component", "feature-index")),
	}
	for _, opt := range opts {
		opt(ix)
	}
	if err := ix.initMetrics(); err != nil {
		ix.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return ix
}

// Scan enumerates src, rebuilds the index and returns the feature count.
// On error the previous index is kept.
func (ix *Index) Scan(ctx context.Context, src Source) (int, error) {
	links, err := src.Links(ctx)
	if err != nil {
		return 0, err
	}

	features := make([]Feature, 0, len(links))
	seen := make(map[string]struct{}, len(links))
	for _, link := range links {
		text := strings.Join(strings.Fields(link.Text), " ")
		route := strings.TrimSpace(link.Destination)
		if text == "" || route == "" || strings.HasPrefix(route, "#") {
			continue
		}
		if _, dup := seen[route]; dup {
			continue
		}
		if ix.excluded(text) {
			continue
		}
		seen[route] = struct{}{}
		f := Feature{
			Name:       text,
			Route:      route,
			Keywords:   GenerateKeywords(text),
			Normalized: strings.ToLower(text),
		}
		features = append(features, f)
		ix.log.Debug("found feature", slog.String("name", f.Name), slog.String("route", f.Route))
	}

	commands := buildCommandMap(features)

	ix.mu.Lock()
	ix.features = features
	ix.commands = commands
	ix.source = src
	ix.scanned = true
	ix.mu.Unlock()

	ix.log.Info("feature scan complete",
		slog.Int("features", len(features)),
		slog.Int("keywords", len(commands)))
	return len(features), nil
}

// Rescan repeats the last scan against the same source.
func (ix *Index) Rescan(ctx context.Context) (int, error) {
	ix.mu.RLock()
	src := ix.source
	ix.mu.RUnlock()
	if src == nil {
		return 0, ErrNoSource
	}
	return ix.Scan(ctx, src)
}

func (ix *Index) excluded(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range ix.stoplist {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// GenerateKeywords derives the search keys for a feature name: each token,
// the full phrase, the reversed phrase for two-token names and the initialism
// for multi-token names. Duplicates are dropped, first occurrence wins.
func GenerateKeywords(name string) []string {
	words := strings.Fields(strings.ToLower(name))
	if len(words) == 0 {
		return nil
	}
	var keywords []string
	set := make(map[string]struct{})
	add := func(k string) {
		if _, ok := set[k]; ok {
			return
		}
		set[k] = struct{}{}
		keywords = append(keywords, k)
	}

	for _, w := range words {
		add(w)
	}
	add(strings.Join(words, " "))
	if len(words) == 2 {
		add(words[1] + " " + words[0])
	}
	if len(words) > 1 {
		var abbr strings.Builder
		for _, w := range words {
			r, _ := utf8.DecodeRuneInString(w)
			abbr.WriteRune(r)
		}
		add(abbr.String())
	}
	return keywords
}

func buildCommandMap(features []Feature) map[string][]int {
	commands := make(map[string][]int)
	for i, f := range features {
		for _, kw := range f.Keywords {
			commands[kw] = append(commands[kw], i)
		}
	}
	return commands
}

// Match resolves input to a feature in three tiers: whole input as a key,
// any single token as a key, then the first feature with a keyword longer
// than one character contained in the input.
func (ix *Index) Match(input string) (Feature, bool) {
	lower := strings.ToLower(strings.TrimSpace(input))
	if lower == "" {
		return Feature{}, false
	}
	words := strings.Fields(lower)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if hits := ix.commands[strings.Join(words, " ")]; len(hits) > 0 {
		return ix.features[hits[0]], true
	}
	for _, w := range words {
		if hits := ix.commands[w]; len(hits) > 0 {
			return ix.features[hits[0]], true
		}
	}
	for _, f := range ix.features {
		for _, kw := range f.Keywords {
			if utf8.RuneCountInString(kw) > 1 && strings.Contains(lower, kw) {
				return f, true
			}
		}
	}
	return Feature{}, false
}

// Features returns the features of the last scan in scan order.
func (ix *Index) Features() []Feature {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Feature(nil), ix.features...)
}

// Lookup returns the features registered under keyword, in scan order.
func (ix *Index) Lookup(keyword string) []Feature {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	hits := ix.commands[keyword]
	out := make([]Feature, 0, len(hits))
	for _, i := range hits {
		out = append(out, ix.features[i])
	}
	return out
}

// Keywords returns the number of distinct keys in the command map.
func (ix *Index) Keywords() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.commands)
}

func (ix *Index) FeatureByRoute(route string) (Feature, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, f := range ix.features {
		if f.Route == route {
			return f, true
		}
	}
	return Feature{}, false
}

func (ix *Index) FeatureByName(name string) (Feature, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, f := range ix.features {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Feature{}, false
}

func (ix *Index) Scanned() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.scanned
}

func (ix *Index) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voicenav/features")
	featureGauge, err := meter.Int64ObservableGauge("voicenav.features.count", metric.WithDescription("Features discovered by the last scan"))
	if err != nil {
		return err
	}
	keywordGauge, err := meter.Int64ObservableGauge("voicenav.features.keywords", metric.WithDescription("Distinct keywords in the command map"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		ix.mu.RLock()
		features, keywords := len(ix.features), len(ix.commands)
		ix.mu.RUnlock()
		obs.ObserveInt64(featureGauge, int64(features))
		obs.ObserveInt64(keywordGauge, int64(keywords))
		return nil
	}, featureGauge, keywordGauge)
	return err
}
