// Package language holds per-language trigger words, message templates and
// form keyword sets, with one active profile at a time.
package language

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownLanguage = errors.New("language not supported")

// Registry owns the known profiles and the active selection. The first
// profile given to NewRegistry is the default and defines the message keys
// and field types every other profile must carry.
type Registry struct {
	mu          sync.RWMutex
	profiles    map[string]Profile
	order       []string
	defaultCode string
	current     string
	log         *slog.Logger
}

func NewRegistry(logger *slog.Logger, profiles ...Profile) (*Registry, error) {
	if len(profiles) == 0 {
		return nil, errors.New("at least one language profile is required")
	}
	r := &Registry{
		profiles: make(map[string]Profile, len(profiles)),
		log:      logger.With(slog.String("component", "language")),
	}
	def := profiles[0]
	for _, p := range profiles {
		if p.Code == "" {
			return nil, errors.New("language profile code must not be empty")
		}
		if err := conforms(def, p); err != nil {
			return nil, err
		}
		if _, exists := r.profiles[p.Code]; !exists {
			r.order = append(r.order, p.Code)
		}
		r.profiles[p.Code] = p.clone()
	}
	r.defaultCode = def.Code
	r.current = def.Code
	return r, nil
}

// conforms checks that p defines every message key and field type of def.
func conforms(def, p Profile) error {
	var missing []string
	for key := range def.Messages {
		if _, ok := p.Messages[key]; !ok {
			missing = append(missing, "message:"+key)
		}
	}
	for field := range def.Keywords {
		if _, ok := p.Keywords[field]; !ok {
			missing = append(missing, "keywords:"+field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("language profile %s is missing %s", p.Code, strings.Join(missing, ", "))
	}
	return nil
}

// SetLanguage activates a known profile. Unknown codes leave the active
// profile untouched.
func (r *Registry) SetLanguage(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[code]
	if !ok {
		r.log.Warn("language not supported", slog.String("code", code))
		return fmt.Errorf("%w: %s", ErrUnknownLanguage, code)
	}
	r.current = code
	r.log.Info("language changed", slog.String("code", code), slog.String("name", p.DisplayName))
	return nil
}

func (r *Registry) Code() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Current returns a copy of the active profile.
func (r *Registry) Current() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[r.current].clone()
}

// Default returns a copy of the default profile.
func (r *Registry) Default() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[r.defaultCode].clone()
}

func (r *Registry) Profile(code string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[code]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// Available lists the profiles in registration order.
func (r *Registry) Available() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.profiles[code].clone())
	}
	return out
}

func (r *Registry) TriggerWords() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.profiles[r.current].TriggerWords...)
}

// Message renders key for the active profile. Unknown keys yield "".
func (r *Registry) Message(key string, params any) string {
	r.mu.RLock()
	tmpl, ok := r.profiles[r.current].Messages[key]
	r.mu.RUnlock()
	if !ok || tmpl == nil {
		return ""
	}
	return tmpl.Render(params)
}

// FormKeywords returns the keyword set for fieldType, empty when unknown.
func (r *Registry) FormKeywords(fieldType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.profiles[r.current].Keywords[fieldType]...)
}

// MatchesKeyword reports whether text contains any keyword of fieldType.
func (r *Registry) MatchesKeyword(text, fieldType string) bool {
	lower := strings.ToLower(text)
	for _, kw := range r.FormKeywords(fieldType) {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
