package formfill

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type FieldType string

const (
	FieldName     FieldType = "name"
	FieldEmail    FieldType = "email"
	FieldPassword FieldType = "password"
	FieldSection  FieldType = "section"
)

const (
	FormRegistration = "registration"
	FormLogin        = "login"
)

// DefaultRoles is used when no role vocabulary is supplied.
var DefaultRoles = []string{"farmer", "retailer", "customer"}

// Field is an input owned by the hosting page.
type Field interface {
	SetValue(value string)
	// NotifyChanged lets observers of the field react to the new value
	// before the next transcript is processed.
	NotifyChanged()
}

// Fill reports one committed value.
type Fill struct {
	Form  string
	Field FieldType
	Value string
	Rule  string
}

// LogValue keeps password values out of logs.
func (f Fill) LogValue() slog.Value {
	value := slog.String("value", f.Value)
	if f.Field == FieldPassword {
		value = slog.Int("length", len(f.Value))
	}
	return slog.GroupValue(
		slog.String("form", f.Form),
		slog.String("field", string(f.Field)),
		slog.String("rule", f.Rule),
		value,
	)
}

// Redacted returns the value safe for storage.
func (f Fill) Redacted() string {
	if f.Field == FieldPassword {
		return strings.Repeat("*", len(f.Value))
	}
	return f.Value
}

// Extractor fills the fields of one form. It is inert until fields are
// registered and again after UnregisterFields.
type Extractor struct {
	form  string
	order []FieldType
	rules map[FieldType]Cascade
	log   *slog.Logger
	fills metric.Int64Counter

	mu       sync.Mutex
	bindings map[FieldType]Field
	active   bool
}

// NewRegistration builds the registration extractor: name, email, password
// and role, in that order.
func NewRegistration(roles []string, logger *slog.Logger) *Extractor {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	return newExtractor(FormRegistration,
		[]FieldType{FieldName, FieldEmail, FieldPassword, FieldSection},
		registrationRules(roles), logger)
}

// NewLogin builds the login extractor: email then password.
func NewLogin(logger *slog.Logger) *Extractor {
	return newExtractor(FormLogin, []FieldType{FieldEmail, FieldPassword}, loginRules(), logger)
}

func newExtractor(form string, order []FieldType, rules map[FieldType]Cascade, logger *slog.Logger) *Extractor {
	e := &Extractor{
		form:  form,
		order: order,
		rules: rules,
		log:   logger.With(slog.String("component", "formfill"), slog.String("form", form)),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voicenav/formfill")
	counter, err := meter.Int64Counter("voicenav.formfill.fills", metric.WithDescription("Form field values committed from speech"))
	if err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	e.fills = counter
	return e
}

func (e *Extractor) Form() string { return e.form }

// Fields lists the field types this form extracts, in extraction order.
func (e *Extractor) Fields() []FieldType { return append([]FieldType(nil), e.order...) }

// Rules returns the cascade for field.
func (e *Extractor) Rules(field FieldType) Cascade { return e.rules[field] }

// RegisterFields activates the extractor. Bindings for field types the form
// does not know are ignored.
func (e *Extractor) RegisterFields(bindings map[FieldType]Field) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings = make(map[FieldType]Field, len(bindings))
	for ft, f := range bindings {
		if _, known := e.rules[ft]; !known || f == nil {
			continue
		}
		e.bindings[ft] = f
	}
	e.active = true
	e.log.Info("form fields registered", slog.Int("fields", len(e.bindings)))
}

// UnregisterFields deactivates the extractor and drops its bindings.
func (e *Extractor) UnregisterFields() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings = nil
	e.active = false
	e.log.Info("form fields unregistered")
}

func (e *Extractor) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// HandleTranscript extracts every bound field from text and commits the
// values. Fields are independent; a field with no matching rule is left
// untouched.
func (e *Extractor) HandleTranscript(text string) []Fill {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		e.log.Debug("transcript ignored, form not active")
		return nil
	}
	bindings := make(map[FieldType]Field, len(e.bindings))
	for k, v := range e.bindings {
		bindings[k] = v
	}
	e.mu.Unlock()

	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return nil
	}

	var fills []Fill
	for _, ft := range e.order {
		field, bound := bindings[ft]
		if !bound {
			continue
		}
		value, rule, ok := e.rules[ft].Extract(lower)
		if !ok {
			continue
		}
		field.SetValue(value)
		field.NotifyChanged()
		fill := Fill{Form: e.form, Field: ft, Value: value, Rule: rule}
		fills = append(fills, fill)
		e.log.Info("filled field", slog.Any("fill", fill))
		if e.fills != nil {
			e.fills.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("form", e.form),
				attribute.String("field", string(ft)),
			))
		}
	}
	return fills
}

// Input is a Field holding its value in memory with change observers.
type Input struct {
	mu        sync.Mutex
	value     string
	observers []func(string)
}

func (i *Input) SetValue(value string) {
	i.mu.Lock()
	i.value = value
	i.mu.Unlock()
}

func (i *Input) NotifyChanged() {
	i.mu.Lock()
	value := i.value
	observers := append([]func(string){}, i.observers...)
	i.mu.Unlock()
	for _, fn := range observers {
		fn(value)
	}
}

func (i *Input) Value() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

// Observe registers fn for change notifications.
func (i *Input) Observe(fn func(string)) {
	i.mu.Lock()
	i.observers = append(i.observers, fn)
	i.mu.Unlock()
}

// FuncField adapts a commit function to Field. Changed may be nil.
type FuncField struct {
	Commit  func(string)
	Changed func()
}

func (f FuncField) SetValue(value string) {
	if f.Commit != nil {
		f.Commit(value)
	}
}

func (f FuncField) NotifyChanged() {
	if f.Changed != nil {
		f.Changed()
	}
}
