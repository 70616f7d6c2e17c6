// Package formfill extracts form field values from spoken transcripts and
// commits them to fields bound by the hosting page.
package formfill

import (
	"regexp"
	"strings"
)

// Rule is one extraction pattern. The first capture group is the value.
// Normalize may rewrite the value or reject it, in which case the cascade
// moves on to the next rule.
type Rule struct {
	Name      string
	Pattern   *regexp.Regexp
	Normalize func(string) (string, bool)
}

// Cascade is an ordered list of rules; the first rule producing a
// non-empty value wins.
type Cascade []Rule

// Extract runs the cascade against text and returns the value and the name
// of the rule that produced it.
func (c Cascade) Extract(text string) (string, string, bool) {
	for _, rule := range c {
		m := rule.Pattern.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		value := strings.TrimSpace(m[1])
		if rule.Normalize != nil {
			var ok bool
			if value, ok = rule.Normalize(value); !ok {
				continue
			}
		}
		if value == "" {
			continue
		}
		return value, rule.Name, true
	}
	return "", "", false
}

var (
	spokenAt   = regexp.MustCompile(`\s+at\s+`)
	spokenDot  = regexp.MustCompile(`\s+dot\s+`)
	whitespace = regexp.MustCompile(`\s+`)
)

func keep(v string) (string, bool) { return v, true }

func stripSpaces(v string) string { return whitespace.ReplaceAllString(v, "") }

// requireAt accepts an address once internal whitespace is removed, if it
// contains an "@".
func requireAt(v string) (string, bool) {
	v = stripSpaces(v)
	return v, strings.Contains(v, "@")
}

// spelledEmail turns "john at example dot com" into "john@example.com".
func spelledEmail(v string) (string, bool) {
	v = spokenAt.ReplaceAllString(v, "@")
	v = spokenDot.ReplaceAllString(v, ".")
	return requireAt(v)
}

// personName rejects a bare article, as captured from "i am a farmer". This
// narrows first-capture-wins on purpose; see "Name extraction" in DESIGN.md.
func personName(v string) (string, bool) {
	v = strings.Join(strings.Fields(v), " ")
	switch v {
	case "", "a", "an":
		return "", false
	}
	return v, true
}

func alternation(words []string) string {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(strings.ToLower(w)); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	return strings.Join(quoted, "|")
}

func emailCascade(spelledBoundary string) Cascade {
	return Cascade{
		{Name: "literal address", Pattern: regexp.MustCompile(`([a-z0-9._+-]+@[a-z0-9.-]+\.[a-z]{2,})`), Normalize: keep},
		{Name: "email is", Pattern: regexp.MustCompile(`email\s+(?:is\s+)?([a-z0-9@._+-]+)(?:\s+(?:password|and|my)|$)`), Normalize: requireAt},
		{Name: "spelled out", Pattern: regexp.MustCompile(`(?:my )?email is (.+?)(?:` + spelledBoundary + `|$)`), Normalize: spelledEmail},
	}
}

func passwordCascade(boundary, myBoundary string) Cascade {
	return Cascade{
		{Name: "password is", Pattern: regexp.MustCompile(`password\s+(?:is\s+)?([a-z0-9!@#$%^&*]+)` + boundary), Normalize: keep},
		{Name: "my password", Pattern: regexp.MustCompile(`my password\s+(?:is\s+)?([a-z0-9!@#$%^&*]+)` + myBoundary), Normalize: keep},
	}
}

// registrationRules builds the registration cascades. Role words come from
// the default language profile; the surrounding vocabulary is English only.
func registrationRules(roles []string) map[FieldType]Cascade {
	r := alternation(roles)
	return map[FieldType]Cascade{
		FieldName: {
			{Name: "my name is", Pattern: regexp.MustCompile(`my name is\s+([a-z\s]+?)(?:\s+(?:and|my|i|am|password|email|` + r + `)|$)`), Normalize: personName},
			{Name: "i am", Pattern: regexp.MustCompile(`i am\s+([a-z\s]+?)(?:\s+(?:and|my|password|email|` + r + `)|$)`), Normalize: personName},
			{Name: "name", Pattern: regexp.MustCompile(`(?:my\s+)?name\s+(?:is\s+)?([a-z\s]+?)(?:\s+(?:and|my|i|password|email|` + r + `)|$)`), Normalize: personName},
		},
		FieldEmail: emailCascade(`\s+password|\s+and my|\s+i am`),
		FieldPassword: passwordCascade(
			`(?:\s+(?:`+r+`|and|i am)|$)`,
			`(?:\s+(?:`+r+`|and)|$)`,
		),
		FieldSection: {
			{Name: "i am a", Pattern: regexp.MustCompile(`(?:i am|as|register as|be|be a)\s+(?:a\s+)?(` + r + `)`), Normalize: keep},
			{Name: "section", Pattern: regexp.MustCompile(`(?:section|role|type|category)\s+(` + r + `)`), Normalize: keep},
		},
	}
}

func loginRules() map[FieldType]Cascade {
	return map[FieldType]Cascade{
		FieldEmail:    emailCascade(`\s+password|\s+and my|\s+my password`),
		FieldPassword: passwordCascade(`(?:\s+|$)`, `(?:\s+|$)`),
	}
}
