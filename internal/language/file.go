package language

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type profileFile struct {
	Profiles []profileSpec `yaml:"profiles"`
}

type profileSpec struct {
	Code         string              `yaml:"code"`
	Name         string              `yaml:"name"`
	TriggerWords []string            `yaml:"trigger_words"`
	Messages     map[string]string   `yaml:"messages"`
	Keywords     map[string][]string `yaml:"keywords"`
}

// LoadProfiles reads additional profiles from a YAML file. Messages that
// contain template actions are compiled with text/template, so a navSuccess
// entry reads like "{{.}} பக்கம் திறக்கிறது".
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read language profiles: %w", err)
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse language profiles: %w", err)
	}
	out := make([]Profile, 0, len(file.Profiles))
	for _, spec := range file.Profiles {
		if spec.Code == "" {
			return nil, fmt.Errorf("language profile without code in %s", path)
		}
		p := Profile{
			Code:         spec.Code,
			DisplayName:  spec.Name,
			TriggerWords: spec.TriggerWords,
			Messages:     make(map[string]Template, len(spec.Messages)),
			Keywords:     spec.Keywords,
		}
		for key, raw := range spec.Messages {
			tmpl, err := compileTemplate(key, raw)
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", spec.Code, err)
			}
			p.Messages[key] = tmpl
		}
		out = append(out, p)
	}
	return out, nil
}

// Merge appends extra profiles to base, replacing base entries that share a
// code. The default (first) profile of base stays first.
func Merge(base []Profile, extra []Profile) []Profile {
	out := append([]Profile(nil), base...)
	for _, p := range extra {
		replaced := false
		for i := range out {
			if out[i].Code == p.Code {
				out[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, p)
		}
	}
	return out
}
