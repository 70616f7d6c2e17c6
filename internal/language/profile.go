package language

import (
	"fmt"
	"strings"
	"text/template"
)

// Message keys every profile must define.
const (
	MsgNavSuccess        = "navSuccess"
	MsgNavFailed         = "navFailed"
	MsgListening         = "listening"
	MsgListeningComplete = "listeningComplete"
	MsgFormUpdated       = "formUpdated"
	MsgNotSupported      = "notSupported"
	MsgCaptureError      = "captureError"
)

// Field keyword set names.
const (
	FieldName     = "name"
	FieldEmail    = "email"
	FieldPassword = "password"
	FieldSection  = "section"
	FieldRoles    = "roles"
)

// Template renders a message for the given params.
type Template interface {
	Render(params any) string
}

// Text is a constant message; params are ignored.
type Text string

func (t Text) Render(any) string { return string(t) }

// Func is a message computed from params. The caller must pass the shape
// the function expects.
type Func func(params any) string

func (f Func) Render(params any) string { return f(params) }

// Sprintf is a message with a single %s verb filled from the params.
func Sprintf(format string) Template {
	return Func(func(params any) string { return fmt.Sprintf(format, stringArg(params)) })
}

// parsed wraps a text/template loaded from a profile file.
type parsed struct {
	tmpl *template.Template
}

func (p parsed) Render(params any) string {
	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, params); err != nil {
		return ""
	}
	return sb.String()
}

// compileTemplate turns a raw message into a Template. Strings containing
// template actions become text/template programs.
func compileTemplate(key, raw string) (Template, error) {
	if !strings.Contains(raw, "{{") {
		return Text(raw), nil
	}
	tmpl, err := template.New(key).Option("missingkey=zero").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", key, err)
	}
	return parsed{tmpl: tmpl}, nil
}

// Profile is the per-language configuration. Treat it as immutable once it
// has been handed to a Registry.
type Profile struct {
	Code         string
	DisplayName  string
	TriggerWords []string
	Messages     map[string]Template
	Keywords     map[string][]string
}

func (p Profile) clone() Profile {
	out := Profile{
		Code:         p.Code,
		DisplayName:  p.DisplayName,
		TriggerWords: append([]string(nil), p.TriggerWords...),
		Messages:     make(map[string]Template, len(p.Messages)),
		Keywords:     make(map[string][]string, len(p.Keywords)),
	}
	for k, v := range p.Messages {
		out.Messages[k] = v
	}
	for k, v := range p.Keywords {
		out.Keywords[k] = append([]string(nil), v...)
	}
	return out
}

func stringArg(params any) string {
	switch v := params.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Builtin returns the shipped profiles. The first entry is the default.
func Builtin() []Profile {
	return []Profile{
		{
			Code:         "en-IN",
			DisplayName:  "English (India)",
			TriggerWords: []string{"open", "go to", "go", "show", "navigate", "take me to", "visit"},
			Messages: map[string]Template{
				MsgNavSuccess:        Sprintf("Opening %s page."),
				MsgNavFailed:         Text("Feature not found. Please try again."),
				MsgListening:         Text("Listening..."),
				MsgListeningComplete: Text("Done listening."),
				MsgFormUpdated:       Text("Form field updated!"),
				MsgNotSupported:      Text("Speech recognition not supported on this device."),
				MsgCaptureError:      Sprintf("Voice input error: %s"),
			},
			Keywords: map[string][]string{
				FieldName:     {"my name is", "i am", "name"},
				FieldEmail:    {"my email is", "email"},
				FieldPassword: {"password is", "my password"},
				FieldSection:  {"i am a", "i am", "as", "be a", "register as"},
				FieldRoles:    {"farmer", "retailer", "customer"},
			},
		},
		{
			Code:         "hi-IN",
			DisplayName:  "Hindi",
			TriggerWords: []string{"खोलें", "जाएं", "दिखाएं", "नेविगेट करें", "मुझे ले जाएं"},
			Messages: map[string]Template{
				MsgNavSuccess:        Sprintf("%s पृष्ठ खोल रहे हैं।"),
				MsgNavFailed:         Text("फीचर नहीं मिला। कृपया फिर से कोशिश करें।"),
				MsgListening:         Text("सुन रहे हैं..."),
				MsgListeningComplete: Text("सुनना पूरा हुआ।"),
				MsgFormUpdated:       Text("फ़ॉर्म फ़ील्ड अपडेट हो गया!"),
				MsgNotSupported:      Text("इस डिवाइस पर वॉइस पहचान समर्थित नहीं है।"),
				MsgCaptureError:      Sprintf("आवाज़ इनपुट में त्रुटि: %s"),
			},
			Keywords: map[string][]string{
				FieldName:     {"मेरा नाम है", "मैं हूँ", "नाम"},
				FieldEmail:    {"मेरा ईमेल है", "ईमेल"},
				FieldPassword: {"पासवर्ड है", "मेरा पासवर्ड"},
				FieldSection:  {"मैं एक", "मैं", "के रूप में", "एक"},
				FieldRoles:    {"किसान", "retailer", "ग्राहक"},
			},
		},
		{
			Code:         "mr-IN",
			DisplayName:  "Marathi",
			TriggerWords: []string{"उघडा", "जा", "दाखवा", "नेविगेट करा", "मुला जा"},
			Messages: map[string]Template{
				MsgNavSuccess:        Sprintf("%s पृष्ठ उघडत आहे।"),
				MsgNavFailed:         Text("वैशिष्ट्य सापडले नाही. कृपया पुन्हा प्रयत्न करा."),
				MsgListening:         Text("ऐकत आहे..."),
				MsgListeningComplete: Text("ऐकणे पूर्ण झाले."),
				MsgFormUpdated:       Text("फॉर्म फील्ड अपडेट झाले!"),
				MsgNotSupported:      Text("या डिव्हाइसवर आवाज ओळख समर्थित नाही."),
				MsgCaptureError:      Sprintf("आवाज इनपुटमध्ये त्रुटी: %s"),
			},
			Keywords: map[string][]string{
				FieldName:     {"माझे नाव आहे", "मी आहे", "नाव"},
				FieldEmail:    {"माझा ईमेल आहे", "ईमेल"},
				FieldPassword: {"पासवर्ड आहे", "माझा पासवर्ड"},
				FieldSection:  {"मी एक", "मी", "म्हणून", "एक"},
				FieldRoles:    {"शेतकरी", "retailer", "ग्राहक"},
			},
		},
	}
}
