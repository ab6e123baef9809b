// Package chat turns OpenAI-style message lists into prompt text.
package chat

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"

	"llamactx/pkg/types"
)

// Built-in template names.
const (
	TemplateChatML = "chatml"
	TemplateLlama3 = "llama3"
	TemplateGemma  = "gemma"
)

// FormatChat flattens multi-part contents: the text parts of a message are
// joined with newlines and other part types are dropped.
func FormatChat(messages []types.ChatMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Parts) == 0 {
			out = append(out, types.ChatMessage{Role: m.Role, Content: m.Content})
			continue
		}
		texts := make([]string, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		out = append(out, types.ChatMessage{Role: m.Role, Content: strings.Join(texts, "\n")})
	}
	return out
}

type builtin struct {
	tmpl *template.Template
	// mergeSystem folds system messages into the next user turn for models
	// that have no system role.
	mergeSystem bool
}

const chatmlSrc = `{{- range .Messages -}}
<|im_start|>{{ .Role }}
{{ .Content }}<|im_end|>
{{ end -}}
<|im_start|>assistant
`

const llama3Src = `<|begin_of_text|>
{{- range .Messages -}}
<|start_header_id|>{{ .Role }}<|end_header_id|>

{{ .Content | trim }}<|eot_id|>
{{- end -}}
<|start_header_id|>assistant<|end_header_id|>

`

const gemmaSrc = `<bos>
{{- range .Messages -}}
<start_of_turn>{{ if eq .Role "assistant" }}model{{ else }}{{ .Role }}{{ end }}
{{ .Content | trim }}<end_of_turn>
{{ end -}}
<start_of_turn>model
`

var builtins = map[string]builtin{
	TemplateChatML: {tmpl: mustParse(TemplateChatML, chatmlSrc)},
	TemplateLlama3: {tmpl: mustParse(TemplateLlama3, llama3Src)},
	TemplateGemma:  {tmpl: mustParse(TemplateGemma, gemmaSrc), mergeSystem: true},
}

func mustParse(name, src string) *template.Template {
	return template.Must(template.New(name).Funcs(sprig.TxtFuncMap()).Parse(src))
}

// Templates lists the built-in template names.
func Templates() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render formats messages with the named built-in template and appends the
// assistant generation prompt.
func Render(name string, messages []types.ChatMessage) (string, error) {
	b, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown chat template %q (available: %s)", name, strings.Join(Templates(), ", "))
	}
	msgs := FormatChat(messages)
	if b.mergeSystem {
		msgs = mergeSystem(msgs)
	}
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, struct{ Messages []types.ChatMessage }{msgs}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func mergeSystem(msgs []types.ChatMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(msgs))
	var pending []string
	for _, m := range msgs {
		if m.Role == "system" {
			pending = append(pending, m.Content)
			continue
		}
		if len(pending) > 0 && m.Role == "user" {
			m.Content = strings.Join(append(pending, m.Content), "\n\n")
			pending = nil
		}
		out = append(out, m)
	}
	if len(pending) > 0 {
		out = append(out, types.ChatMessage{Role: "user", Content: strings.Join(pending, "\n\n")})
	}
	return out
}
