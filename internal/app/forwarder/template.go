package forwarder

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"html"
	"strings"
	"text/template"
	"time"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

const defaultPreambleContent = `
{{- define "addresses" -}}
	{{- range $idx, $address := . -}}
		{{- if ne $idx 0 }}, {{ end -}}
		{{- $address -}}
	{{- end -}}
{{- end -}}

---------- Forwarded message ----------
{{ if .From }}From: {{ template "addresses" .From }}
{{ end }}
{{- if not .Date.IsZero }}Date: {{ .Date.Format "Mon, 02 Jan 2006 15:04:05 -0700" }}
{{ end }}
{{- if .Subject }}Subject: {{ .Subject }}
{{ end }}
{{- if .To }}To: {{ template "addresses" .To }}
{{ end }}
{{- if .CC }}Cc: {{ template "addresses" .CC }}
{{ end }}
{{- if .HasOriginal }}
Original email is attached as .eml file.
{{ end }}`

// preambleData is the value preamble templates are executed with.
type preambleData struct {
	From        []mailer.Address
	To          []mailer.Address
	CC          []mailer.Address
	Subject     string
	Date        time.Time
	HasOriginal bool
}

var (
	defaultTemplateFuncs = template.FuncMap{
		"escapeHTML": html.EscapeString,
		"join":       strings.Join,
		"replaceAll": strings.ReplaceAll,
		"upper":      strings.ToUpper,
		"lower":      strings.ToLower,
		"contains":   strings.Contains,
		"trimSpace":  strings.TrimSpace,
		"htmlstring": htmlToText,
	}
	defaultTemplateName = "default"
	defaultTemplate     = template.Must(
		template.
			New(defaultTemplateName).
			Funcs(defaultTemplateFuncs).
			Parse(defaultPreambleContent),
	)
)

func parsePreambleTemplate(templateContent string) (*template.Template, error) {
	if templateContent == "" {
		return defaultTemplate, nil
	}

	tmpl, err := template.
		New(templateHash(templateContent)).
		Funcs(defaultTemplateFuncs).
		Parse(templateContent)
	if err != nil {
		return nil, fmt.Errorf("custom template parsing: %w", err)
	}

	return tmpl, nil
}

func renderPreamble(tmpl *template.Template, data preambleData) (string, error) {
	var buf bytes.Buffer

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("preamble template rendering: %w", err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// preambleHTML renders plain text preamble as a block placed above HTML body.
func preambleHTML(preamble string) string {
	return "<pre>" + html.EscapeString(preamble) + "</pre>\n"
}

// prependHTML inserts block right after the opening body tag of a full
// document, or in front of body when it is a fragment.
func prependHTML(body, block string) string {
	lower := strings.ToLower(body)
	for from := 0; ; {
		i := strings.Index(lower[from:], "<body")
		if i < 0 {
			return block + body
		}
		i += from

		rest := lower[i+len("<body"):]
		if rest != "" && (rest[0] == '>' || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '\r') {
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				return block + body
			}
			at := i + len("<body") + end + 1
			return body[:at] + block + body[at:]
		}
		from = i + len("<body")
	}
}

func templateHash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))

	return fmt.Sprintf("%08x", h.Sum32())
}
