package forwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

func TestRenderDefaultPreamble(t *testing.T) {
	data := preambleData{
		From:    []mailer.Address{{Name: "Alice", Address: "alice@example.com"}},
		To:      []mailer.Address{{Address: "relay@example.com"}, {Name: "Bob", Address: "bob@example.com"}},
		Subject: "Testing templates",
		Date:    time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC),
	}

	want := `---------- Forwarded message ----------
From: Alice <alice@example.com>
Date: Wed, 01 May 2024 10:00:00 +0000
Subject: Testing templates
To: relay@example.com, Bob <bob@example.com>`

	got, err := renderPreamble(defaultTemplate, data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRenderDefaultPreambleSkipsEmptyFields(t *testing.T) {
	got, err := renderPreamble(defaultTemplate, preambleData{
		CC:          []mailer.Address{{Address: "cc@example.com"}},
		HasOriginal: true,
	})
	require.NoError(t, err)

	want := `---------- Forwarded message ----------
Cc: cc@example.com

Original email is attached as .eml file.`
	assert.Equal(t, want, got)
}

func TestCustomPreamble(t *testing.T) {
	tmpl, err := parsePreambleTemplate(`Relayed: {{ upper .Subject }}{{ range .From }} from {{ .Address }}{{ end }}`)
	require.NoError(t, err)

	got, err := renderPreamble(tmpl, preambleData{
		Subject: "quarterly report",
		From:    []mailer.Address{{Address: "cfo@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Relayed: QUARTERLY REPORT from cfo@example.com", got)

	_, err = parsePreambleTemplate("{{ .Subject")
	assert.ErrorContains(t, err, "custom template parsing")

	tmpl, err = parsePreambleTemplate("{{ .Missing }}")
	require.NoError(t, err)
	_, err = renderPreamble(tmpl, preambleData{})
	assert.ErrorContains(t, err, "preamble template rendering")
}

func TestPreambleHTML(t *testing.T) {
	assert.Equal(t, "<pre>From: A &lt;a@example.com&gt;</pre>\n", preambleHTML("From: A <a@example.com>"))
}

func TestPrependHTML(t *testing.T) {
	const block = "<pre>x</pre>\n"

	tests := []struct {
		name string
		body string
		want string
	}{
		{"fragment", "<p>hi</p>", "<pre>x</pre>\n<p>hi</p>"},
		{
			"document",
			"<!DOCTYPE html><html><head></head><body><p>hi</p></body></html>",
			"<!DOCTYPE html><html><head></head><body><pre>x</pre>\n<p>hi</p></body></html>",
		},
		{
			"body attributes",
			"<HTML><BODY class=\"mail\">\n<p>hi</p></BODY></HTML>",
			"<HTML><BODY class=\"mail\"><pre>x</pre>\n\n<p>hi</p></BODY></HTML>",
		},
		{
			"lookalike tag",
			"<html><bodyguard></bodyguard><body><p>hi</p></body></html>",
			"<html><bodyguard></bodyguard><body><pre>x</pre>\n<p>hi</p></body></html>",
		},
		{"unterminated tag", "<html><body", "<pre>x</pre>\n<html><body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, prependHTML(tt.body, block))
		})
	}
}

func TestTemplateHash(t *testing.T) {
	assert.Equal(t, templateHash("a"), templateHash("a"))
	assert.NotEqual(t, templateHash("a"), templateHash("b"))
	assert.Len(t, templateHash("anything"), 8)
}
