package retriever

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseMessageHeaders(t *testing.T) {
	raw := crlf(
		"From: =?utf-8?q?J=C3=BCrgen?= <juergen@example.de>",
		"To: a@example.com, B <b@example.com>",
		"Cc: c@example.com",
		"Reply-To: replies@example.de",
		"Subject: =?utf-8?b?R3LDvMOfZQ==?=",
		"Date: Wed, 01 May 2024 10:00:00 +0200",
		"Message-Id: <abc@example.de>",
		"",
		"hello",
	)

	msg, err := ParseMessage("7", raw)
	require.NoError(t, err)

	assert.Equal(t, mailer.MessageID("7"), msg.ID)
	assert.Equal(t, raw, msg.Raw)
	assert.Equal(t, "Grüße", msg.Header.Subject)
	assert.Equal(t, []mailer.Address{{Name: "Jürgen", Address: "juergen@example.de"}}, msg.Header.From)
	assert.Equal(t, []mailer.Address{{Address: "a@example.com"}, {Name: "B", Address: "b@example.com"}}, msg.Header.To)
	assert.Equal(t, []mailer.Address{{Address: "c@example.com"}}, msg.Header.CC)
	assert.Equal(t, []mailer.Address{{Address: "replies@example.de"}}, msg.Header.ReplyTo)
	assert.True(t, msg.Header.Date.Equal(time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "abc@example.de", msg.Header.MessageID)

	require.NotNil(t, msg.Root)
	assert.Equal(t, "text/plain", msg.Root.ContentType)
	assert.Equal(t, "us-ascii", msg.Root.Charset)
	assert.Equal(t, "hello", string(msg.Root.Payload))
}

func TestParseMessageMultipart(t *testing.T) {
	raw := crlf(
		"From: a@example.com",
		"Subject: report",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: multipart/alternative; boundary="inner"`,
		"",
		"--inner",
		"Content-Type: text/plain; charset=iso-8859-1",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"caf=E9",
		"--inner",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>café</p>",
		"--inner--",
		"--outer",
		`Content-Type: application/pdf; name="report.pdf"`,
		`Content-Disposition: attachment; filename="report.pdf"`,
		"Content-Transfer-Encoding: base64",
		"",
		"JVBE Ri0x",
		"--outer",
		"Content-Type: image/png",
		"Content-Disposition: inline; filename*=utf-8''%C3%A4.png",
		"",
		"PNG",
		"--outer--",
		"",
	)

	msg, err := ParseMessage("1", raw)
	require.NoError(t, err)

	root := msg.Root
	require.True(t, root.IsMultipart())
	assert.Equal(t, "multipart/mixed", root.ContentType)
	require.Len(t, root.Children, 3)

	alt := root.Children[0]
	assert.Equal(t, "multipart/alternative", alt.ContentType)
	require.Len(t, alt.Children, 2)
	assert.Equal(t, "iso-8859-1", alt.Children[0].Charset)
	assert.Equal(t, []byte("caf\xe9"), alt.Children[0].Payload, "charset is left to the transformer")
	assert.Equal(t, "text/html", alt.Children[1].ContentType)

	pdf := root.Children[1]
	assert.True(t, pdf.IsAttachment())
	assert.Equal(t, "report.pdf", pdf.Filename)
	assert.Equal(t, []byte("%PDF-1"), pdf.Payload)

	png := root.Children[2]
	assert.Equal(t, "inline", png.Disposition)
	assert.Equal(t, "ä.png", png.Filename)
	assert.Equal(t, "PNG", string(png.Payload))
}

func TestParseMessageDegradesGracefully(t *testing.T) {
	t.Run("empty multipart", func(t *testing.T) {
		msg, err := ParseMessage("1", crlf(
			`Content-Type: multipart/mixed; boundary="b"`,
			"",
			"no parts here",
		))
		require.NoError(t, err)
		assert.Equal(t, "text/plain", msg.Root.ContentType)
		assert.False(t, msg.Root.IsMultipart())
	})

	t.Run("broken base64", func(t *testing.T) {
		msg, err := ParseMessage("1", crlf(
			"Content-Type: text/plain",
			"Content-Transfer-Encoding: base64",
			"",
			"!!not base64!!",
		))
		require.NoError(t, err)
		assert.Equal(t, "!!not base64!!", string(msg.Root.Payload))
	})

	t.Run("no subject or sender", func(t *testing.T) {
		msg, err := ParseMessage("1", crlf("X-Custom: 1", "", "body"))
		require.NoError(t, err)
		assert.Empty(t, msg.Header.Subject)
		assert.Empty(t, msg.Header.From)
		assert.True(t, msg.Header.Date.IsZero())
	})

	t.Run("header only", func(t *testing.T) {
		_, err := ParseMessage("1", []byte("Subject: x\r\n\r\n"))
		require.NoError(t, err)
	})
}
