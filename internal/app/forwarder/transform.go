package forwarder

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"jaytaylor.com/html2text"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/mailer"
)

const (
	NoSubject   = "(no subject)"
	NoBody      = "(This message has no displayable body.)"
	OriginalEML = "original_message.eml"

	displaySubjectLength = 60
)

// Options control how source messages are turned into relayed ones.
type Options struct {
	From                   mailer.Address   // Relay account, used as From unless original sender is preserved.
	To                     []mailer.Address // Relay recipients.
	SubjectPrefix          string
	PreserveOriginalSender bool
	AttachOriginal         bool
	PlainFromHTML          bool
	ForwardPreamble        bool
	PreambleTemplate       string // Custom text/template for the preamble, default one is used if empty.
}

// OptionsFromConfig builds transformer options out of destination and relay settings.
func OptionsFromConfig(dst config.DestinationConfig, relay config.RelayConfig) (Options, error) {
	from, err := mail.ParseAddress(dst.From)
	if err != nil {
		return Options{}, fmt.Errorf("parse destination.from %q: %w", dst.From, err)
	}

	to, err := mail.ParseAddressList(dst.To)
	if err != nil {
		return Options{}, fmt.Errorf("parse destination.to %q: %w", dst.To, err)
	}

	opts := Options{
		From:                   mailer.Address{Name: from.Name, Address: from.Address},
		PreserveOriginalSender: relay.PreserveOriginalSender,
		AttachOriginal:         relay.AttachOriginal,
		PreambleTemplate:       relay.PreambleTemplate,
	}
	for _, addr := range to {
		opts.To = append(opts.To, mailer.Address{Name: addr.Name, Address: addr.Address})
	}
	if relay.SubjectPrefix != nil {
		opts.SubjectPrefix = *relay.SubjectPrefix
	}
	if relay.PlainFromHTML != nil {
		opts.PlainFromHTML = *relay.PlainFromHTML
	}
	if relay.ForwardPreamble != nil {
		opts.ForwardPreamble = *relay.ForwardPreamble
	}

	return opts, nil
}

// Transformer converts raw source messages into outbound ones.
// Transform depends only on its input and construction options.
type Transformer struct {
	opts     Options
	preamble *template.Template
}

func NewTransformer(opts Options) (*Transformer, error) {
	t := &Transformer{opts: opts}

	if opts.ForwardPreamble {
		tmpl, err := parsePreambleTemplate(opts.PreambleTemplate)
		if err != nil {
			return nil, err
		}
		t.preamble = tmpl
	}

	return t, nil
}

// Transform builds outbound message. Errors are reported only for
// custom preamble templates which fail to render.
func (t *Transformer) Transform(raw *mailer.RawMessage) (*mailer.OutboundMessage, error) {
	out := &mailer.OutboundMessage{
		SourceID:          raw.ID,
		From:              t.opts.From,
		To:                t.opts.To,
		Subject:           t.Subject(raw.Header.Subject),
		OriginalMessageID: raw.Header.MessageID,
	}

	switch {
	case t.opts.PreserveOriginalSender && len(raw.Header.From) > 0:
		out.From = raw.Header.From[0]
		out.ReplyTo = raw.Header.ReplyTo
	case len(raw.Header.ReplyTo) > 0:
		out.ReplyTo = raw.Header.ReplyTo
	default:
		out.ReplyTo = raw.Header.From
	}

	c := &collector{}
	if raw.Root != nil {
		c.walk(raw.Root)
	}
	out.Body = c.body
	out.Attachments = c.attachments

	if out.Body.Plain == "" && out.Body.HTML != "" && t.opts.PlainFromHTML {
		out.Body.Plain = htmlToText(out.Body.HTML)
	}
	if out.Body.Plain == "" && out.Body.HTML == "" {
		out.Body.Plain = NoBody
	}

	if t.preamble != nil {
		if err := t.prependPreamble(out, raw.Header); err != nil {
			return nil, err
		}
	}

	if t.opts.AttachOriginal {
		out.Attachments = append(out.Attachments, mailer.Attachment{
			Filename: OriginalEML,
			MIMEType: "message/rfc822",
			Data:     raw.Raw,
		})
	}

	return out, nil
}

// Subject returns sanitized source subject with relay prefix.
// Applying it to its own output yields the same value.
func (t *Transformer) Subject(subject string) string {
	subject = SanitizeSubject(subject)
	if subject == "" {
		subject = NoSubject
	}

	prefix := SanitizeSubject(t.opts.SubjectPrefix)
	if prefix == "" || hasPrefixFold(subject, prefix) {
		return subject
	}

	// Prefix sanitization trims the separating space.
	if strings.HasSuffix(t.opts.SubjectPrefix, " ") {
		prefix += " "
	}

	return prefix + subject
}

func (t *Transformer) prependPreamble(out *mailer.OutboundMessage, h mailer.Header) error {
	preamble, err := renderPreamble(t.preamble, preambleData{
		From:        h.From,
		To:          h.To,
		CC:          h.CC,
		Subject:     SanitizeSubject(h.Subject),
		Date:        h.Date,
		HasOriginal: t.opts.AttachOriginal,
	})
	if err != nil {
		return err
	}

	if out.Body.Plain != "" {
		out.Body.Plain = preamble + "\n\n" + out.Body.Plain
	}
	if out.Body.HTML != "" {
		out.Body.HTML = prependHTML(out.Body.HTML, preambleHTML(preamble))
	}

	return nil
}

// SanitizeSubject makes subject safe to use as a header value: each run
// of line breaks becomes a single space and other control characters
// are removed.
func SanitizeSubject(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	inBreak := false
	for _, r := range s {
		switch {
		case r == '\r' || r == '\n':
			if !inBreak {
				sb.WriteByte(' ')
			}
			inBreak = true
			continue
		case r == '\t':
			sb.WriteByte(' ')
		case unicode.IsControl(r):
		default:
			sb.WriteRune(r)
		}
		inBreak = false
	}

	return strings.TrimSpace(sb.String())
}

// DisplaySubject shortens subject for log output.
func DisplaySubject(s string) string {
	if utf8.RuneCountInString(s) <= displaySubjectLength {
		return s
	}

	runes := []rune(s)
	return string(runes[:displaySubjectLength-3]) + "..."
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// collector classifies MIME leaves in depth-first order.
type collector struct {
	body        mailer.Body
	hasPlain    bool
	hasHTML     bool
	attachments []mailer.Attachment
}

func (c *collector) walk(part *mailer.MimePart) {
	if part.IsMultipart() {
		for _, child := range part.Children {
			c.walk(child)
		}
		return
	}

	if !part.IsAttachment() {
		switch {
		case part.ContentType == "text/plain" && !c.hasPlain:
			c.body.Plain = decodeText(part.Payload, part.Charset)
			c.hasPlain = true
			return
		case part.ContentType == "text/html" && !c.hasHTML:
			c.body.HTML = decodeText(part.Payload, part.Charset)
			c.hasHTML = true
			return
		}
	}

	filename := part.Filename
	if filename == "" {
		filename = fmt.Sprintf("attachment-%d", len(c.attachments)+1)
	}

	c.attachments = append(c.attachments, mailer.Attachment{
		Filename: filename,
		MIMEType: part.ContentType,
		Params:   attachmentParams(part.ContentTypeParams),
		Data:     part.Payload,
	})
}

// attachmentParams drops content type parameters rewritten on composition.
func attachmentParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if strings.EqualFold(k, "name") {
			continue
		}
		out[k] = v
	}

	return out
}

// decodeText converts payload to UTF-8. Bytes which cannot be decoded
// are replaced with U+FFFD.
func decodeText(payload []byte, cs string) string {
	switch strings.ToLower(strings.TrimSpace(cs)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return strings.ToValidUTF8(string(payload), string(utf8.RuneError))
	}

	r, err := charset.Reader(cs, bytes.NewReader(payload))
	if err != nil {
		return strings.ToValidUTF8(string(payload), string(utf8.RuneError))
	}

	decoded, _ := io.ReadAll(r)
	return strings.ToValidUTF8(string(decoded), string(utf8.RuneError))
}

var defaultHTMLToTextOpts = html2text.Options{TextOnly: true}

func htmlToText(s string) string {
	output, err := html2text.FromString(s, defaultHTMLToTextOpts)
	if err != nil {
		return ""
	}

	return output
}
