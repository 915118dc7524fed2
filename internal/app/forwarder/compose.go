package forwarder

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

const forwardedIDHeader = "X-Forwarded-Message-Id"

// Compose writes msg to w as RFC 5322 message.
//
// Messages without attachments are written as a single text part or
// multipart/alternative; attachments turn it into multipart/mixed.
func Compose(w io.Writer, msg *mailer.OutboundMessage, date time.Time) error {
	var h mail.Header

	h.SetDate(date)
	h.SetAddressList("From", toMailAddresses([]mailer.Address{msg.From}))
	h.SetAddressList("To", toMailAddresses(msg.To))
	if len(msg.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", toMailAddresses(msg.ReplyTo))
	}
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}
	if msg.OriginalMessageID != "" {
		h.Set(forwardedIDHeader, "<"+msg.OriginalMessageID+">")
	}

	if len(msg.Attachments) == 0 {
		return writeBody(w, h, msg.Body)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	if err = writeInline(mw, msg.Body); err != nil {
		return err
	}

	for _, a := range msg.Attachments {
		if err = writeAttachment(mw, a); err != nil {
			return fmt.Errorf("write attachment %q: %w", a.Filename, err)
		}
	}

	return mw.Close()
}

func writeBody(w io.Writer, h mail.Header, body mailer.Body) error {
	if body.Plain == "" || body.HTML == "" {
		contentType, text := singleAlternative(body)
		h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

		bw, err := mail.CreateSingleInlineWriter(w, h)
		if err != nil {
			return fmt.Errorf("create single inline writer: %w", err)
		}
		return writeAndClose(bw, text)
	}

	iw, err := mail.CreateInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create inline writer: %w", err)
	}

	return writeAlternatives(iw, body)
}

func writeInline(mw *mail.Writer, body mailer.Body) error {
	if body.Plain == "" || body.HTML == "" {
		contentType, text := singleAlternative(body)

		var ih mail.InlineHeader
		ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})

		bw, err := mw.CreateSingleInline(ih)
		if err != nil {
			return fmt.Errorf("create inline part: %w", err)
		}
		return writeAndClose(bw, text)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline writer: %w", err)
	}

	return writeAlternatives(iw, body)
}

func writeAlternatives(iw *mail.InlineWriter, body mailer.Body) error {
	for _, alt := range []struct {
		contentType string
		text        string
	}{
		{"text/plain", body.Plain},
		{"text/html", body.HTML},
	} {
		var ih mail.InlineHeader
		ih.SetContentType(alt.contentType, map[string]string{"charset": "utf-8"})

		pw, err := iw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("create %s part: %w", alt.contentType, err)
		}
		if err = writeAndClose(pw, alt.text); err != nil {
			return err
		}
	}

	return iw.Close()
}

func writeAttachment(mw *mail.Writer, a mailer.Attachment) error {
	var ah mail.AttachmentHeader
	ah.SetContentType(a.MIMEType, a.Params)
	ah.SetFilename(a.Filename)

	// message/* parts must not be base64 encoded.
	if a.MIMEType == "message/rfc822" {
		ah.Set("Content-Transfer-Encoding", transferEncoding8bit(a.Data))
	}

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err = aw.Write(a.Data); err != nil {
		_ = aw.Close()
		return err
	}

	return aw.Close()
}

func singleAlternative(body mailer.Body) (string, string) {
	if body.Plain != "" || body.HTML == "" {
		return "text/plain", body.Plain
	}
	return "text/html", body.HTML
}

func writeAndClose(wc io.WriteCloser, text string) error {
	if _, err := io.WriteString(wc, text); err != nil {
		_ = wc.Close()
		return fmt.Errorf("write body: %w", err)
	}

	return wc.Close()
}

func transferEncoding8bit(data []byte) string {
	for _, b := range data {
		if b >= 0x80 {
			return "8bit"
		}
	}
	return "7bit"
}

func toMailAddresses(addrs []mailer.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}

	return out
}
