package retriever

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

// maxPartDepth bounds multipart nesting. Deeper containers are kept
// as opaque leaves.
const maxPartDepth = 16

// ParseMessage builds RawMessage out of RFC 5322 message bytes.
//
// Only header parsing failures are reported as errors. Malformed bodies
// degrade: undecodable transfer encodings keep their raw bytes and
// broken multipart containers keep the children read so far.
func ParseMessage(id mailer.MessageID, raw []byte) (*mailer.RawMessage, error) {
	br := bufio.NewReader(bytes.NewReader(raw))

	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	header := mail.Header{Header: message.Header{Header: h}}
	msg := &mailer.RawMessage{
		ID:  id,
		Raw: raw,
		Header: mailer.Header{
			From:    parseAddress(header, "From"),
			To:      parseAddress(header, "To"),
			CC:      parseAddress(header, "Cc"),
			ReplyTo: parseAddress(header, "Reply-To"),
		},
	}
	msg.Header.Subject, err = header.Subject()
	if err != nil {
		msg.Header.Subject = header.Get("Subject")
	}
	msg.Header.Date, _ = header.Date()
	msg.Header.MessageID, _ = header.MessageID()

	msg.Root = parsePart(header.Header, br, 0)

	return msg, nil
}

func parsePart(h message.Header, body io.Reader, depth int) *mailer.MimePart {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		// RFC 2045 section 5.2 default.
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}

	part := &mailer.MimePart{
		ContentType:       strings.ToLower(mediaType),
		ContentTypeParams: params,
		Charset:           params["charset"],
	}

	disposition, dispositionParams, err := h.ContentDisposition()
	if err == nil {
		part.Disposition = strings.ToLower(disposition)
	}

	filename := dispositionParams["filename"]
	if filename == "" {
		// Using "name" in Content-Type is discouraged but still common.
		filename = params["name"]
	}
	part.Filename = decodeWords(filename)

	if boundary := params["boundary"]; strings.HasPrefix(part.ContentType, "multipart/") && boundary != "" && depth < maxPartDepth {
		mr := textproto.NewMultipartReader(body, boundary)
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			part.Children = append(part.Children, parsePart(message.Header{Header: p.Header}, p, depth+1))
		}

		if len(part.Children) > 0 {
			return part
		}

		// Container without parseable parts.
		part.ContentType = "text/plain"
		part.ContentTypeParams = nil
		part.Charset = ""
		return part
	}

	encoded, _ := io.ReadAll(body)
	part.Payload = decodeTransfer(h.Get("Content-Transfer-Encoding"), encoded)

	return part
}

// decodeTransfer undoes Content-Transfer-Encoding. Payloads which fail
// to decode are returned unchanged.
func decodeTransfer(encoding string, data []byte) []byte {
	var r io.Reader

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, &whitespaceStripper{r: bytes.NewReader(data)})
	case "quoted-printable":
		r = quotedprintable.NewReader(bytes.NewReader(data))
	default:
		return data
	}

	decoded, err := io.ReadAll(r)
	if err != nil {
		return data
	}

	return decoded
}

// whitespaceStripper drops whitespace base64 decoder does not tolerate.
type whitespaceStripper struct {
	r io.Reader
}

func (w *whitespaceStripper) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	j := 0
	for i := 0; i < n; i++ {
		switch p[i] {
		case ' ', '\t':
			continue
		}
		p[j] = p[i]
		j++
	}
	return j, err
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeWords decodes RFC 2047 encoded words some clients put
// into parameter values.
func decodeWords(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func parseAddress(header mail.Header, addressListName string) []mailer.Address {
	addrList, _ := header.AddressList(addressListName)
	addrs := make([]mailer.Address, 0, len(addrList))

	for _, addr := range addrList {
		addrs = append(addrs, mailer.Address{
			Name:    addr.Name,
			Address: addr.Address,
		})
	}

	return addrs
}
