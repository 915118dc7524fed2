package mailer

import (
	"strings"
	"time"
)

// MessageID is an opaque identifier of a message within the source mailbox.
type MessageID string

// RawMessage is a single message fetched from the source mailbox
// together with its decoded headers and MIME structure.
type RawMessage struct {
	ID     MessageID
	Raw    []byte
	Header Header
	Root   *MimePart
}

type Header struct {
	Subject   string
	From      []Address
	To        []Address
	CC        []Address
	ReplyTo   []Address
	Date      time.Time
	MessageID string
}

// MimePart is a node of the message MIME tree. A node is either a leaf
// carrying a payload or a multipart container with at least one child.
type MimePart struct {
	ContentType       string
	ContentTypeParams map[string]string
	Disposition       string // "inline", "attachment" or empty.
	Charset           string
	Filename          string
	Payload           []byte // Transfer-decoded, charset untouched.
	Children          []*MimePart
}

// IsMultipart reports whether the part is a container node.
func (p *MimePart) IsMultipart() bool {
	return len(p.Children) > 0
}

// IsAttachment reports whether the part is explicitly marked as attachment.
func (p *MimePart) IsAttachment() bool {
	return strings.EqualFold(p.Disposition, "attachment")
}

// OutboundMessage is the message handed to the transport.
type OutboundMessage struct {
	SourceID          MessageID
	From              Address
	To                []Address
	ReplyTo           []Address
	Subject           string
	Body              Body
	Attachments       []Attachment
	OriginalMessageID string
}

// Body holds the alternative renderings of a message body.
// Empty strings stand for absent alternatives.
type Body struct {
	Plain string
	HTML  string
}

type Attachment struct {
	Filename string
	MIMEType string
	Params   map[string]string
	Data     []byte
}

// Size returns approximate size of the message payload in bytes.
func (m *OutboundMessage) Size() int64 {
	size := int64(len(m.Body.Plain) + len(m.Body.HTML) + len(m.Subject))
	for _, a := range m.Attachments {
		size += int64(len(a.Data))
	}
	return size
}

type Address struct {
	Address string
	Name    string
}

// String formats address the way it appears in a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}
