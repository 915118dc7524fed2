package mailer

import "context"

// MessageStore is an open session with the source mailbox.
type MessageStore interface {
	// ListUnread returns identifiers of unread messages in mailbox order.
	ListUnread(ctx context.Context) ([]MessageID, error)
	// Fetch returns message without altering its seen state.
	Fetch(ctx context.Context, id MessageID) (*RawMessage, error)
	MarkSeen(ctx context.Context, id MessageID) error
	Close() error
}

type StoreOpener interface {
	Open(ctx context.Context) (MessageStore, error)
}

// Transport is an open session with the outbound mail server.
// Send failures are reported as *SendError.
type Transport interface {
	Send(ctx context.Context, msg *OutboundMessage) error
	Close() error
}

type TransportDialer interface {
	Dial(ctx context.Context) (Transport, error)
}
