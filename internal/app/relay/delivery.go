package relay

import (
	"context"
	"fmt"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

// delivery is the outcome of deliver.
type delivery struct {
	// transport is the session to use for the next message. It differs
	// from the one passed in after a reconnect and is nil when the
	// session was lost and could not be re-established.
	transport   mailer.Transport
	reconnected bool
}

// deliver sends msg over t, dialling a session first when t is nil.
// A send which fails because the session dropped is retried exactly
// once over a fresh session; other failures are returned as is.
func deliver(
	ctx context.Context,
	dialer mailer.TransportDialer,
	t mailer.Transport,
	msg *mailer.OutboundMessage,
) (delivery, error) {
	if t == nil {
		var err error
		if t, err = dialer.Dial(ctx); err != nil {
			return delivery{}, fmt.Errorf("connect to transport: %w", err)
		}
	}

	sendErr := t.Send(ctx, msg)
	if sendErr == nil {
		return delivery{transport: t}, nil
	}
	if !mailer.KindOf(sendErr).Retryable() || ctx.Err() != nil {
		return delivery{transport: t}, sendErr
	}

	_ = t.Close()

	fresh, err := dialer.Dial(ctx)
	if err != nil {
		return delivery{}, fmt.Errorf("reconnect after %v: %w", sendErr, err)
	}

	if err = fresh.Send(ctx, msg); err != nil {
		return delivery{transport: fresh, reconnected: true}, fmt.Errorf("retry after reconnect: %w", err)
	}

	return delivery{transport: fresh, reconnected: true}, nil
}
