package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/mailer"
)

// ContextDialer opens network connections. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPDialer establishes authenticated SMTP sessions.
type SMTPDialer struct {
	cfg    config.DestinationConfig
	dialer ContextDialer
	now    func() time.Time
	logger *slog.Logger
}

type DialerOption func(*SMTPDialer)

// WithNetDialer replaces dialer used for plain TCP connections.
func WithNetDialer(dialer ContextDialer) DialerOption {
	return func(d *SMTPDialer) {
		d.dialer = dialer
	}
}

func NewSMTPDialer(cfg config.DestinationConfig, logger *slog.Logger, opts ...DialerOption) *SMTPDialer {
	d := &SMTPDialer{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dial connects and authenticates. Failures are reported as *mailer.SendError.
func (d *SMTPDialer) Dial(ctx context.Context) (mailer.Transport, error) {
	host, _, err := net.SplitHostPort(d.cfg.Address)
	if err != nil {
		return nil, mailer.NewSendError(mailer.KindOther, fmt.Errorf("parse address %q: %w", d.cfg.Address, err))
	}
	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: d.cfg.InsecureSkipVerify, //nolint:gosec
	}

	conn, err := d.dialer.DialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		return nil, classify(fmt.Errorf("dial %s: %w", d.cfg.Address, err))
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var client *smtp.Client
	switch d.cfg.Security {
	case config.SecurityStartTLS:
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, classify(fmt.Errorf("starttls: %w", err))
		}
	case config.SecurityInsecure:
		client = smtp.NewClient(conn)
	default:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	}

	client.CommandTimeout = d.cfg.Timeout
	client.SubmissionTimeout = d.cfg.Timeout

	if d.cfg.Login != "" {
		if err = client.Auth(sasl.NewPlainClient("", d.cfg.Login, d.cfg.Password)); err != nil {
			_ = client.Close()
			return nil, classify(fmt.Errorf("authenticate: %w", err))
		}
	} else if err = client.Hello("localhost"); err != nil {
		_ = client.Close()
		return nil, classify(fmt.Errorf("hello: %w", err))
	}

	d.logger.DebugContext(ctx, "smtp session established", slog.String("address", d.cfg.Address))

	return &smtpTransport{
		client:       client,
		envelopeFrom: d.envelopeFrom(),
		now:          d.now,
		logger:       d.logger,
	}, nil
}

// envelopeFrom returns bare address of the relay account. The header
// From may differ when original sender is preserved.
func (d *SMTPDialer) envelopeFrom() string {
	if addr, err := mail.ParseAddress(d.cfg.From); err == nil {
		return addr.Address
	}

	return d.cfg.From
}

type smtpTransport struct {
	client       *smtp.Client
	envelopeFrom string
	now          func() time.Time
	logger       *slog.Logger
}

func (t *smtpTransport) Send(ctx context.Context, msg *mailer.OutboundMessage) error {
	var buf bytes.Buffer
	if err := Compose(&buf, msg, t.now()); err != nil {
		return mailer.NewSendError(mailer.KindOther, fmt.Errorf("compose message: %w", err))
	}

	rcpts := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		rcpts = append(rcpts, to.Address)
	}

	stop := context.AfterFunc(ctx, func() { _ = t.client.Close() })
	defer stop()

	size := buf.Len()
	if err := t.client.SendMail(t.envelopeFrom, rcpts, &buf); err != nil {
		sendErr := classify(err)
		if sendErr.Kind == mailer.KindRejected {
			// Session stays usable for the next message once the
			// failed transaction is aborted.
			_ = t.client.Reset()
		}
		return sendErr
	}

	t.logger.DebugContext(ctx, "message submitted",
		slog.String("source_id", string(msg.SourceID)),
		slog.String("size", humanize.Bytes(uint64(size))),
	)

	return nil
}

// Close ends session politely and releases connection.
func (t *smtpTransport) Close() error {
	if err := t.client.Quit(); err != nil {
		return t.client.Close()
	}
	return nil
}

// classify maps SMTP client errors onto failure kinds.
func classify(err error) *mailer.SendError {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case smtpErr.Code == 421:
			return mailer.NewSendError(mailer.KindDisconnected, err)
		case smtpErr.Code == 530 || smtpErr.Code == 534 || smtpErr.Code == 535:
			return mailer.NewSendError(mailer.KindAuthFailed, err)
		case smtpErr.Code >= 400:
			return mailer.NewSendError(mailer.KindRejected, err)
		}
		return mailer.NewSendError(mailer.KindOther, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &netErr):
		return mailer.NewSendError(mailer.KindDisconnected, err)
	}

	return mailer.NewSendError(mailer.KindOther, err)
}
