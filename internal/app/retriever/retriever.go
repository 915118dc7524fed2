package retriever

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/mailer"
)

var ErrMessageNotFound = errors.New("message not found")

// ContextDialer opens network connections. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Opener struct {
	cfg    config.SourceConfig
	dialer ContextDialer
	logger *slog.Logger
}

type OpenerOption func(*Opener)

// WithDialer replaces dialer used for plain TCP connections.
func WithDialer(dialer ContextDialer) OpenerOption {
	return func(o *Opener) {
		o.dialer = dialer
	}
}

func NewOpener(cfg config.SourceConfig, logger *slog.Logger, opts ...OpenerOption) *Opener {
	o := &Opener{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Open connects to the source mailbox, authenticates and selects
// configured mailbox. Rejected credentials are reported as
// mailer.ErrAuthFailed.
func (o *Opener) Open(ctx context.Context) (mailer.MessageStore, error) {
	criteria, err := buildSearchCriteria(o.cfg.Filters)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(o.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", o.cfg.Address, err)
	}
	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: o.cfg.InsecureSkipVerify, //nolint:gosec
	}

	conn, err := o.dialer.DialContext(ctx, "tcp", o.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", o.cfg.Address, err)
	}

	s := &Session{
		conn:     conn,
		timeout:  o.cfg.Timeout,
		criteria: criteria,
		logger:   o.logger,
	}

	options := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
		TLSConfig:   tlsConfig,
	}

	err = s.do(ctx, func() error {
		switch o.cfg.Security {
		case config.SecurityStartTLS:
			s.client, err = imapclient.NewStartTLS(conn, options)
			if err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		case config.SecurityInsecure:
			s.client = imapclient.New(conn, options)
		default:
			tlsConn := tls.Client(conn, tlsConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("tls handshake: %w", err)
			}
			s.client = imapclient.New(tlsConn, options)
		}

		return s.client.WaitGreeting()
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", o.cfg.Address, err)
	}

	err = s.do(ctx, func() error {
		return s.client.Login(o.cfg.Login, o.cfg.Password).Wait()
	})
	if err != nil {
		_ = s.client.Close()

		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, fmt.Errorf("login: %w: %w", mailer.ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	err = s.do(ctx, func() error {
		_, err := s.client.Select(o.cfg.Mailbox, nil).Wait()
		return err
	})
	if err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("select mailbox %q: %w", o.cfg.Mailbox, err)
	}

	o.logger.DebugContext(ctx, "source mailbox session opened",
		slog.String("address", o.cfg.Address),
		slog.String("mailbox", o.cfg.Mailbox),
	)

	return s, nil
}

// Session is an authenticated IMAP connection with a selected mailbox.
// Message identifiers are UIDs.
type Session struct {
	client   *imapclient.Client
	conn     net.Conn
	timeout  time.Duration
	criteria *imap.SearchCriteria
	logger   *slog.Logger
}

// ListUnread returns UIDs of unseen messages matching configured
// filters in ascending order.
func (s *Session) ListUnread(ctx context.Context) ([]mailer.MessageID, error) {
	var data *imap.SearchData

	err := s.do(ctx, func() error {
		var err error
		data, err = s.client.UIDSearch(s.criteria, nil).Wait()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search unseen messages: %w", err)
	}

	uids := data.AllUIDs()
	slices.Sort(uids)

	ids := make([]mailer.MessageID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, mailer.MessageID(strconv.FormatUint(uint64(uid), 10)))
	}

	return ids, nil
}

// Fetch downloads full message without setting \Seen flag.
func (s *Session) Fetch(ctx context.Context, id mailer.MessageID) (*mailer.RawMessage, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	var msgs []*imapclient.FetchMessageBuffer
	err = s.do(ctx, func() error {
		msgs, err = s.client.Fetch(imap.UIDSetNum(uid), fetchOptions).Collect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("fetch message %s: %w", id, ErrMessageNotFound)
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("fetch message %s: body section missing in response", id)
	}

	msg, err := ParseMessage(id, raw)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", id, err)
	}

	return msg, nil
}

func (s *Session) MarkSeen(ctx context.Context, id mailer.MessageID) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}

	err = s.do(ctx, func() error {
		return s.client.Store(imap.UIDSetNum(uid), storeFlags, nil).Close()
	})
	if err != nil {
		return fmt.Errorf("mark message %s as seen: %w", id, err)
	}

	return nil
}

// Close logs out and releases connection. Logout failures are ignored.
func (s *Session) Close() error {
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("logout failed", slog.Any("error", err))
	}

	return s.client.Close()
}

// do runs single command bounded by per-command timeout. Cancelling ctx
// expires connection deadline, which aborts command in flight.
func (s *Session) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
		defer func() { _ = s.conn.SetDeadline(time.Time{}) }()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := fn(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}

	return nil
}

func parseUID(id mailer.MessageID) (imap.UID, error) {
	uid, err := strconv.ParseUint(string(id), 10, 32)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("invalid message id %q", id)
	}

	return imap.UID(uid), nil
}
