package retriever

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/mailer"
)

const (
	testLogin    = "relay@example.com"
	testPassword = "app-password"
)

func startTestServer(t *testing.T) string {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testLogin, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	return ln.Addr().String()
}

func appendMessage(t *testing.T, address, raw string, flags ...imap.Flag) {
	t.Helper()

	c, err := imapclient.DialInsecure(address, nil)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Login(testLogin, testPassword).Wait())

	cmd := c.Append("INBOX", int64(len(raw)), &imap.AppendOptions{Flags: flags})
	_, err = cmd.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, cmd.Close())
	_, err = cmd.Wait()
	require.NoError(t, err)
}

func testSourceConfig(address string) config.SourceConfig {
	return config.SourceConfig{
		Address:  address,
		Login:    testLogin,
		Password: testPassword,
		Security: config.SecurityInsecure,
		Mailbox:  "INBOX",
		Timeout:  5 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage(subject string) string {
	return "From: Alice <alice@example.com>\r\n" +
		"To: relay@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Body of " + subject + "\r\n"
}

func TestSessionLifecycle(t *testing.T) {
	address := startTestServer(t)
	appendMessage(t, address, testMessage("first"))
	appendMessage(t, address, testMessage("already read"), imap.FlagSeen)
	appendMessage(t, address, testMessage("third"))

	ctx := context.Background()

	store, err := NewOpener(testSourceConfig(address), discardLogger()).Open(ctx)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ids, err := store.ListUnread(ctx)
	require.NoError(t, err)
	require.Equal(t, []mailer.MessageID{"1", "3"}, ids)

	msg, err := store.Fetch(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "first", msg.Header.Subject)
	assert.Equal(t, []mailer.Address{{Name: "Alice", Address: "alice@example.com"}}, msg.Header.From)
	assert.Equal(t, "Body of first\r\n", string(msg.Root.Payload))

	ids, err = store.ListUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, []mailer.MessageID{"1", "3"}, ids, "fetch must not mark message as seen")

	require.NoError(t, store.MarkSeen(ctx, "1"))

	ids, err = store.ListUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, []mailer.MessageID{"3"}, ids)
}

func TestOpenRejectsBadCredentials(t *testing.T) {
	address := startTestServer(t)

	cfg := testSourceConfig(address)
	cfg.Password = "wrong"

	_, err := NewOpener(cfg, discardLogger()).Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mailer.ErrAuthFailed)
}

func TestOpenReportsDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewOpener(testSourceConfig(address), discardLogger()).Open(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, mailer.ErrAuthFailed)
}

func TestOpenRejectsInvalidFilter(t *testing.T) {
	cfg := testSourceConfig("127.0.0.1:1")
	cfg.Filters = []string{"FROM =="}

	_, err := NewOpener(cfg, discardLogger()).Open(context.Background())
	assert.ErrorContains(t, err, "parse filter expression")
}

func TestParseUID(t *testing.T) {
	uid, err := parseUID("42")
	require.NoError(t, err)
	assert.Equal(t, imap.UID(42), uid)

	for _, id := range []mailer.MessageID{"", "0", "abc", "99999999999"} {
		_, err := parseUID(id)
		assert.Error(t, err, id)
	}
}
