// Package delivery sends certificate emails over SMTP.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/wneessen/go-mail"
)

// Options configure the SMTP mailer.
type Options struct {
	Host    string
	Port    int
	TLS     string // mandatory, opportunistic or none
	Timeout time.Duration
	Logger  *slog.Logger
}

// SMTP implements core.Mailer. Each Open returns a session holding a single
// connection that is dialed on first use and redialed after connection
// failures.
type SMTP struct {
	opts   Options
	logger *slog.Logger
}

// New creates a mailer.
func New(opts Options) *SMTP {
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTP{opts: opts, logger: logger}
}

// Open implements core.Mailer. No connection is made until the first Send.
func (s *SMTP) Open(ctx context.Context, creds core.Credentials) (core.DeliveryChannel, error) {
	if creds.Address == "" || creds.Secret == "" {
		return nil, core.ErrNoCredentials
	}
	return &session{mailer: s, creds: creds}, nil
}

// Test logs in with creds and disconnects.
func (s *SMTP) Test(ctx context.Context, creds core.Credentials) error {
	if creds.Address == "" || creds.Secret == "" {
		return core.ErrNoCredentials
	}
	client, err := s.newClient(creds)
	if err != nil {
		return err
	}
	if err := client.DialWithContext(ctx); err != nil {
		return classify(err)
	}
	return client.Close()
}

func (s *SMTP) newClient(creds core.Credentials) (*mail.Client, error) {
	client, err := mail.NewClient(s.opts.Host,
		mail.WithPort(s.opts.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(creds.Address),
		mail.WithPassword(creds.Secret),
		mail.WithTLSPolicy(tlsPolicy(s.opts.TLS)),
		mail.WithTimeout(s.opts.Timeout),
	)
	if err != nil {
		return nil, &core.DeliveryError{Reason: "invalid mail server settings", Err: err}
	}
	return client, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch strings.ToLower(s) {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	default:
		return mail.TLSMandatory
	}
}

type session struct {
	mailer *SMTP
	creds  core.Credentials

	mu     sync.Mutex
	client *mail.Client
	closed bool
}

// Send implements core.DeliveryChannel.
func (ss *session) Send(ctx context.Context, msg core.Message) error {
	m, err := buildMessage(msg)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return &core.DeliveryError{Reason: "session closed"}
	}

	if ss.client == nil {
		client, err := ss.mailer.newClient(ss.creds)
		if err != nil {
			return err
		}
		if err := client.DialWithContext(ctx); err != nil {
			return classify(err)
		}
		ss.client = client
	}

	if err := ss.client.Send(m); err != nil {
		derr := classify(err)
		// A broken connection is useless for the next attempt.
		var de *core.DeliveryError
		if errors.As(derr, &de) && de.Retryable {
			ss.drop()
		}
		return derr
	}
	return nil
}

// Close implements core.DeliveryChannel.
func (ss *session) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = true
	if ss.client == nil {
		return nil
	}
	err := ss.client.Close()
	ss.client = nil
	return err
}

func (ss *session) drop() {
	if ss.client != nil {
		if err := ss.client.Close(); err != nil {
			ss.mailer.logger.Debug("closing broken smtp connection", "error", err)
		}
		ss.client = nil
	}
}

// buildMessage assembles a plain text message with an optional HTML
// alternative and the artifact attached. Problems here are permanent.
func buildMessage(msg core.Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, &core.DeliveryError{Reason: "invalid address", Err: fmt.Errorf("from %q: %w", msg.From, err)}
	}
	if err := m.To(msg.To); err != nil {
		return nil, &core.DeliveryError{Reason: "invalid address", Err: fmt.Errorf("to %q: %w", msg.To, err)}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.PlainBody)
	if strings.TrimSpace(msg.RichBody) != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.RichBody)
	}

	if msg.AttachmentPath != "" {
		info, err := os.Stat(msg.AttachmentPath)
		if err != nil || !info.Mode().IsRegular() {
			return nil, &core.DeliveryError{Reason: "attachment missing", Err: fmt.Errorf("%s", filepath.Base(msg.AttachmentPath))}
		}
		m.AttachFile(msg.AttachmentPath)
	}
	return m, nil
}

// classify turns a transport error into a *core.DeliveryError.
// Temporary SMTP replies (4xx), timeouts and connection failures are
// retryable; permanent replies (5xx) and authentication failures are not.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var de *core.DeliveryError
	if errors.As(err, &de) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &core.DeliveryError{Reason: "cancelled", Err: err}
	}

	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case tp.Code == 535 || tp.Code == 534 || tp.Code == 530:
			return &core.DeliveryError{Reason: "authentication failed", Err: err}
		case tp.Code >= 400 && tp.Code < 500:
			return &core.DeliveryError{Reason: fmt.Sprintf("temporary failure (%d)", tp.Code), Retryable: true, Err: err}
		default:
			return &core.DeliveryError{Reason: fmt.Sprintf("rejected (%d)", tp.Code), Err: err}
		}
	}

	var se *mail.SendError
	if errors.As(err, &se) {
		return &core.DeliveryError{Reason: "send failed", Retryable: se.IsTemp(), Err: err}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &core.DeliveryError{Reason: "connection refused", Retryable: true, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &core.DeliveryError{Reason: "timeout", Retryable: true, Err: err}
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return &core.DeliveryError{Reason: "connection error", Retryable: true, Err: err}
	}
	if strings.Contains(strings.ToLower(err.Error()), "auth") {
		return &core.DeliveryError{Reason: "authentication failed", Err: err}
	}

	return &core.DeliveryError{Reason: "send failed", Retryable: true, Err: err}
}
