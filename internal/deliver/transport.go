package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/TobiSchelling/AINews/internal/config"
)

// Transport hands a rendered message to the outside world.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// NewTransport builds the transport selected by email.transport.
func NewTransport(cfg config.Email, dataDir string) (Transport, error) {
	switch strings.ToLower(cfg.Transport) {
	case "smtp":
		return NewSMTPTransport(cfg)
	case "file", "":
		return NewFileTransport(filepath.Join(dataDir, "outbox")), nil
	default:
		return nil, fmt.Errorf("unknown email transport %q", cfg.Transport)
	}
}

// SMTPTransport sends multipart text/HTML mail through an SMTP relay.
type SMTPTransport struct {
	client *mail.Client
	from   string
	to     []string
}

// NewSMTPTransport configures an SMTP client. The password is read from the
// environment variable named by cfg.PasswordEnv. From defaults to the
// username and To defaults to From.
func NewSMTPTransport(cfg config.Email) (*SMTPTransport, error) {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	if from == "" {
		return nil, errors.New("email.from or email.username is required for smtp")
	}
	if cfg.Host == "" {
		return nil, errors.New("email.host is required for smtp")
	}
	to := cfg.To
	if len(to) == 0 {
		to = []string{from}
	}

	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		password := ""
		if cfg.PasswordEnv != "" {
			password = os.Getenv(cfg.PasswordEnv)
		}
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating smtp client: %w", err)
	}
	return &SMTPTransport{client: client, from: from, to: to}, nil
}

// Send delivers msg to every recipient in a single SMTP transaction.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	m, err := t.build(msg)
	if err != nil {
		return err
	}
	if err := t.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (t *SMTPTransport) build(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(t.from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", t.from, err)
	}
	if err := m.To(t.to...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	return m, nil
}

// FileTransport writes each message as a markdown and an HTML file into a
// directory. It stands in for SMTP during local runs.
type FileTransport struct {
	dir string
	now func() time.Time
}

// NewFileTransport creates a transport writing into dir.
func NewFileTransport(dir string) *FileTransport {
	return &FileTransport{dir: dir, now: time.Now}
}

// Dir returns the outbox directory.
func (t *FileTransport) Dir() string { return t.dir }

// Send writes <stamp>.md and <stamp>.html. The HTML file is written first
// and removed again if the markdown write fails.
func (t *FileTransport) Send(_ context.Context, msg Message) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("creating outbox: %w", err)
	}

	base := filepath.Join(t.dir, "digest-"+t.now().Format("20060102-150405"))
	htmlPath, textPath := base+".html", base+".md"

	if err := os.WriteFile(htmlPath, []byte(msg.HTML), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", htmlPath, err)
	}
	text := "Subject: " + msg.Subject + "\n\n" + msg.Text
	if err := os.WriteFile(textPath, []byte(text), 0o644); err != nil {
		os.Remove(htmlPath)
		return fmt.Errorf("writing %s: %w", textPath, err)
	}

	slog.Info("email written to outbox", "path", textPath)
	return nil
}
