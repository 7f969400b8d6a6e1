// Package printsink delivers a rendered PDF to its final destination: a
// local OS print queue, an SMTP-by-email gateway, or (for operators without
// a printer attached yet) a spool directory on disk.
package printsink

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ispyisail/clubprint-engine/internal/breaker"
	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/errkind"
)

// EventMeta is the minimal event description a sink needs to label a job.
type EventMeta struct {
	EventID   string
	EventName string
}

// Sink delivers pdfBytes for event. Implementations never retry
// internally; retry is the Scheduler's concern.
type Sink interface {
	Deliver(ctx context.Context, event EventMeta, pdfBytes []byte) error
	BreakerStatus() breaker.Status
}

const (
	smtpConnectTimeout = 30 * time.Second
	smtpSocketTimeout  = 60 * time.Second
)

// LocalSink submits bytes to the OS print spooler against a configured
// queue name (via the `lp` command, present on every CUPS-backed Linux
// install this engine targets).
type LocalSink struct {
	QueueName  string
	Filename   string
	br         *breaker.Breaker
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewLocalSink builds a LocalSink guarded by its own breaker.
func NewLocalSink(queueName, filename string, clk clock.Clock) *LocalSink {
	return &LocalSink{
		QueueName:  queueName,
		Filename:   filename,
		br:         breaker.New("printer", breaker.DefaultConfig(), clk),
		runCommand: runCommand,
	}
}

func (s *LocalSink) BreakerStatus() breaker.Status { return s.br.Status() }

func (s *LocalSink) Deliver(ctx context.Context, event EventMeta, pdfBytes []byte) error {
	return s.br.Guard(func() error {
		tmp, err := os.CreateTemp("", "clubprint-*.pdf")
		if err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: stage spool file: %w", err))
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.Write(pdfBytes); err != nil {
			tmp.Close()
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: write spool file: %w", err))
		}
		if err := tmp.Close(); err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: close spool file: %w", err))
		}

		if out, err := s.runCommand(ctx, "lp", "-d", s.QueueName, tmp.Name()); err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: lp -d %s: %w: %s", s.QueueName, err, out))
		}
		return nil
	})
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// EmailSink composes the PDF as an attachment and sends it via SMTP.
type EmailSink struct {
	SMTPAddr string
	From     string
	To       string
	auth     smtp.Auth
	br       *breaker.Breaker
}

// NewEmailSink builds an EmailSink. smtpAddr is "host:port"; auth may be
// nil for relays that don't require authentication.
func NewEmailSink(smtpAddr, from, to string, auth smtp.Auth, clk clock.Clock) *EmailSink {
	return &EmailSink{
		SMTPAddr: smtpAddr,
		From:     from,
		To:       to,
		auth:     auth,
		br:       breaker.New("email", breaker.DefaultConfig(), clk),
	}
}

func (s *EmailSink) BreakerStatus() breaker.Status { return s.br.Status() }

func (s *EmailSink) Deliver(ctx context.Context, event EventMeta, pdfBytes []byte) error {
	return s.br.Guard(func() error {
		msg, err := buildMIMEMessage(s.From, s.To, event, pdfBytes)
		if err != nil {
			return errkind.New(errkind.Sink, err)
		}

		conn, err := (&net.Dialer{Timeout: smtpConnectTimeout}).DialContext(ctx, "tcp", s.SMTPAddr)
		if err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: smtp dial %s: %w", s.SMTPAddr, err))
		}
		conn.SetDeadline(time.Now().Add(smtpSocketTimeout))

		host, _, _ := splitHostPort(s.SMTPAddr)
		client, err := smtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: smtp handshake: %w", err))
		}
		defer client.Close()

		if s.auth != nil {
			if err := client.Auth(s.auth); err != nil {
				return errkind.New(errkind.Sink, fmt.Errorf("printsink: smtp auth: %w", err))
			}
		}
		if err := client.Mail(s.From); err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: smtp mail from: %w", err))
		}
		if err := client.Rcpt(s.To); err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: smtp rcpt to: %w", err))
		}
		w, err := client.Data()
		if err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: smtp data: %w", err))
		}
		if _, err := w.Write(msg); err != nil {
			w.Close()
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: smtp write body: %w", err))
		}
		if err := w.Close(); err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: smtp close body: %w", err))
		}
		return client.Quit()
	})
}

func buildMIMEMessage(from, to string, event EventMeta, pdfBytes []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: Print Job: %s\r\n", event.EventName)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", w.Boundary())

	bodyPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return nil, fmt.Errorf("printsink: build mime body part: %w", err)
	}
	if _, err := bodyPart.Write([]byte(fmt.Sprintf("Attached: attendee sheet for %s.\r\n", event.EventName))); err != nil {
		return nil, err
	}

	attachmentHeader := textproto.MIMEHeader{
		"Content-Type":              {"application/pdf"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf(`attachment; filename="%s.pdf"`, event.EventID)},
	}
	attachPart, err := w.CreatePart(attachmentHeader)
	if err != nil {
		return nil, fmt.Errorf("printsink: build mime attachment part: %w", err)
	}
	enc := base64.NewEncoder(base64.StdEncoding, attachPart)
	if _, err := enc.Write(pdfBytes); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("printsink: close base64 encoder: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("printsink: close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", fmt.Errorf("printsink: invalid address %q", addr)
}

// DryRunSink writes pdfBytes to spoolDir/"<eventID>-<outputFilename>"
// instead of calling a real sink, for operators bringing up an install without a
// printer attached yet.
type DryRunSink struct {
	SpoolDir       string
	OutputFilename string
	br             *breaker.Breaker
}

// NewDryRunSink builds a DryRunSink. Its breaker uses the default config,
// like the other sinks, so repeated spool-write failures open it, and it is
// exposed so health reporting treats all sinks uniformly.
func NewDryRunSink(spoolDir, outputFilename string, clk clock.Clock) *DryRunSink {
	return &DryRunSink{
		SpoolDir:       spoolDir,
		OutputFilename: outputFilename,
		br:             breaker.New("dryrun", breaker.DefaultConfig(), clk),
	}
}

func (s *DryRunSink) BreakerStatus() breaker.Status { return s.br.Status() }

func (s *DryRunSink) Deliver(ctx context.Context, event EventMeta, pdfBytes []byte) error {
	return s.br.Guard(func() error {
		if err := os.MkdirAll(s.SpoolDir, 0o755); err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: create spool dir: %w", err))
		}
		path := filepath.Join(s.SpoolDir, fmt.Sprintf("%s-%s", event.EventID, s.OutputFilename))
		if err := os.WriteFile(path, pdfBytes, 0o644); err != nil {
			return errkind.New(errkind.Sink, fmt.Errorf("printsink: write spool file: %w", err))
		}
		return nil
	})
}
