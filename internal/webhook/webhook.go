// Package webhook delivers best-effort outbound event notifications to a
// configured HTTPS endpoint, signing the body when a secret is configured.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ispyisail/clubprint-engine/internal/breaker"
	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/config"
	"github.com/ispyisail/clubprint-engine/internal/errkind"
)

// payload is the wire shape of every outbound notification. DeliveryID is
// stable across retries of the same notification, so a receiver can dedupe
// redeliveries instead of double-processing them.
type payload struct {
	Event      string         `json:"event"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
	DeliveryID string         `json:"deliveryId"`
}

// Notifier is a best-effort outbound event notifier. Notify never returns
// an error: delivery failures are logged and otherwise swallowed so a
// notification sink outage never blocks job processing.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	cfg        config.WebhookConfig
	br         *breaker.Breaker
	clk        clock.Clock
	log        *logrus.Logger
}

// New builds a Notifier. secret is read by the caller from the environment
// and may be empty, in which case outbound requests carry no X-Signature
// header. When cfg.Enabled, returns a Configuration-kind error if cfg.URL
// is not http(s) or its host is "localhost" or a loopback or RFC 1918 IP
// literal; other hostnames are not resolved.
func New(cfg config.WebhookConfig, secret string, clk clock.Clock, log *logrus.Logger) (*Notifier, error) {
	if cfg.Enabled {
		if err := validateURL(cfg.URL); err != nil {
			return nil, errkind.New(errkind.Configuration, fmt.Errorf("webhook: %w", err))
		}
	}
	return &Notifier{
		url:        cfg.URL,
		secret:     secret,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		cfg:        cfg,
		br:         breaker.New("webhook", breaker.DefaultConfig(), clk),
		clk:        clk,
		log:        log,
	}, nil
}

// BreakerStatus exposes the webhook breaker's snapshot for health reporting.
func (n *Notifier) BreakerStatus() breaker.Status { return n.br.Status() }

// Notify POSTs {event, timestamp, data} to the configured URL, retrying up
// to cfg.MaxRetries times with cfg.RetryDelayMs between attempts. A
// disabled notifier, or any failure after retries, is a silent no-op.
func (n *Notifier) Notify(ctx context.Context, eventType string, data map[string]any) {
	if !n.cfg.Enabled {
		return
	}

	deliveryID := uuid.NewString()
	body, err := json.Marshal(payload{Event: eventType, Timestamp: n.clk.Now().UTC(), Data: data, DeliveryID: deliveryID})
	if err != nil {
		n.log.WithError(err).Warn("webhook: failed to marshal notification body")
		return
	}

	attempts := n.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		err := n.br.Guard(func() error { return n.post(ctx, body, deliveryID) })
		if err == nil {
			return
		}
		n.log.WithFields(logrus.Fields{"event": eventType, "deliveryId": deliveryID, "attempt": attempt + 1}).
			WithError(err).Warn("webhook: delivery attempt failed")

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return
			case <-n.clk.After(time.Duration(n.cfg.RetryDelayMs) * time.Millisecond):
			}
		}
	}
}

func (n *Notifier) post(ctx context.Context, body []byte, deliveryID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)
	if n.secret != "" {
		req.Header.Set("X-Signature", sign(n.secret, body))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: post: upstream returned %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// rfc1918Blocks are the private IPv4 ranges rejected alongside loopback.
var rfc1918Blocks = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// validateURL rejects webhook URLs whose host is a loopback address, an
// RFC 1918 private address, or the literal name "localhost". Hostnames
// that aren't IP literals are not resolved here — resolving at validation
// time doesn't close the rebinding window a request-time resolution could
// still hit, and would make config validation perform network I/O.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", raw, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("webhook url %q must be http(s)", raw)
	}

	host := u.Hostname()
	if host == "localhost" {
		return fmt.Errorf("webhook url %q resolves to a loopback host", raw)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil // not an IP literal; accepted without resolution, see comment above
	}
	if ip.IsLoopback() {
		return fmt.Errorf("webhook url %q resolves to a loopback address", raw)
	}
	for _, block := range rfc1918Blocks {
		_, cidr, err := net.ParseCIDR(block)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return fmt.Errorf("webhook url %q resolves to an RFC 1918 private address", raw)
		}
	}
	return nil
}
