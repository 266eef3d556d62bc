package report

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-SiliconTrace-Signature"

// WebhookEvent is the JSON body POSTed by WebhookSink.
type WebhookEvent struct {
	SequenceID string            `json:"sequence_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Report     provenance.Report `json:"report"`
}

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL             string
	Secret          string        // empty = unsigned
	CompromisedOnly bool          // skip verified reports
	Timeout         time.Duration // per attempt; default 10s
	Attempts        int           // default 3
	Backoff         time.Duration // first retry delay, multiplied by 5 each retry; default 1s
}

// WebhookSink POSTs reports to an HTTP endpoint with retries.
type WebhookSink struct {
	cfg        WebhookConfig
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger
}

// NewWebhookSink creates a WebhookSink.
func NewWebhookSink(cfg WebhookConfig, logger *zap.Logger) *WebhookSink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	return &WebhookSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      time.Now,
		logger:     logger,
	}
}

// Publish implements Sink. It returns the last delivery error once every
// attempt has failed.
func (s *WebhookSink) Publish(ctx context.Context, sequenceID string, r provenance.Report) error {
	if s.cfg.CompromisedOnly && r.OK() {
		return nil
	}

	body, err := json.Marshal(WebhookEvent{
		SequenceID: sequenceID,
		Timestamp:  s.clock().UTC(),
		Report:     r,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	signature := ""
	if s.cfg.Secret != "" {
		signature = Sign(body, s.cfg.Secret)
	}

	delay := s.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 5
		}

		if lastErr = s.deliver(ctx, body, signature); lastErr == nil {
			return nil
		}
		s.logger.Warn("webhook: delivery failed",
			zap.String("url", s.cfg.URL),
			zap.String("sequence_id", sequenceID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("webhook delivery to %s: %w", s.cfg.URL, lastErr)
}

func (s *WebhookSink) deliver(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the SignatureHeader value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
