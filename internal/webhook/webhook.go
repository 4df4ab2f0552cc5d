// Package webhook delivers signed job completion callbacks.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/framemart/framemart/internal/httpclient"
	"github.com/framemart/framemart/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Framemart-Signature"

// AttemptHeader carries the 1-based delivery attempt number.
const AttemptHeader = "X-Framemart-Attempt"

// Payload is the callback body posted on terminal job transitions.
type Payload struct {
	JobID  string            `json:"job_id"`
	Status models.JobStatus  `json:"status"`
	Result *models.JobResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	SentAt time.Time         `json:"sent_at"`
}

// Config holds delivery settings.
type Config struct {
	// Secret signs the payload. Empty disables signing but not delivery.
	Secret string

	// Attempts is the total delivery attempts, minimum 1.
	Attempts int

	// Backoff is the initial delay between attempts; each retry doubles it.
	Backoff time.Duration
}

// Notifier posts signed callbacks with retries. Any 2xx counts as
// delivered; everything else is retried until the attempt budget runs
// out.
type Notifier struct {
	cfg    Config
	client *httpclient.Client
	logger *slog.Logger
}

// NewNotifier creates a webhook notifier. A nil client gets a default
// one with its internal retries disabled, since the notifier runs its
// own attempt loop.
func NewNotifier(cfg Config, client *httpclient.Client, logger *slog.Logger) *Notifier {
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.RetryAttempts = 0
		hc.Timeout = 15 * time.Second
		hc.Logger = logger
		client = httpclient.New(hc)
	}
	return &Notifier{cfg: cfg, client: client, logger: logger}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is a valid signature for body.
// Comparison is constant time.
func VerifySignature(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

// Notify delivers the payload to url. It blocks through the retry
// schedule and returns the last error when every attempt fails.
func (n *Notifier) Notify(ctx context.Context, url string, payload Payload) error {
	if url == "" {
		return nil
	}
	if payload.SentAt.IsZero() {
		payload.SentAt = time.Now().UTC()
	}

	// Marshal once so the signature covers the exact bytes sent.
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	headers := map[string]string{}
	if n.cfg.Secret != "" {
		headers[SignatureHeader] = Sign(n.cfg.Secret, body)
	}

	delay := n.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= n.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		headers[AttemptHeader] = fmt.Sprintf("%d", attempt)
		lastErr = n.client.PostJSON(ctx, url, headers, json.RawMessage(body), nil)
		if lastErr == nil {
			n.logger.Info("webhook delivered",
				slog.String("job_id", payload.JobID),
				slog.String("status", string(payload.Status)),
				slog.Int("attempt", attempt))
			return nil
		}

		n.logger.Warn("webhook delivery failed",
			slog.String("job_id", payload.JobID),
			slog.Int("attempt", attempt),
			slog.Int("attempts", n.cfg.Attempts),
			slog.String("error", lastErr.Error()))
	}
	return fmt.Errorf("webhook not delivered after %d attempts: %w", n.cfg.Attempts, lastErr)
}
