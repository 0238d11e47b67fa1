package cache

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Storystack-Signature"
	HeaderTimestamp = "X-Storystack-Timestamp"
	HeaderEvent     = "X-Storystack-Event"

	eventAssetsChanged = "assets.changed"
)

type Config struct {
	Endpoint       string
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// WebhookInvalidator tells the UI data layer to refetch the asset list.
// Delivery is signed and retried with capped backoff; the poll loop
// treats a delivery failure as non-fatal since observers can always
// re-query status directly.
type WebhookInvalidator struct {
	httpClient     *http.Client
	endpoint       string
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewWebhookInvalidator(cfg Config) (*WebhookInvalidator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("invalidation endpoint is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = 4 * initialBackoff
	}

	return &WebhookInvalidator{
		httpClient:     &http.Client{Timeout: timeout},
		endpoint:       endpoint,
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}, nil
}

func (i *WebhookInvalidator) Invalidate(ctx context.Context, assetIDs []string) error {
	body, err := json.Marshal(map[string]any{
		"event":     eventAssetsChanged,
		"asset_ids": assetIDs,
	})
	if err != nil {
		return fmt.Errorf("marshal invalidation payload: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	signature := i.sign(timestamp, body)

	backoff := i.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build invalidation request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, eventAssetsChanged)

		resp, err := i.httpClient.Do(req)
		if err == nil && resp != nil {
			resp.Body.Close()
		}
		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = classifyError(err, resp)
		if attempt == i.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = minDuration(backoff*2, i.maxBackoff)
	}

	return fmt.Errorf("invalidation delivery failed after %d attempts: %w", i.maxAttempts, lastErr)
}

func (i *WebhookInvalidator) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(i.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func classifyError(err error, resp *http.Response) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("invalidation request failed: no response")
	}
	return fmt.Errorf("invalidation endpoint returned status=%d", resp.StatusCode)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Noop is used when no UI gateway endpoint is configured.
type Noop struct{}

func (Noop) Invalidate(context.Context, []string) error {
	return nil
}
