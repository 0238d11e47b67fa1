package tagger

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
	"strconv"
	"strings"
	"time"

	"github.com/storystack/tagflow/internal/domain"
)

const (
	HeaderSignature = "X-Storystack-Signature"
	HeaderTimestamp = "X-Storystack-Timestamp"
)

type Config struct {
	Endpoint      string
	SigningSecret string
	Timeout       time.Duration
}

// Client talks to the external auto-tagging model service. Submission is
// a single attempt: failures surface to the caller, which owns resubmission.
type Client struct {
	httpClient    *http.Client
	endpoint      string
	signingSecret string
}

func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("tagger endpoint is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		endpoint:      endpoint,
		signingSecret: cfg.SigningSecret,
	}, nil
}

type submitRequest struct {
	Assets []submitAsset `json:"assets"`
}

type submitAsset struct {
	AssetID  string `json:"asset_id"`
	ImageURL string `json:"image_url"`
}

type submitResponse struct {
	BatchID string             `json:"batch_id,omitempty"`
	Results []domain.TagResult `json:"results,omitempty"`
}

// Submit sends one batch of {asset id, image URL} pairs. The service
// either accepts the batch for asynchronous processing and returns a
// batch id, or tags inline and returns results. Both at once is a
// protocol violation.
func (c *Client) Submit(ctx context.Context, refs []domain.AssetRef) (domain.SubmissionOutcome, error) {
	if len(refs) == 0 {
		return domain.SubmissionOutcome{}, fmt.Errorf("no assets to submit")
	}

	assets := make([]submitAsset, 0, len(refs))
	for _, ref := range refs {
		assets = append(assets, submitAsset{
			AssetID:  ref.AssetID,
			ImageURL: ref.ImageURL,
		})
	}

	body, err := json.Marshal(submitRequest{Assets: assets})
	if err != nil {
		return domain.SubmissionOutcome{}, fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/tag", bytes.NewReader(body))
	if err != nil {
		return domain.SubmissionOutcome{}, fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, c.sign(timestamp, body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.SubmissionOutcome{}, fmt.Errorf("submit batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.SubmissionOutcome{}, fmt.Errorf("tagger returned status=%d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.SubmissionOutcome{}, fmt.Errorf("read tagger response: %w", err)
	}

	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.SubmissionOutcome{}, fmt.Errorf("decode tagger response: %w", err)
	}

	switch {
	case decoded.BatchID != "" && len(decoded.Results) > 0:
		return domain.SubmissionOutcome{}, fmt.Errorf("tagger returned both batch_id and results")
	case decoded.BatchID != "":
		return domain.SubmissionOutcome{BatchID: decoded.BatchID}, nil
	case len(decoded.Results) > 0:
		return domain.SubmissionOutcome{Results: decoded.Results}, nil
	default:
		return domain.SubmissionOutcome{}, fmt.Errorf("tagger returned neither batch_id nor results")
	}
}

func (c *Client) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
