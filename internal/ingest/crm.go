package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CRMCall is one completed call as reported by the CRM integration.
type CRMCall struct {
	ID              string    `json:"id"`
	ContactPhone    string    `json:"contact_phone"`
	OccurredAt      time.Time `json:"occurred_at"`
	DurationSeconds int       `json:"duration_seconds"`
	RecordingURL    string    `json:"recording_url,omitempty"`

	// TranscriptText is a vendor export when the CRM already holds one;
	// such calls skip transcription entirely.
	TranscriptText string `json:"transcript_text,omitempty"`
}

// CRMClient polls the CRM for calls completed since a timestamp.
type CRMClient interface {
	ListCalls(ctx context.Context, since time.Time) ([]CRMCall, error)
}

type CRMClientConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration

	MaxRetryElapsed time.Duration
}

// HTTPCRMClient is the CRM integration over its REST API.
type HTTPCRMClient struct {
	cfg  CRMClientConfig
	http *http.Client
}

func NewHTTPCRMClient(cfg CRMClientConfig) *HTTPCRMClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = time.Minute
	}
	return &HTTPCRMClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *HTTPCRMClient) ListCalls(ctx context.Context, since time.Time) ([]CRMCall, error) {
	endpoint := fmt.Sprintf("%s/v1/calls?completed_since=%s",
		c.cfg.BaseURL, url.QueryEscape(since.UTC().Format(time.RFC3339)))

	var out struct {
		Calls []CRMCall `json:"calls"`
	}
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.cfg.APIToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("crm: server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("crm: status %d: %s", resp.StatusCode, msg))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("crm: decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.MaxRetryElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return out.Calls, nil
}
