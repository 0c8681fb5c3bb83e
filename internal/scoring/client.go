// Package scoring runs the rubric-scoring step for transcribed calls and
// owns the retry queue around it.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"callscore-platform/internal/calls"

	"github.com/cenkalti/backoff/v4"
)

// Result is the scoring service's verdict. Phase detail is passed through
// opaquely; only Overall matters to the pipeline.
type Result struct {
	PhaseScores []PhaseScore `json:"phase_scores"`
	Overall     float64      `json:"overall_score"`
	Feedback    string       `json:"feedback,omitempty"`
}

type PhaseScore struct {
	Phase string  `json:"phase"`
	Score float64 `json:"score"`
}

// Scorer grades a speaker-labeled transcript against the rubric. The
// service is a black box here; only success or failure matters.
type Scorer interface {
	Score(ctx context.Context, transcript []calls.TranscriptSegment) (Result, error)
}

type ClientConfig struct {
	BaseURL  string
	APIToken string
	Model    string
	Timeout  time.Duration

	// MaxRetryElapsed bounds transient-failure retries around one request.
	// The queue's attempt-level retry policy sits above this.
	MaxRetryElapsed time.Duration
}

// Client calls the LLM-backed scoring API over HTTP.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type scoreRequest struct {
	Model      string                    `json:"model,omitempty"`
	Transcript []calls.TranscriptSegment `json:"transcript"`
}

func (c *Client) Score(ctx context.Context, transcript []calls.TranscriptSegment) (Result, error) {
	if len(transcript) == 0 {
		return Result{}, fmt.Errorf("scoring: transcript is required")
	}

	body, err := json.Marshal(scoreRequest{Model: c.cfg.Model, Transcript: transcript})
	if err != nil {
		return Result{}, err
	}

	var out Result
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/score", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("scoring: server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("scoring: status %d: %s", resp.StatusCode, msg))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("scoring: decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.MaxRetryElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return Result{}, err
	}
	return out, nil
}
