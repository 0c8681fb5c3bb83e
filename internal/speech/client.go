// Package speech wraps the external speech-to-text service.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Segment is one timed chunk of recognized speech. SpeakerTag is set only
// when the service diarized the audio.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	SpeakerTag string  `json:"speaker,omitempty"`
}

type Result struct {
	Segments   []Segment `json:"segments"`
	Duration   float64   `json:"duration"`
	Confidence float64   `json:"confidence,omitempty"`

	// Diarized reports whether speaker tags are present.
	Diarized bool `json:"diarized"`
}

type TranscribeOptions struct {
	// SpeakersExpected hints the diarizer. 0 leaves diarization to the
	// service's default.
	SpeakersExpected int
}

// Transcriber is the provider-agnostic speech-to-text contract.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string, opts TranscribeOptions) (Result, error)
}

type ClientConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration

	// MaxRetryElapsed bounds transient-failure retries around one request.
	MaxRetryElapsed time.Duration
}

// Client calls an HTTP speech-to-text API. Transient failures (network
// errors, 5xx) are retried with exponential backoff; 4xx responses are
// permanent.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 2 * time.Minute
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type transcribeRequest struct {
	AudioURL         string `json:"audio_url"`
	SpeakersExpected int    `json:"speakers_expected,omitempty"`
}

func (c *Client) Transcribe(ctx context.Context, audioURL string, opts TranscribeOptions) (Result, error) {
	if audioURL == "" {
		return Result{}, fmt.Errorf("speech: audio url is required")
	}

	body, err := json.Marshal(transcribeRequest{
		AudioURL:         audioURL,
		SpeakersExpected: opts.SpeakersExpected,
	})
	if err != nil {
		return Result{}, err
	}

	var out Result
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/transcribe", bytes.NewReader(body))
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

		if resp.StatusCode >= 500 {
			return fmt.Errorf("speech: server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("speech: status %d: %s", resp.StatusCode, msg))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("speech: decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.MaxRetryElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return Result{}, err
	}

	out.Diarized = hasSpeakerTags(out.Segments)
	return out, nil
}

func hasSpeakerTags(segs []Segment) bool {
	for _, s := range segs {
		if s.SpeakerTag != "" {
			return true
		}
	}
	return false
}
