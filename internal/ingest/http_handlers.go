package ingest

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"callscore-platform/internal/calls"
	"callscore-platform/internal/scoring"
	"callscore-platform/internal/transcript"
	"callscore-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups the pipeline's HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, map errors
// to status codes.
type Handlers struct {
	Service *Service
	Queue   *scoring.Queue
	Store   calls.Store
	CRM     CRMClient

	// WebhookSecret guards the telephony endpoint; empty disables the
	// check (local only).
	WebhookSecret string
}

type uploadRequest struct {
	TranscriptText  string    `json:"transcript_text,omitempty"`
	AudioURL        string    `json:"audio_url,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	CallDate        time.Time `json:"call_date,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
}

// Upload handles a manual call upload (transcript text or audio URL).
func (h Handlers) Upload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	created, err := h.Service.UploadManual(c.Request.Context(), UploadRequest{
		TranscriptText:  req.TranscriptText,
		AudioURL:        req.AudioURL,
		Phone:           req.Phone,
		CallDate:        req.CallDate,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetCall returns one call with its transition history.
func (h Handlers) GetCall(c *gin.Context) {
	id := c.Param("id")
	call, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	history, err := h.Store.History(c.Request.Context(), id)
	if err != nil {
		logger.FromGin(c).Error("history lookup failed", "call_id", id, "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"call": call, "history": history})
}

// RetryTranscription re-runs the transcription stage for a failed call.
func (h Handlers) RetryTranscription(c *gin.Context) {
	call, err := h.Service.RetryTranscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, call)
}

// RetryScoring re-enqueues a failed scoring step.
func (h Handlers) RetryScoring(c *gin.Context) {
	call, err := h.Service.RetryScoring(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, call)
}

// SwapSpeakers flips every segment's speaker label and re-scores.
func (h Handlers) SwapSpeakers(c *gin.Context) {
	call, err := h.Service.SwapSpeakers(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// RetryFailed bulk-retries scoring failures, bounded per invocation.
func (h Handlers) RetryFailed(c *gin.Context) {
	res, err := h.Queue.RetryFailed(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "bulk retry failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

type syncRequest struct {
	Since time.Time `json:"since" binding:"required"`
}

// SyncCRM triggers a CRM poll for calls completed since a timestamp.
func (h Handlers) SyncCRM(c *gin.Context) {
	if h.CRM == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "crm integration not configured"})
		return
	}
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "since timestamp required"})
		return
	}
	res, err := h.Service.SyncCRM(c.Request.Context(), h.CRM, req.Since)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "crm sync failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

const headerWebhookSecret = "X-Webhook-Secret"

// CallEnded handles the telephony provider's call.ended webhook.
func (h Handlers) CallEnded(c *gin.Context) {
	if h.WebhookSecret != "" {
		got := c.GetHeader(headerWebhookSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}

	var ev CallEndedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	outcome, err := h.Service.HandleCallEnded(c.Request.Context(), ev)
	if err != nil {
		writeIngestError(c, err)
		return
	}
	if outcome.Discarded {
		// 200, not an error: the provider must not retry discarded events.
		c.JSON(http.StatusOK, outcome)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// writeIngestError maps pipeline errors onto HTTP responses.
func writeIngestError(c *gin.Context, err error) {
	var dup *DuplicateCallError
	switch {
	case errors.As(err, &dup):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":            "duplicate call",
			"existing_call_id": dup.ExistingCallID,
		})
	case transcript.IsParseError(err):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error": "could not parse transcript; upload a different file",
			"cause": err.Error(),
		})
	case errors.Is(err, ErrInvalidUpload):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrInvalidTransition), errors.Is(err, calls.ErrInvalidStatus):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrStaleStatus):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call is being processed by another flow; refresh and retry"})
	default:
		logger.FromGin(c).Error("ingest request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
