package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callscore-platform/internal/calls"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T, f *serviceFixture, secret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := Handlers{
		Service:       f.svc,
		Store:         f.store,
		WebhookSecret: secret,
	}
	r := gin.New()
	r.POST("/webhooks/telephony/call-ended", h.CallEnded)
	r.POST("/v1/calls/upload", h.Upload)
	r.GET("/v1/calls/:id", h.GetCall)
	r.POST("/v1/calls/:id/swap-speakers", h.SwapSpeakers)
	return r
}

func doJSON(r *gin.Engine, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCallEnded_SecretRequired(t *testing.T) {
	f := newServiceFixture(t)
	r := newTestRouter(t, f, "s3cret")

	body := `{"event":"call.ended","call_id":"prov-1","from":"+15551234567","recording_url":"https://r/1.wav","duration_seconds":120}`

	w := doJSON(r, http.MethodPost, "/webhooks/telephony/call-ended", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: expected 401, got %d", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/webhooks/telephony/call-ended", body, map[string]string{"X-Webhook-Secret": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/webhooks/telephony/call-ended", body, map[string]string{"X-Webhook-Secret": "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("valid secret: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCallEnded_DiscardedEventAnswers200(t *testing.T) {
	f := newServiceFixture(t)
	r := newTestRouter(t, f, "")

	body := `{"event":"call.ended","call_id":"prov-2","duration_seconds":5}`
	w := doJSON(r, http.MethodPost, "/webhooks/telephony/call-ended", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("discards must answer 200 so the provider stops retrying, got %d", w.Code)
	}
	var out WebhookOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Discarded {
		t.Fatalf("expected discarded outcome, got %+v", out)
	}
}

func TestCallEnded_MissingRequiredFields(t *testing.T) {
	f := newServiceFixture(t)
	r := newTestRouter(t, f, "")

	w := doJSON(r, http.MethodPost, "/webhooks/telephony/call-ended", `{"event":"call.ended"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing call_id, got %d", w.Code)
	}
}

func TestUpload_TranscriptCreated(t *testing.T) {
	f := newServiceFixture(t)
	r := newTestRouter(t, f, "")

	payload, _ := json.Marshal(map[string]any{
		"transcript_text": uploadExport,
		"phone":           "5551234567",
	})
	w := doJSON(r, http.MethodPost, "/v1/calls/upload", string(payload), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != calls.StatusScoring {
		t.Fatalf("expected scoring, got %q", created.Status)
	}
}

func TestUpload_ErrorMapping(t *testing.T) {
	f := newServiceFixture(t)
	r := newTestRouter(t, f, "")

	// Missing both transcript and audio.
	w := doJSON(r, http.MethodPost, "/v1/calls/upload", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty upload: expected 400, got %d", w.Code)
	}

	// Unparseable transcript.
	payload, _ := json.Marshal(map[string]any{"transcript_text": "garbage with no structure"})
	w = doJSON(r, http.MethodPost, "/v1/calls/upload", string(payload), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("garbage transcript: expected 422, got %d", w.Code)
	}

	// Cross-source duplicate.
	date := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	existing, err := f.store.Create(context.Background(), calls.Call{
		Source:       calls.SourceTelephony,
		ExternalID:   "prov-9",
		ContactPhone: "15551234567",
		CallDate:     date,
		RecordingURL: "u",
		Status:       calls.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	payload, _ = json.Marshal(map[string]any{
		"transcript_text": uploadExport,
		"phone":           "555-123-4567",
		"call_date":       date.Format(time.RFC3339),
	})
	w = doJSON(r, http.MethodPost, "/v1/calls/upload", string(payload), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		ExistingCallID string `json:"existing_call_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ExistingCallID != existing.ID {
		t.Fatalf("expected existing call id %s, got %s", existing.ID, body.ExistingCallID)
	}
}

func TestGetCall(t *testing.T) {
	f := newServiceFixture(t)
	r := newTestRouter(t, f, "")
	c := seedScoringCall(t, f.store)

	w := doJSON(r, http.MethodGet, "/v1/calls/"+c.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Call calls.Call `json:"call"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Call.ID != c.ID {
		t.Fatalf("expected call %s, got %s", c.ID, out.Call.ID)
	}

	w = doJSON(r, http.MethodGet, "/v1/calls/missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSwapSpeakersHandler_ConflictStates(t *testing.T) {
	f := newServiceFixture(t)
	r := newTestRouter(t, f, "")

	c, err := f.store.Create(context.Background(), calls.Call{
		Source:       calls.SourceManual,
		CallDate:     time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		RecordingURL: "u",
		Status:       calls.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	w := doJSON(r, http.MethodPost, "/v1/calls/"+c.ID+"/swap-speakers", "", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("swap on pending call: expected 409, got %d", w.Code)
	}
}
