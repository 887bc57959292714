// Package api is the HTTP ingest surface: submission admission, job
// polling, and webhook subscription management. It is a thin layer over
// the engine — every admission decision (validation, idempotency, rate
// limiting) lives in engine.Submit, and the handlers translate results
// into status codes, envelopes, and rate-limit headers.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	imggo "github.com/imggo/engine"
	"github.com/imggo/engine/engine"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/job"
	"github.com/imggo/engine/ratelimit"
	"github.com/imggo/engine/webhook"
)

// API error codes surfaced in the error envelope.
const (
	codeMissingAuthorization = "missing_authorization"
	codeInvalidAPIKey        = "invalid_api_key"
	codeRateLimitExceeded    = "rate_limit_exceeded"
	codeNotFound             = "not_found"
	codeInvalidRequest       = "invalid_request"
	codeInternal             = "internal_error"
)

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSyncPatterns marks patterns whose submissions wait briefly for an
// inline result. A submission against one of these returns 200 with the
// terminal snapshot when processing finishes within the sync window,
// and falls back to the usual 202 otherwise.
func WithSyncPatterns(patternIDs ...string) Option {
	return func(s *Server) {
		for _, p := range patternIDs {
			s.syncPatterns[p] = struct{}{}
		}
	}
}

// WithSyncWait bounds how long a sync-eligible submission waits for an
// inline result.
func WithSyncWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.syncWait = d
		}
	}
}

// Server exposes the engine over HTTP.
type Server struct {
	eng          *engine.Engine
	auth         Authenticator
	logger       *slog.Logger
	syncPatterns map[string]struct{}
	syncWait     time.Duration
}

// NewServer creates a Server. A nil authenticator falls back to
// NoopAuthenticator, suitable for development only.
func NewServer(eng *engine.Engine, auth Authenticator, opts ...Option) *Server {
	if auth == nil {
		auth = &NoopAuthenticator{}
	}
	s := &Server{
		eng:          eng,
		auth:         auth,
		logger:       slog.Default(),
		syncPatterns: make(map[string]struct{}),
		syncWait:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /patterns/{patternID}/ingest", s.authed(s.handleIngest))
	mux.HandleFunc("GET /jobs/{jobID}", s.authed(s.handleGetJob))
	mux.HandleFunc("GET /jobs/{jobID}/deliveries", s.authed(s.handleListDeliveries))
	mux.HandleFunc("POST /webhooks", s.authed(s.handleCreateWebhook))
	mux.HandleFunc("DELETE /webhooks/{webhookID}", s.authed(s.handleDeleteWebhook))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// authed wraps a handler with bearer-token authentication and stashes
// the caller's API key in the request context. Every authenticated
// response carries the X-RateLimit-* headers; admission-checked
// handlers overwrite them with the post-admission snapshot.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.respondError(w, http.StatusUnauthorized, codeMissingAuthorization, "Authorization header is required")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.respondError(w, http.StatusUnauthorized, codeMissingAuthorization, "Authorization must be a bearer token")
			return
		}

		identity, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, codeInvalidAPIKey, "unknown API key")
			return
		}

		if d, err := s.eng.RateLimit(r.Context(), identity.APIKey); err == nil {
			setRateLimitHeaders(w, d)
		} else {
			s.logger.Debug("rate limit peek failed", slog.String("error", err.Error()))
		}

		ctx := imggo.WithAPIKey(r.Context(), identity.APIKey)
		next(w, r.WithContext(ctx))
	}
}

// ── Ingest ──────────────────────────────────────────

// ingestRequest is the JSON submission body.
type ingestRequest struct {
	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	patternID := r.PathValue("patternID")
	apiKey, _ := imggo.APIKeyFrom(r.Context())

	input, webhookURL, ok := s.readSubmission(w, r)
	if !ok {
		return
	}

	j, created, decision, err := s.eng.Submit(r.Context(), apiKey, patternID, input, engine.SubmitOptions{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		WebhookURL:     webhookURL,
	})
	setRateLimitHeaders(w, decision)
	if err != nil {
		s.respondSubmitError(w, decision, err)
		return
	}

	if !created {
		// Idempotent replay: the snapshot reflects current state.
		s.respond(w, http.StatusOK, j)
		return
	}
	if _, sync := s.syncPatterns[patternID]; sync {
		if done := s.waitInline(r, j); done != nil {
			s.respond(w, http.StatusOK, done)
			return
		}
	}
	s.respond(w, http.StatusAccepted, j)
}

// readSubmission decodes a JSON or multipart submission into an Input.
// On failure it writes the error response and returns ok=false.
func (s *Server) readSubmission(w http.ResponseWriter, r *http.Request) (job.Input, string, bool) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		input, ok := s.readMultipartImage(w, r)
		return input, r.FormValue("webhook_url"), ok
	}

	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, job.MaxImageBytes*2)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, codeInvalidRequest, "request body is not valid JSON")
		return job.Input{}, "", false
	}
	return job.Input{URL: req.ImageURL, Base64: req.ImageBase64}, req.WebhookURL, true
}

// readMultipartImage inlines an uploaded file as a base64 payload so
// it flows through the same validation as JSON submissions.
func (s *Server) readMultipartImage(w http.ResponseWriter, r *http.Request) (job.Input, bool) {
	if err := r.ParseMultipartForm(job.MaxImageBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, codeInvalidRequest, "malformed multipart body")
		return job.Input{}, false
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, job.CodeMissingField, `multipart field "image" is required`)
		return job.Input{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, job.MaxImageBytes+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeInvalidRequest, "failed to read uploaded file")
		return job.Input{}, false
	}
	if len(data) > job.MaxImageBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, job.CodeImageTooLarge,
			fmt.Sprintf("uploaded file exceeds %d bytes", job.MaxImageBytes))
		return job.Input{}, false
	}
	return job.Input{Base64: base64.StdEncoding.EncodeToString(data)}, true
}

// waitInline polls for a terminal snapshot within the sync window.
func (s *Server) waitInline(r *http.Request, j *job.Job) *job.Job {
	deadline := time.NewTimer(s.syncWait)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-deadline.C:
			return nil
		case <-tick.C:
			got, err := s.eng.GetJob(r.Context(), j.ID)
			if err != nil {
				return nil
			}
			if got.Status.Terminal() {
				return got
			}
		}
	}
}

func (s *Server) respondSubmitError(w http.ResponseWriter, decision ratelimit.Decision, err error) {
	var vErr *job.ValidationError
	switch {
	case errors.As(err, &vErr):
		s.respondError(w, validationStatus(vErr.Code), vErr.Code, vErr.Message)
	case errors.Is(err, imggo.ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
		s.respondError(w, http.StatusTooManyRequests, codeRateLimitExceeded, "rate limit exceeded")
	default:
		s.logger.Error("submit failed", slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func validationStatus(code string) int {
	switch code {
	case job.CodeImageTooLarge:
		return http.StatusRequestEntityTooLarge
	case job.CodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

// ── Jobs ────────────────────────────────────────────

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}

	j, err := s.eng.GetJob(r.Context(), jobID)
	if errors.Is(err, imggo.ErrJobNotFound) {
		s.respondError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	// Jobs are visible only to the key that created them.
	if caller, _ := imggo.APIKeyFrom(r.Context()); j.APIKey != caller {
		s.respondError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	s.respond(w, http.StatusOK, j)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}

	caller, _ := imggo.APIKeyFrom(r.Context())
	j, err := s.eng.GetJob(r.Context(), jobID)
	if errors.Is(err, imggo.ErrJobNotFound) || (err == nil && j.APIKey != caller) {
		s.respondError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	attempts, err := s.eng.Store().ListAttemptsByJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list deliveries failed", slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	s.respond(w, http.StatusOK, attempts)
}

// ── Webhooks ────────────────────────────────────────

// createWebhookRequest is the subscription creation body.
type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Secret string   `json:"secret,omitempty"`
}

// createWebhookResponse carries the secret exactly once, at creation.
type createWebhookResponse struct {
	*webhook.Subscription
	Secret string `json:"secret"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, codeInvalidRequest, "request body is not valid JSON")
		return
	}

	sub, err := s.eng.RegisterWebhook(r.Context(), req.URL, req.Events, req.Secret)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	s.respond(w, http.StatusCreated, createWebhookResponse{Subscription: sub, Secret: sub.Secret})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID, err := id.ParseWebhookID(r.PathValue("webhookID"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, codeNotFound, "webhook not found")
		return
	}

	switch err := s.eng.UnregisterWebhook(r.Context(), webhookID); {
	case errors.Is(err, imggo.ErrWebhookNotFound):
		s.respondError(w, http.StatusNotFound, codeNotFound, "webhook not found")
	case err != nil:
		s.logger.Error("delete webhook failed", slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ── Health ──────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Store().Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, codeInternal, "store unreachable")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Envelopes ───────────────────────────────────────

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": errorBody{Code: code, Message: message}}); err != nil {
		s.logger.Error("encode error response", slog.String("error", err.Error()))
	}
}
