// Package web exposes the public, unauthenticated HTTP surface:
// tracking pixel, click redirector, unsubscribe and the preference
// center. Everything here is reachable from links in sent emails, so
// every response is deliberately information-minimal: an invalid token
// and an unknown address look exactly the same from outside.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/campaign"
	"github.com/ignite/audience-engine/internal/subscriber"
	"github.com/ignite/audience-engine/internal/token"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Subscribers is the preference-center surface. Implemented by the
// subscriber service.
type Subscribers interface {
	GetByEmail(ctx context.Context, email string) (*subscriber.Subscriber, error)
	UpdatePreferences(ctx context.Context, email string, prefs subscriber.Preferences, source string) (*subscriber.Subscriber, error)
	HardUnsubscribe(ctx context.Context, email, source string) error
}

// SendLogs is the tracking surface. Implemented by the campaign
// engine.
type SendLogs interface {
	GetLog(ctx context.Context, logID uuid.UUID) (*campaign.SendLog, error)
	MarkOpened(ctx context.Context, logID uuid.UUID) error
	MarkClicked(ctx context.Context, logID uuid.UUID) error
}

// Events accepts inbound business events. Implemented by the events
// service.
type Events interface {
	RecordEvent(ctx context.Context, ev automation.Event) error
}

type Handler struct {
	tokens        *token.Service
	subscribers   Subscribers
	logs          SendLogs
	events        Events
	webhookSecret string
}

func NewHandler(tokens *token.Service, subscribers Subscribers, logs SendLogs, events Events, webhookSecret string) *Handler {
	return &Handler{
		tokens:        tokens,
		subscribers:   subscribers,
		logs:          logs,
		events:        events,
		webhookSecret: webhookSecret,
	}
}

// Routes builds the public router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
	}))

	r.Get("/t/open.gif", h.HandleOpen)
	r.Get("/t/click", h.HandleClick)
	r.Get("/unsubscribe", h.HandleUnsubscribe)
	r.Get("/preferences", h.HandleGetPreferences)
	r.Post("/preferences", h.HandleUpdatePreferences)
	r.Post("/events", h.HandleEvent)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen serves the tracking pixel. The pixel is always returned;
// the open is only recorded when the token verifies and matches an
// existing log row.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.VerifyKind(r.URL.Query().Get("token"), token.KindTracking)
	if err == nil && h.matchesLog(r, claims) && h.logExists(r.Context(), claims.LogID) {
		if err := h.logs.MarkOpened(r.Context(), claims.LogID); err != nil {
			log.Printf("[Web] Failed to record open for %s: %v", claims.LogID, err)
		}
	}
	h.servePixel(w)
}

// HandleClick records the click and redirects to the original target.
// Anything invalid is a plain 404: no hint about whether the log, the
// token or the URL was the problem.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.VerifyKind(r.URL.Query().Get("token"), token.KindTracking)
	if err != nil || !h.matchesLog(r, claims) || !h.logExists(r.Context(), claims.LogID) {
		http.NotFound(w, r)
		return
	}
	target := r.URL.Query().Get("u")
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		http.NotFound(w, r)
		return
	}
	if err := h.logs.MarkClicked(r.Context(), claims.LogID); err != nil {
		log.Printf("[Web] Failed to record click for %s: %v", claims.LogID, err)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleUnsubscribe processes a one-click unsubscribe link. The
// response is identical whether the token was valid, the address
// unknown, or the subscriber already unsubscribed.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	claims, err := h.tokens.VerifyKind(r.URL.Query().Get("token"), token.KindUnsubscribe)
	if err == nil && claims.Email == subscriber.NormalizeEmail(email) {
		if err := h.subscribers.HardUnsubscribe(r.Context(), claims.Email, subscriber.SourceUnsubscribeLink); err != nil {
			log.Printf("[Web] Unsubscribe failed for %s: %v", claims.Email, err)
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body><p>You have been unsubscribed.</p></body></html>"))
}

type preferencesResponse struct {
	Email       string                 `json:"email"`
	Preferences subscriber.Preferences `json:"preferences"`
}

type preferencesRequest struct {
	Token       string                 `json:"token"`
	Preferences subscriber.Preferences `json:"preferences"`
	Unsubscribe bool                   `json:"unsubscribe,omitempty"`
}

// HandleGetPreferences returns the current preference map for a valid
// access token.
func (h *Handler) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.VerifyKind(r.URL.Query().Get("token"), token.KindPreference)
	if err != nil {
		h.notFoundJSON(w)
		return
	}
	sub, err := h.subscribers.GetByEmail(r.Context(), claims.Email)
	if err != nil || sub == nil || sub.Status == subscriber.StatusAnonymized {
		h.notFoundJSON(w)
		return
	}
	h.writeJSON(w, http.StatusOK, preferencesResponse{Email: sub.Email, Preferences: sub.Preferences})
}

// HandleUpdatePreferences saves a new preference map, optionally
// combined with a full unsubscribe.
func (h *Handler) HandleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.notFoundJSON(w)
		return
	}
	claims, err := h.tokens.VerifyKind(req.Token, token.KindPreference)
	if err != nil {
		h.notFoundJSON(w)
		return
	}

	sub, err := h.subscribers.UpdatePreferences(r.Context(), claims.Email, req.Preferences, subscriber.SourcePreferenceCenter)
	if err != nil {
		h.notFoundJSON(w)
		return
	}
	if req.Unsubscribe {
		if err := h.subscribers.HardUnsubscribe(r.Context(), claims.Email, subscriber.SourcePreferenceCenter); err != nil {
			log.Printf("[Web] Combined unsubscribe failed for %s: %v", claims.Email, err)
		}
	}
	h.writeJSON(w, http.StatusOK, preferencesResponse{Email: sub.Email, Preferences: sub.Preferences})
}

// HandleEvent ingests a business event from an internal producer. The
// shared secret keeps the public internet out; failures return 500 so
// at-least-once producers retry.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	given := r.Header.Get("X-Webhook-Secret")
	if h.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(h.webhookSecret)) != 1 {
		http.NotFound(w, r)
		return
	}
	var ev automation.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event"})
		return
	}
	if err := h.events.RecordEvent(r.Context(), ev); err != nil {
		log.Printf("[Web] Failed to record event %s: %v", ev.Kind, err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event not recorded"})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// matchesLog requires the URL's lid (and cid, when present) to agree
// with the token claims, so a captured token cannot be replayed
// against other log rows.
func (h *Handler) matchesLog(r *http.Request, claims token.Claims) bool {
	lid, err := uuid.Parse(r.URL.Query().Get("lid"))
	if err != nil || lid != claims.LogID {
		return false
	}
	if cid := r.URL.Query().Get("cid"); cid != "" {
		parsed, err := uuid.Parse(cid)
		if err != nil || parsed != claims.CampaignID {
			return false
		}
	}
	return true
}

// logExists confirms the token's log row is real before anything is
// recorded; a signed token for a purged row is a dead link.
func (h *Handler) logExists(ctx context.Context, logID uuid.UUID) bool {
	l, err := h.logs.GetLog(ctx, logID)
	if err != nil {
		log.Printf("[Web] Failed to load send log %s: %v", logID, err)
		return false
	}
	return l != nil
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

func (h *Handler) notFoundJSON(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Web] Failed to encode response: %v", err)
	}
}
