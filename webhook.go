package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// WebhookSignatureHeader carries the HMAC-SHA256 signature of the body.
const WebhookSignatureHeader = "X-Chatsync-Signature"

// WebhookPayload is one change pushed by the server to a webhook endpoint.
type WebhookPayload struct {
	Source    string   `json:"source"`
	Scope     string   `json:"scope"`
	Timestamp int64    `json:"timestamp"`
	Change    Envelope `json:"change"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature, with or without
// the "sha256=" prefix.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses and validates a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Source != "chatsync" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Scope == "" {
		return nil, fmt.Errorf("missing scope field in webhook payload")
	}
	if payload.Change.Table == "" || payload.Change.Operation == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (table, operation)")
	}
	return &payload, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed is a change-feed fed by signed HTTP pushes. Mount its
// HTTPHandler on a server; subscriptions receive the payloads addressed to
// their scope. A push has no connection to lose, so it is never stale.
type WebhookFeed struct {
	secret string

	mu   sync.RWMutex
	subs map[string]*webhookSubscription
}

// NewWebhookFeed creates a feed that accepts pushes signed with secret.
func NewWebhookFeed(secret string) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookFeed{secret: secret, subs: make(map[string]*webhookSubscription)}, nil
}

// Subscribe registers h for pushes addressed to scope.
func (w *WebhookFeed) Subscribe(_ context.Context, scope Scope, h FeedHandler) (Subscription, error) {
	sub := &webhookSubscription{feed: w, key: scope.String(), handler: h}
	w.mu.Lock()
	w.subs[sub.key] = sub
	w.mu.Unlock()
	return sub, nil
}

// Handle processes a webhook request (verify + parse + deliver) and returns
// the status code and response body for the caller to write.
func (w *WebhookFeed) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.RLock()
	sub := w.subs[payload.Scope]
	w.mu.RUnlock()
	if sub == nil || sub.handler.OnEvent == nil {
		return http.StatusAccepted, map[string]bool{"ok": true, "delivered": false}
	}
	sub.handler.OnEvent(payload.Change)
	return http.StatusOK, map[string]bool{"ok": true, "delivered": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	feed, _ := chatsync.NewWebhookFeed("secret")
//	http.Handle("/webhook", feed.HTTPHandler())
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

type webhookSubscription struct {
	feed    *WebhookFeed
	key     string
	handler FeedHandler
}

func (s *webhookSubscription) Close() error {
	s.feed.mu.Lock()
	if s.feed.subs[s.key] == s {
		delete(s.feed.subs, s.key)
	}
	s.feed.mu.Unlock()
	return nil
}
