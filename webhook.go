package msgcache

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body,
// optionally prefixed with "sha256=".
const WebhookSignatureHeader = "X-Msgcache-Signature"

const maxWebhookBody = 8 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvents decodes a pushed body, which holds one event or an
// {"events": [...]} batch. Events with no cache effect are skipped.
func ParseWebhookEvents(body []byte, own Identity) ([]Event, error) {
	var batch eventsFrame
	raws := []json.RawMessage{body}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if batch.Events != nil {
		raws = batch.Events
	}

	events := make([]Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := DecodeEvent(raw, own)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// ============================================================================
// WebhookSource
// ============================================================================

// WebhookSource receives signed event pushes over HTTP and hands the decoded
// events to an EventHandler. A body is applied whole or not at all.
type WebhookSource struct {
	secret  string
	own     Identity
	handler EventHandler
	log     zerolog.Logger
}

// NewWebhookSource creates a receiver that verifies bodies with secret.
func NewWebhookSource(secret string, own Identity, handler EventHandler, log zerolog.Logger) (*WebhookSource, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &WebhookSource{
		secret:  secret,
		own:     own,
		handler: handler,
		log:     log.With().Str("component", "webhook").Logger(),
	}, nil
}

// Handle verifies and applies one body. It returns the status code and
// response body for the caller to write.
func (w *WebhookSource) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		w.log.Warn().Msg("Rejected webhook with bad signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	events, err := ParseWebhookEvents(body, w.own)
	if err != nil {
		w.log.Warn().Err(err).Msg("Rejected undecodable webhook")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	for _, ev := range events {
		w.handler(ev)
	}
	w.log.Debug().Int("count", len(events)).Msg("Applied pushed events")
	return http.StatusOK, map[string]int{"applied": len(events)}
}

// HTTPHandler returns an http.Handler that processes event pushes.
//
// Example:
//
//	src, _ := msgcache.NewWebhookSource("secret", own, msgcache.EngineHandler(engine), log)
//	http.Handle("/events", src.HTTPHandler())
func (w *WebhookSource) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		status, data := w.Handle(body, r.Header.Get(WebhookSignatureHeader))
		writeWebhookJSON(rw, status, data)
	})
}

func writeWebhookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(data)
}
