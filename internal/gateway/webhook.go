// ABOUTME: HTTP handlers for the provider webhook: verification handshake and message delivery
// ABOUTME: Maps pipeline outcomes to the status codes the provider's retry policy expects

package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/2389/wabridge/internal/bridge"
	"github.com/2389/wabridge/internal/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookResult reports the outcome of one event in a delivery.
type WebhookResult struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	State          string `json:"state"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WebhookResponse is the JSON body returned for POST /webhook.
type WebhookResponse struct {
	Status  string          `json:"status"`
	Results []WebhookResult `json:"results,omitempty"`
}

// handleWebhookVerify answers the provider's subscription handshake.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	challenge, err := webhook.VerifyHandshake(r.URL.Query(), g.config.Webhook.VerifyToken)
	switch {
	case errors.Is(err, webhook.ErrHandshakeIncomplete):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		g.logger.Warn("webhook verification rejected", "error", err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	g.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhook ingests every text message in a delivery.
//
// Any storage failure answers 500 so the provider retries the whole delivery;
// already-stored messages come back as duplicates on the retry. Otherwise a
// malformed message answers 400, which the provider does not retry.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if err := g.verifier.VerifySignature(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		g.logger.Warn("webhook signature rejected", "error", err, "remote", r.RemoteAddr)
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	batch, err := webhook.Parse(body)
	if err != nil {
		g.logger.Warn("malformed webhook payload", "error", err)
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if batch.Ignorable() {
		g.logger.Debug("webhook carried no text messages",
			"statuses", batch.Statuses,
			"unsupported", batch.Unsupported)
		g.writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
		return
	}

	var (
		results        = make([]WebhookResult, 0, len(batch.Events))
		sawShape       bool
		sawPersistence bool
	)
	for i := range batch.Events {
		ev := &batch.Events[i]
		out, err := g.bridge.Ingest(r.Context(), ev)

		res := WebhookResult{
			MessageID:      ev.MessageID,
			ConversationID: out.ConversationID,
			State:          string(out.State),
			Duplicate:      out.Duplicate,
		}
		if err != nil {
			res.Error = err.Error()
			var shapeErr *bridge.ShapeError
			var persistErr *bridge.PersistenceError
			switch {
			case errors.As(err, &persistErr):
				sawPersistence = true
				g.logger.Error("webhook event not stored", "message_id", ev.MessageID, "error", err)
			case errors.As(err, &shapeErr):
				sawShape = true
				g.logger.Warn("webhook event rejected", "message_id", ev.MessageID, "error", err)
			default:
				sawPersistence = true
				g.logger.Error("webhook event failed", "message_id", ev.MessageID, "error", err)
			}
		}
		results = append(results, res)
	}

	switch {
	case sawPersistence:
		g.writeJSON(w, http.StatusInternalServerError, WebhookResponse{Status: "error", Results: results})
	case sawShape:
		g.writeJSON(w, http.StatusBadRequest, WebhookResponse{Status: "rejected", Results: results})
	default:
		g.writeJSON(w, http.StatusOK, WebhookResponse{Status: "ok", Results: results})
	}
}
