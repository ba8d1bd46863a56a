// ABOUTME: Tests for the webhook handshake and delivery handlers
// ABOUTME: Verifies status-code mapping for duplicates, malformed events, signatures and store failures

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wabridge/internal/store"
	"github.com/2389/wabridge/internal/webhook"
)

// cloudDelivery builds a one-message Cloud API webhook body.
func cloudDelivery(messageID, text string) string {
	return fmt.Sprintf(`{
  "object": "whatsapp_business_account",
  "entry": [{"id": "1", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "metadata": {"display_phone_number": %q, "phone_number_id": "106540352242922"},
    "contacts": [{"profile": {"name": "Ada"}, "wa_id": "15551230000"}],
    "messages": [{"from": "15551230000", "id": %q, "timestamp": "1700000000", "type": "text", "text": {"body": %q}}]
  }}]}]
}`, testBusiness, messageID, text)
}

func decodeWebhookResponse(t *testing.T, body []byte) WebhookResponse {
	t.Helper()
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestWebhookVerifyHandshake(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))

	tests := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1", http.StatusForbidden, ""},
		{"missing params", "hub.mode=subscribe", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodGet, "/webhook?"+tt.query, "")
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestWebhookStoresAndDeduplicates(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))
	body := cloudDelivery("wamid.HELLO", "Hello")

	rec := do(t, gw, http.MethodPost, "/webhook", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeWebhookResponse(t, rec.Body.Bytes())
	assert.Equal(t, "ok", first.Status)
	require.Len(t, first.Results, 1)
	assert.Equal(t, "wamid.HELLO", first.Results[0].MessageID)
	assert.Equal(t, "notified", first.Results[0].State)
	assert.False(t, first.Results[0].Duplicate)
	require.NotEmpty(t, first.Results[0].ConversationID)

	rec = do(t, gw, http.MethodPost, "/webhook", body)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeWebhookResponse(t, rec.Body.Bytes())
	require.Len(t, replay.Results, 1)
	assert.True(t, replay.Results[0].Duplicate)
	assert.Equal(t, first.Results[0].ConversationID, replay.Results[0].ConversationID)

	msgs, err := gw.store.ListMessages(t.Context(), first.Results[0].ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)

	u, err := gw.store.GetUser(t.Context(), "15551230000")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
}

func TestWebhookBackfillsNameAfterProfilelessDelivery(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))

	nameless := fmt.Sprintf(`{"entry":[{"changes":[{"value":{
		"metadata":{"display_phone_number":%q},
		"messages":[{"from":"15551230000","id":"wamid.A","timestamp":"1700000000","type":"text","text":{"body":"hi"}}]
	}}]}]}`, testBusiness)
	rec := do(t, gw, http.MethodPost, "/webhook", nameless)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u, err := gw.store.GetUser(t.Context(), "15551230000")
	require.NoError(t, err)
	assert.Equal(t, store.PlaceholderName, u.Name)

	rec = do(t, gw, http.MethodPost, "/webhook", cloudDelivery("wamid.B", "again"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u, err = gw.store.GetUser(t.Context(), "15551230000")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
}

func TestWebhookIgnoresStatusOnlyDelivery(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))
	body := `{"entry":[{"changes":[{"value":{
		"metadata":{"display_phone_number":"15559998888"},
		"statuses":[{"id":"wamid.X","status":"delivered","timestamp":"1700000000","recipient_id":"15551230000"}]
	}}]}]}`

	rec := do(t, gw, http.MethodPost, "/webhook", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeWebhookResponse(t, rec.Body.Bytes()).Status)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodPost, "/webhook", `{"entry": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw, http.MethodPost, "/webhook", `{"object":"whatsapp_business_account"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsEventMissingSender(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))
	body := `{"entry":[{"changes":[{"value":{
		"metadata":{"display_phone_number":"15559998888"},
		"messages":[{"id":"wamid.NOFROM","timestamp":"1700000000","type":"text","text":{"body":"hi"}}]
	}}]}]}`

	rec := do(t, gw, http.MethodPost, "/webhook", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeWebhookResponse(t, rec.Body.Bytes())
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "rejected", resp.Results[0].State)
	assert.Contains(t, resp.Results[0].Error, "sender")

	convs, err := gw.store.ListConversations(t.Context(), store.ConversationFilter{})
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestWebhookStoreFailureAsksForRetry(t *testing.T) {
	ms := store.NewMockStore()
	ms.FailAppendMessage = errors.New("disk full")
	gw, _ := newTestGateway(t, testConfig(t), WithStore(ms))

	rec := do(t, gw, http.MethodPost, "/webhook", cloudDelivery("wamid.RETRY", "hi"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeWebhookResponse(t, rec.Body.Bytes())
	assert.Equal(t, "error", resp.Status)

	ms.FailAppendMessage = nil
	rec = do(t, gw, http.MethodPost, "/webhook", cloudDelivery("wamid.RETRY", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeWebhookResponse(t, rec.Body.Bytes())
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].Duplicate)
}

func TestWebhookSignature(t *testing.T) {
	const secret = "app-secret"
	cfg := testConfig(t)
	cfg.Webhook.AppSecret = secret
	gw, _ := newTestGateway(t, cfg)
	body := cloudDelivery("wamid.SIGNED", "signed")

	rec := do(t, gw, http.MethodPost, "/webhook", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, gw, http.MethodPost, "/webhook", body, webhook.SignatureHeader, webhook.Sign([]byte(body), "other"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, gw, http.MethodPost, "/webhook", body, webhook.SignatureHeader, webhook.Sign([]byte(body), secret))
	assert.Equal(t, http.StatusOK, rec.Code)
}
