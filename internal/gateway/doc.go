// Package gateway orchestrates the wabridge server components.
//
// # Overview
//
// The gateway owns the store, the bridge pipelines, the realtime fanout and
// both listeners. HTTP carries the provider webhook, the operator API and the
// WebSocket and SSE streams; gRPC carries the Events server stream.
//
// # HTTP API
//
//   - GET  /webhook - provider verification handshake (hub.* query)
//   - POST /webhook - provider message delivery
//   - POST /api/send - outbound text message
//   - POST /send-whatsapp-message - legacy send ({message, recipientNumber})
//   - GET  /api/conversations - recent conversations (?participant=&limit=)
//   - GET  /api/conversations/{id} - one conversation
//   - GET  /api/conversations/{id}/messages - history in event-time order
//   - POST /api/conversations/{id}/read - mark the other side's messages read
//   - GET  /api/users/{key} - one user
//   - GET  /api/events - Server-Sent Events stream of new messages
//   - GET  /ws - WebSocket stream; accepts sendMessage frames
//   - GET  /health, /health/ready - liveness and store readiness
//   - GET  /metrics - Prometheus, when metrics.enabled
//
// # Status Codes
//
// Webhook deliveries answer 200 when every message was stored or was already
// known, 400 when a message was malformed and 500 when storage failed, so the
// provider retries only what can succeed later. Sends answer 400 for invalid
// requests, 502 when the provider refused and 500 when the provider accepted
// but the ledger write failed.
//
// # SSE Streaming
//
//	event: subscribed
//	data: {"subscription_id": "..."}
//
//	event: newMessage
//	data: {"conversation_id": "...", "message_id": "...", ...}
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	cancel() // Run shuts down within five seconds
//
// With tailscale.enabled the listeners move onto a tsnet node (:80 and :50051).
package gateway
