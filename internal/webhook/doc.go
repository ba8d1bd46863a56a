// Package webhook decodes and authenticates WhatsApp Cloud API webhook calls.
//
// Parse turns a POST body into a Batch of bridge.InboundEvent values. It
// knows two shapes:
//
//	{"entry":[{"changes":[{"value":{"metadata":{...},"contacts":[...],"messages":[...]}}]}]}
//	{"from":"...","to":"...","id":"...","timestamp":"...","text":"...","name":"..."}
//
// Status receipts and non-text messages are counted and dropped. Events are
// returned without validation; bridge.Ingest rejects incomplete ones.
//
// Verifier checks X-Hub-Signature-256 when an app secret is configured, and
// VerifyHandshake answers the GET subscription check.
package webhook
