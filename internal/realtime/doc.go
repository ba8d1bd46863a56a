// Package realtime delivers persisted-message events to everything watching
// the bridge.
//
// Fanout is the bridge.Notifier. It publishes to the in-process
// conversation.EventBroadcaster first and then to each external Sink:
//
//   - RedisSink: PUBLISH of a JSON Envelope on a configured channel
//   - MatrixSink: one m.text message per event in a Matrix room
//
// Local subscribers attach through WSHandler (WebSocket, which also accepts
// sendMessage frames for outbound dispatch) and the gRPC Events service.
// The gateway adds a Server-Sent Events endpoint on the same broadcaster.
//
// Delivery is best-effort everywhere. Slow local subscribers lose events and
// sink failures are logged and reported to the PublishObserver.
package realtime
