// ABOUTME: gRPC server-streaming Events service built on structpb messages
// ABOUTME: Registered by the gateway; clients subscribe and receive each new message as a Struct

package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/wabridge/internal/conversation"
)

const (
	EventsServiceName = "wabridge.v1.Events"
	subscribeMethod   = "/" + EventsServiceName + "/Subscribe"
)

// EventsServer is the server API for the Events service.
type EventsServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// EventsServiceDesc describes the Events service. The request is a Struct
// with an optional "conversation_id" filter; every response is a Struct
// holding one new-message event.
var EventsServiceDesc = grpc.ServiceDesc{
	ServiceName: EventsServiceName,
	HandlerType: (*EventsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "wabridge/v1/events.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventsServer).Subscribe(req, stream)
}

// RegisterEventsServer registers srv on s.
func RegisterEventsServer(s grpc.ServiceRegistrar, srv EventsServer) {
	s.RegisterService(&EventsServiceDesc, srv)
}

// EventStream serves Events subscriptions from an EventBroadcaster.
type EventStream struct {
	broadcaster *conversation.EventBroadcaster
	logger      *slog.Logger
}

// NewEventStream creates the Events service implementation.
func NewEventStream(b *conversation.EventBroadcaster, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{broadcaster: b, logger: logger.With("component", "grpc_events")}
}

func (s *EventStream) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	filter := req.GetFields()["conversation_id"].GetStringValue()

	events, subID := s.broadcaster.Subscribe(ctx, conversation.TopicNewMessage)
	s.logger.Info("grpc subscriber connected", "sub_id", subID, "conversation_id", filter)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return status.Error(codes.Unavailable, "event stream closed")
			}
			if filter != "" && ev.ConversationID != filter {
				continue
			}
			msg, err := EventToStruct(ev)
			if err != nil {
				return status.Errorf(codes.Internal, "encoding event: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// EventToStruct converts an event to its wire form.
func EventToStruct(ev *conversation.NewMessageEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"type":            conversation.TopicNewMessage,
		"conversation_id": ev.ConversationID,
		"message_id":      ev.MessageID,
		"sender_id":       ev.SenderID,
		"content":         ev.Content,
		"timestamp":       ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// StructToEvent is the inverse of EventToStruct.
func StructToEvent(s *structpb.Struct) (*conversation.NewMessageEvent, error) {
	f := s.GetFields()
	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &conversation.NewMessageEvent{
		ConversationID: f["conversation_id"].GetStringValue(),
		MessageID:      f["message_id"].GetStringValue(),
		SenderID:       f["sender_id"].GetStringValue(),
		Content:        f["content"].GetStringValue(),
		Timestamp:      ts,
	}, nil
}

// EventsClient is a Subscribe stream opened with SubscribeEvents.
type EventsClient struct {
	stream grpc.ClientStream
}

// SubscribeEvents opens an Events stream, optionally filtered to one
// conversation.
func SubscribeEvents(ctx context.Context, cc grpc.ClientConnInterface, conversationID string) (*EventsClient, error) {
	stream, err := cc.NewStream(ctx, &EventsServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventsClient{stream: stream}, nil
}

// Recv blocks for the next event.
func (c *EventsClient) Recv() (*conversation.NewMessageEvent, error) {
	msg := new(structpb.Struct)
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return StructToEvent(msg)
}
