// ABOUTME: Matrix sink mirroring new messages into a room as plain text
// ABOUTME: Uses a mautrix client authenticated with an access token

package realtime

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/wabridge/internal/conversation"
)

// MatrixConfig identifies the bot account and target room.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// MatrixSink posts one text message per event into a room.
type MatrixSink struct {
	client *mautrix.Client
	room   id.RoomID
}

// NewMatrixSink creates a sink. No request is made until the first Publish.
func NewMatrixSink(cfg MatrixConfig) (*MatrixSink, error) {
	if cfg.Homeserver == "" || cfg.AccessToken == "" || cfg.RoomID == "" {
		return nil, errors.New("matrix: homeserver, access_token and room_id are required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: creating client: %w", err)
	}
	return &MatrixSink{client: client, room: id.RoomID(cfg.RoomID)}, nil
}

func (m *MatrixSink) Name() string { return "matrix" }

func (m *MatrixSink) Publish(ctx context.Context, event *conversation.NewMessageEvent) error {
	_, err := m.client.SendText(ctx, m.room, FormatMatrixText(event))
	return err
}

func (m *MatrixSink) Close() error { return nil }

// FormatMatrixText renders an event as a single room line.
func FormatMatrixText(event *conversation.NewMessageEvent) string {
	return fmt.Sprintf("[%s] %s", event.SenderID, event.Content)
}
