// ABOUTME: End-to-end tests for realtime delivery through a running gateway
// ABOUTME: A webhook delivery must reach SSE and gRPC subscribers exactly once

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/wabridge/internal/conversation"
	"github.com/2389/wabridge/internal/realtime"
)

type sseEvent struct {
	name string
	data string
}

// readSSEEvent reads lines until a blank line ends an event, skipping comments.
func readSSEEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openSSE(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	require.Equal(t, "subscribed", readSSEEvent(t, r).name)
	return r
}

func TestSSEStreamsNewMessages(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	r := openSSE(t, srv.URL+"/api/events")

	rec := do(t, gw, http.MethodPost, "/webhook", cloudDelivery("wamid.SSE", "streamed"))
	require.Equal(t, http.StatusOK, rec.Code)

	ev := readSSEEvent(t, r)
	assert.Equal(t, conversation.TopicNewMessage, ev.name)

	var payload conversation.NewMessageEvent
	require.NoError(t, json.Unmarshal([]byte(ev.data), &payload))
	assert.Equal(t, "wamid.SSE", payload.MessageID)
	assert.Equal(t, "15551230000", payload.SenderID)
	assert.Equal(t, "streamed", payload.Content)
}

func TestSSEFilterByConversation(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	rec := do(t, gw, http.MethodPost, "/api/send", `{"recipient":"15550001111","content":"first"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var sent SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))

	r := openSSE(t, srv.URL+"/api/events?conversation_id="+sent.ConversationID)

	// another conversation's message is filtered out
	rec = do(t, gw, http.MethodPost, "/webhook", cloudDelivery("wamid.OTHER", "not for you"))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, gw, http.MethodPost, "/api/send", `{"recipient":"15550001111","content":"second"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ev := readSSEEvent(t, r)
	var payload conversation.NewMessageEvent
	require.NoError(t, json.Unmarshal([]byte(ev.data), &payload))
	assert.Equal(t, "second", payload.Content)
	assert.Equal(t, sent.ConversationID, payload.ConversationID)
}

func TestReplayDoesNotRepublish(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	r := openSSE(t, srv.URL+"/api/events")

	body := cloudDelivery("wamid.ONCE", "once")
	require.Equal(t, http.StatusOK, do(t, gw, http.MethodPost, "/webhook", body).Code)
	require.Equal(t, http.StatusOK, do(t, gw, http.MethodPost, "/webhook", body).Code)
	require.Equal(t, http.StatusOK, do(t, gw, http.MethodPost, "/webhook", cloudDelivery("wamid.NEXT", "next")).Code)

	first := readSSEEvent(t, r)
	second := readSSEEvent(t, r)
	assert.Contains(t, first.data, "wamid.ONCE")
	assert.Contains(t, second.data, "wamid.NEXT")
}

func TestGRPCEventsOnRunningGateway(t *testing.T) {
	cfg := testConfig(t)
	gw, _ := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shutdown in time")
		}
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	streamCtx, streamCancel := context.WithTimeout(ctx, 5*time.Second)
	defer streamCancel()
	events, err := realtime.SubscribeEvents(streamCtx, conn, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gw.broadcaster.SubscriberCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Post("http://"+cfg.Server.HTTPAddr+"/webhook", "application/json",
		strings.NewReader(cloudDelivery("wamid.GRPC", "over grpc")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev, err := events.Recv()
	require.NoError(t, err)
	assert.Equal(t, "wamid.GRPC", ev.MessageID)
	assert.Equal(t, "over grpc", ev.Content)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Timestamp.UTC())
}
