// ABOUTME: Tests for Gateway construction, lifecycle and health endpoints
// ABOUTME: Shared helpers build gateways over in-memory stores with a fake provider sender

package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wabridge/internal/config"
	"github.com/2389/wabridge/internal/store"
)

const (
	testBusiness    = "15559998888"
	testVerifyToken = "verify-me"
)

type fakeSender struct {
	mu    sync.Mutex
	err   error
	sent  []string
	reply string
}

func (s *fakeSender) Send(ctx context.Context, recipient, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, recipient+":"+content)
	return s.reply, nil
}

func (s *fakeSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	// Find available ports
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available gRPC port: %v", err)
	}
	grpcAddr := grpcListener.Addr().String()
	grpcListener.Close()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	cfg := config.Default()
	cfg.Server.GRPCAddr = grpcAddr
	cfg.Server.HTTPAddr = httpAddr
	cfg.Server.ReadHeaderTimeout = 10 * time.Second
	cfg.Database.Path = ":memory:"
	cfg.Business.PhoneNumber = testBusiness
	cfg.Webhook.VerifyToken = testVerifyToken
	cfg.Metrics.Enabled = true
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway with a fake sender; it is shut down with the test.
func newTestGateway(t *testing.T, cfg *config.Config, opts ...Option) (*Gateway, *fakeSender) {
	t.Helper()
	sender := &fakeSender{reply: "wamid.OUT"}
	opts = append([]Option{WithSender(sender)}, opts...)

	gw, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, sender
}

// do runs one request against the gateway's router.
func do(t *testing.T, gw *Gateway, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw, _ := newTestGateway(t, cfg)

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.bridge)
	assert.NotNil(t, gw.metrics)
	assert.Equal(t, testBusiness, gw.Bridge().BusinessKey())
	assert.False(t, gw.verifier.Enabled())
}

func TestGatewayNewWithoutMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	gw, _ := newTestGateway(t, cfg)

	assert.Nil(t, gw.metrics)
	assert.Equal(t, http.StatusNotFound, do(t, gw, http.MethodGet, "/metrics", "").Code)
}

func TestGatewayNewRejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Realtime.RedisURL = "redis://127.0.0.1:1/0"

	_, err := New(cfg, testLogger(), WithSender(&fakeSender{}))
	require.Error(t, err)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger(), WithSender(&fakeSender{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "OK"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestGatewayRunFailsOnBusyPort(t *testing.T) {
	cfg := testConfig(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	cfg.Server.HTTPAddr = busy.Addr().String()

	gw, err := New(cfg, testLogger(), WithSender(&fakeSender{}))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestHealthEndpoints(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, gw, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "ready"))
}

type closedStore struct {
	*store.MockStore
}

func (closedStore) Ping(context.Context) error { return errors.New("database is closed") }

func TestReadyReportsStoreFailure(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t), WithStore(closedStore{store.NewMockStore()}))

	rec := do(t, gw, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodPost, "/webhook", cloudDelivery("wamid.M1", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `wabridge_webhook_events_total{duplicate="false",state="notified"} 1`)
	assert.Contains(t, rec.Body.String(), "wabridge_realtime_subscribers")
}

func TestCORSPreflight(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodOptions, "/api/send", "",
		"Origin", "https://ops.example.com",
		"Access-Control-Request-Method", "POST")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	require.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/wabridge")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/wabridge", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(dir, "wabridge/tailscale"))
}
