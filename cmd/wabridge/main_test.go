// ABOUTME: Tests for CLI helpers: config paths, logging, init and the send client
// ABOUTME: runInit is driven with scripted stdin and its output loaded back through config.Load

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wabridge/internal/config"
	"github.com/2389/wabridge/internal/gateway"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("WABRIDGE_CONFIG", "/etc/wabridge.toml")
	assert.Equal(t, "/etc/wabridge.toml", getConfigPath())

	t.Setenv("WABRIDGE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "wabridge", "config.yaml"), getConfigPath())
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/data")
	assert.Equal(t, filepath.Join("/tmp/data", "wabridge"), getDataPath())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "bridge").WithGroup("req").Info("message stored", "id", "wamid.A")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF message stored")
	assert.Contains(t, out, " component=bridge")
	assert.Contains(t, out, " req.id=wamid.A")
}

func TestRunInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	configPath := filepath.Join(dir, "wabridge.yaml")

	answers := []string{
		configPath,            // config path
		"15559998888",         // business phone
		"Acme",                // display name
		"",                    // http addr
		"",                    // grpc addr
		"",                    // driver
		"",                    // sqlite path
		"verify-me",           // verify token
		"",                    // app secret
		"106540352242922",     // phone number id
		"token",               // access token
		"20",                  // rate
		"",                    // redis
		"no",                  // matrix
		"no",                  // tailscale
		"debug",               // log level
		"json",                // log format
		"yes",                 // metrics
	}
	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(strings.Join(answers, "\n")+"\n"), &out))
	assert.Contains(t, out.String(), "Config written to "+configPath)

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "15559998888", cfg.Business.PhoneNumber)
	assert.Equal(t, "Acme", cfg.Business.DisplayName)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "wabridge", "wabridge.db"), cfg.Database.Path)
	assert.Equal(t, "verify-me", cfg.Webhook.VerifyToken)
	assert.Equal(t, 20.0, cfg.Provider.RatePerSecond)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Realtime.Matrix.Enabled)
}

func TestRunInitKeepsExistingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.Write(configPath, config.Default()))

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(configPath+"\nno\n"), &out))
	assert.Contains(t, out.String(), "Aborted.")
}

func TestPostSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/send", r.URL.Path)
		var req gateway.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		if req.Recipient == "bad" {
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "provider refused"})
			return
		}
		_ = json.NewEncoder(w).Encode(gateway.SendMessageResponse{
			Status:            "sent",
			ConversationID:    "conv-1",
			MessageID:         "msg-1",
			ProviderMessageID: "wamid.OUT",
		})
	}))
	defer srv.Close()

	resp, err := postSend(context.Background(), srv.URL, "15551230000", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.OUT", resp.ProviderMessageID)

	_, err = postSend(context.Background(), srv.URL, "bad", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider refused")
}
