// ABOUTME: Entry point for the wabridge WhatsApp Cloud API bridge
// ABOUTME: Subcommands serve, init, migrate, send and health

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/wabridge/internal/config"
	"github.com/2389/wabridge/internal/gateway"
	"github.com/2389/wabridge/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
               _          _     _
 __      ____ | |__  _ __(_) __| | __ _  ___
 \ \ /\ / / _' | '_ \| '__| |/ _' |/ _' |/ _ \
  \ V  V / (_| | |_) | |  | | (_| | (_| |  __/
   \_/\_/ \__,_|_.__/|_|  |_|\__,_|\__, |\___|
                                   |___/
`

// getConfigPath returns the path to the config file.
// Priority: WABRIDGE_CONFIG env var > XDG_CONFIG_HOME/wabridge/config.yaml > ~/.config/wabridge/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WABRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wabridge", "config.yaml")
}

// getDataPath returns the path to the wabridge data directory.
// Priority: XDG_DATA_HOME/wabridge > ~/.local/share/wabridge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "wabridge")
}

func usage() {
	fmt.Println("Usage: wabridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the bridge")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println("  migrate                    Apply database migrations and exit")
	fmt.Println("  send <recipient> <text>    Send a message through a running bridge")
	fmt.Println("  health                     Check bridge health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Secrets usually arrive via .env in development; absence is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "migrate":
		err = runMigrate(ctx)
	case "send":
		err = runSend(ctx, os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "-h", "--help", "help":
		usage()
	case "version", "--version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("Business", cfg.Business.PhoneNumber)
	line("HTTP", cfg.Server.HTTPAddr)
	line("gRPC", cfg.Server.GRPCAddr)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		line("Database", "postgres")
	default:
		line("Database", cfg.Database.Path)
	}
	if cfg.Realtime.RedisURL != "" {
		line("Redis", cfg.Realtime.RedisChannel)
	}
	if cfg.Realtime.Matrix.Enabled {
		line("Matrix", cfg.Realtime.Matrix.RoomID)
	}
	if cfg.Metrics.Enabled {
		line("Metrics", cfg.Metrics.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Webhook.AppSecret == "" {
		yellow.Println("    ! webhook signatures are not verified (webhook.app_secret is empty)")
	}

	fmt.Println()

	logger.Info("starting wabridge",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runMigrate brings the configured database schema up to date.
func runMigrate(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	green := color.New(color.FgGreen)

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		if err := store.MigratePostgres(ctx, cfg.Database.DSN); err != nil {
			return err
		}
		green.Println("  ✓ postgres schema is up to date")
	default:
		// Opening the store applies the embedded schema.
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer s.Close()
		green.Printf("  ✓ sqlite schema is up to date: %s\n", cfg.Database.Path)
	}
	return nil
}

// runSend posts an outbound message to a running bridge's operator API.
func runSend(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("usage: wabridge send <recipient> <text>")
	}
	recipient := args[0]
	text := strings.Join(args[1:], " ")

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := postSend(ctx, "http://"+cfg.Server.HTTPAddr, recipient, text)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "sent %s (provider id %s) in conversation %s\n",
		resp.MessageID, resp.ProviderMessageID, resp.ConversationID)
	return nil
}

func postSend(ctx context.Context, baseURL, recipient, text string) (*gateway.SendMessageResponse, error) {
	body, err := json.Marshal(gateway.SendMessageRequest{Recipient: recipient, Content: text})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("send failed: status %d: %s", resp.StatusCode, apiErr.Error)
	}

	var sent gateway.SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &sent, nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}
