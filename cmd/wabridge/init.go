// ABOUTME: Interactive config generator for wabridge init
// ABOUTME: Prompts for each section and writes YAML or TOML via config.Write

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/2389/wabridge/internal/config"
)

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}

	fmt.Fprintln(out, "wabridge configuration setup")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	defaultDBPath := filepath.Join(getDataPath(), "wabridge.db")

	// Output filename; a .toml suffix switches the format
	outputFile := ask("Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Fprintln(out, "\n--- Business Account ---")
	cfg.Business.PhoneNumber = ask("Business phone number", "")
	cfg.Business.DisplayName = ask("Business display name", cfg.Business.DisplayName)

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = ask("HTTP address (webhook, API)", cfg.Server.HTTPAddr)
	cfg.Server.GRPCAddr = ask("gRPC address (event stream)", cfg.Server.GRPCAddr)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	cfg.Database.Driver = ask("Database driver (sqlite/postgres)", cfg.Database.Driver)
	if cfg.Database.Driver == config.DriverPostgres {
		cfg.Database.Path = ""
		cfg.Database.DSN = ask("Postgres DSN", "${DATABASE_URL}")
	} else {
		cfg.Database.Path = ask("SQLite database path", defaultDBPath)
	}

	fmt.Fprintln(out, "\n--- WhatsApp Cloud API ---")
	cfg.Webhook.VerifyToken = ask("Webhook verify token", "${WEBHOOK_VERIFY_TOKEN}")
	cfg.Webhook.AppSecret = ask("App secret (empty disables signature checks)", "${WHATSAPP_APP_SECRET}")
	cfg.Provider.PhoneNumberID = ask("Phone number ID", "${PHONE_NUMBER_ID}")
	cfg.Provider.AccessToken = ask("Access token", "${WHATSAPP_ACCESS_TOKEN}")
	if rate, err := strconv.ParseFloat(ask("Send rate per second (0 = unlimited)", "0"), 64); err == nil {
		cfg.Provider.RatePerSecond = rate
	}

	fmt.Fprintln(out, "\n--- Realtime ---")
	cfg.Realtime.RedisURL = ask("Redis URL (leave empty to skip)", "")
	if isYes(ask("Mirror messages into a Matrix room?", "no")) {
		cfg.Realtime.Matrix.Enabled = true
		cfg.Realtime.Matrix.Homeserver = ask("Matrix homeserver", "https://matrix.org")
		cfg.Realtime.Matrix.UserID = ask("Matrix user ID", "")
		cfg.Realtime.Matrix.AccessToken = ask("Matrix access token", "${MATRIX_ACCESS_TOKEN}")
		cfg.Realtime.Matrix.RoomID = ask("Matrix room ID", "")
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	if isYes(ask("Enable Tailscale?", "no")) {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = ask("Tailscale hostname", "wabridge")
		cfg.Tailscale.AuthKey = ask("Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		cfg.Tailscale.Ephemeral = isYes(ask("Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging and Metrics ---")
	cfg.Logging.Level = ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = ask("Log format (text/json)", cfg.Logging.Format)
	cfg.Metrics.Enabled = isYes(ask("Expose Prometheus metrics?", "yes"))

	if err := config.Write(outputFile, cfg); err != nil {
		return err
	}

	if cfg.Database.Driver == config.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	if cfg.Business.PhoneNumber == "" {
		fmt.Fprintln(out, "business.phone_number is empty; set it before starting the bridge.")
	}
	fmt.Fprintln(out, "\nTo start the bridge:")
	fmt.Fprintln(out, "  wabridge serve")

	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}
