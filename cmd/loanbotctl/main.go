package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/loanbot/loanbot/internal/cli/loanbotctl"
)

func main() {
	_ = godotenv.Load()

	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("LOANBOT_CLI_TIMEOUT")), 3*time.Minute)
	interactive := isTerminal(os.Stderr)
	options := loanbotctl.Options{
		BaseURL:             envOr("LOANBOT_API_URL", "http://localhost:8080"),
		APIKey:              strings.TrimSpace(os.Getenv("LOANBOT_API_KEY")),
		WarehouseCredential: os.Getenv("LOANBOT_WAREHOUSE_PASSWORD"),
		CompletionAPIKey:    strings.TrimSpace(os.Getenv("LOANBOT_COMPLETION_API_KEY")),
		Timeout:             timeout,
		Spinner:             interactive,
		Color:               !color.NoColor,
		Stdout:              os.Stdout,
		Stderr:              os.Stderr,
	}

	code := loanbotctl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid LOANBOT_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
