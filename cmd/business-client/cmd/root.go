// Package cmd contains all CLI commands for business-client.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-business-server/internal/client"
	"github.com/sirosfoundation/go-business-server/pkg/logging"
)

var (
	// Global flags
	serverURL string
	token     string
	output    string
	timeout   time.Duration
	verbose   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "business-client",
	Short: "Command-line client for the business wallet server",
	Long: `business-client talks to a business server over its WebSocket protocol
and its HTTP login API.

Examples:
  # Check the connection
  business-client ping --token owner-token

  # Show a wallet
  business-client fetch-wallet 6f1c... --token owner-token -o json

  # Print every change made by other clients
  business-client watch --token ws-token

  # Log in with an emailed code
  business-client login --email owner@example.com
  business-client login --email owner@example.com --code 123456

Environment Variables:
  BUSINESS_URL    Server base URL (default: ws://localhost:8080)
  BUSINESS_TOKEN  Bearer token`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "url", "u", getEnvOrDefault("BUSINESS_URL", "ws://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("BUSINESS_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log protocol traffic to stderr")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// wsURL maps the base URL onto the WebSocket endpoint.
func wsURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	if !strings.HasSuffix(base, "/ws") {
		base += "/ws"
	}
	return base
}

// httpURL maps the base URL onto the HTTP API root.
func httpURL(base string) string {
	base = strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/ws")
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	return base
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := logging.NewLogger(logging.Config{Level: "debug", Format: "text"})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// connect dials the server with the global flags.
func connect(ctx context.Context) (*client.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("--token or BUSINESS_TOKEN is required")
	}
	return client.Dial(ctx, wsURL(serverURL), token, client.WithLogger(newLogger()))
}

// withClient runs fn with a connected client and a request deadline.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

// printJSON formats and prints v as indented JSON
func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var formatted bytes.Buffer
	if err := json.Indent(&formatted, data, "", "  "); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, formatted.String())
	return err
}

// printTable prints data in a simple table format
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) {
		parts := make([]string, 0, len(cells))
		for i, cell := range cells {
			if i < len(widths) {
				parts = append(parts, fmt.Sprintf("%-*s", widths[i], cell))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(headers)
	seps := make([]string, len(headers))
	for i := range headers {
		seps[i] = strings.Repeat("-", widths[i])
	}
	line(seps)
	for _, row := range rows {
		line(row)
	}
}
