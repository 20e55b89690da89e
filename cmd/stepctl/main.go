// Package main implements the stepctl CLI for manual operations
// against the stepd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the stepd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stepctl",
	Short: "CLI for stepd protocol run operations",
	Long: `stepctl is a command-line interface for the stepd orchestration daemon.
It submits protocol runs, inspects their steps and events, and drives
pause/resume/cancel/retry operations.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8484", "stepd server URL")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(enginesCmd)
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check stepd server health",
	RunE:  runHealth,
}

// HealthResponse matches internal/http/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp HealthResponse
	if err := doRequest(http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Server: %s\nStatus: %s\n", serverURL, resp.Status)
	return nil
}

// doRequest sends a JSON request to the stepd server and decodes the
// response into out (when out is non-nil).
func doRequest(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	url := serverURL + path
	httpReq, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
