// Package main implements the remedyctl CLI for manual operations against
// the remedyd control API.
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
	// serverURL is the base URL for the remedyd control API
	serverURL string
	// operatorToken authorizes rollback and kill-switch commands
	operatorToken string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remedyctl",
	Short: "CLI for remedyd control API operations",
	Long: `remedyctl is a command-line interface for the remedyd remediation daemon.
It triggers cycles, inspects scope status, retrieves reports, and drives the
operator controls (rollback, kill-switch).`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9190", "remedyd server URL")
	rootCmd.PersistentFlags().StringVar(&operatorToken, "token", os.Getenv("REMEDYD_OPERATOR_TOKEN"), "operator token for destructive commands")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportsCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(killSwitchCmd)
	rootCmd.AddCommand(healthCmd)
}

var (
	runDry   bool
	runForce bool
)

// runCmd triggers a remediation cycle
var runCmd = &cobra.Command{
	Use:   "run <scope>",
	Short: "Trigger a remediation cycle for a scope",
	Long: `Trigger a remediation cycle for a deployment scope.

Examples:
  # Run a cycle
  remedyctl run payments

  # Dry-run: validate but never apply
  remedyctl run --dry-run payments

  # Bypass the anomaly dedup window
  remedyctl run --force payments`,
	Args: cobra.ExactArgs(1),
	RunE: runCycle,
}

// statusCmd shows a scope's ring state
var statusCmd = &cobra.Command{
	Use:   "status <scope>",
	Short: "Show a scope's ring state and engine phase",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var reportsLimit int

// reportsCmd lists persisted cycle reports
var reportsCmd = &cobra.Command{
	Use:   "reports <scope>",
	Short: "List a scope's cycle reports, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runReports,
}

// rollbackCmd restores a scope to its last snapshot
var rollbackCmd = &cobra.Command{
	Use:   "rollback <scope>",
	Short: "Roll a scope back to its last snapshot",
	Long: `Roll a scope back to its last snapshot. A running cycle is asked to
stop and restore at its next boundary; an idle scope is restored immediately.
Requires the operator token.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

var killSwitchReason string

// killSwitchCmd engages or clears the process-wide kill-switch
var killSwitchCmd = &cobra.Command{
	Use:   "killswitch <on|off>",
	Short: "Engage or clear the process-wide kill-switch",
	Long: `Engage or clear the process-wide kill-switch. While engaged, no cycle
applies patches; running cycles halt at their next transition boundary.
Requires the operator token.

Examples:
  remedyctl killswitch on --reason "incident INC-1234"
  remedyctl killswitch off`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runKillSwitch,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check remedyd server health",
	RunE:  runHealth,
}

func init() {
	runCmd.Flags().BoolVar(&runDry, "dry-run", false, "validate patches but never apply")
	runCmd.Flags().BoolVar(&runForce, "force", false, "bypass the anomaly dedup window")
	reportsCmd.Flags().IntVar(&reportsLimit, "limit", 10, "maximum reports to list")
	killSwitchCmd.Flags().StringVar(&killSwitchReason, "reason", "", "why the kill-switch is engaged")
}

// RunCycleRequest matches internal/httpapi/server.go RunCycleRequest
type RunCycleRequest struct {
	Scope  string `json:"scope"`
	DryRun bool   `json:"dry_run"`
	Force  bool   `json:"force"`
}

// KillSwitchRequest matches internal/httpapi/server.go KillSwitchRequest
type KillSwitchRequest struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason"`
}

// HealthResponse matches internal/httpapi/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

func runCycle(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(RunCycleRequest{
		Scope:  args[0],
		DryRun: runDry,
		Force:  runForce,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	data, err := doRequest("POST", "/api/v1/cycles", body, false)
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	data, err := doRequest("GET", "/api/v1/status/"+args[0], nil, false)
	if err != nil {
		return err
	}
	return printIndented(data)
}

func runReports(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/api/v1/reports/%s?limit=%d", args[0], reportsLimit)
	data, err := doRequest("GET", path, nil, false)
	if err != nil {
		return err
	}
	return printIndented(data)
}

func runRollback(cmd *cobra.Command, args []string) error {
	data, err := doRequest("POST", "/api/v1/rollback/"+args[0], nil, true)
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

func runKillSwitch(cmd *cobra.Command, args []string) error {
	var engaged bool
	switch args[0] {
	case "on":
		engaged = true
	case "off":
		engaged = false
	default:
		return fmt.Errorf("argument must be on or off, got %q", args[0])
	}

	body, err := json.Marshal(KillSwitchRequest{
		Engaged: engaged,
		Reason:  killSwitchReason,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	data, err := doRequest("POST", "/api/v1/killswitch", body, true)
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	data, err := doRequest("GET", "/health", nil, false)
	if err != nil {
		return err
	}

	var healthResp HealthResponse
	if err := json.Unmarshal(data, &healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

// doRequest performs one control API call and returns the response body.
func doRequest(method, path string, body []byte, operator bool) ([]byte, error) {
	url := serverURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if operator {
		if operatorToken == "" {
			return nil, fmt.Errorf("operator token required: set --token or REMEDYD_OPERATOR_TOKEN")
		}
		req.Header.Set("Authorization", "Bearer "+operatorToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func printIndented(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
