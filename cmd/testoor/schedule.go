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
	scheduleServer    string
	scheduleBranch    string
	scheduleSHA       string
	scheduleTitle     string
	scheduleRequester string
	scheduleTestsFile string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a test run",
	Long: `Submit a new test run to a running API server. Test specifications
are read from the file given with --tests, one per line; blank lines
and '#' comments are skipped.`,
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleServer, "server",
		"http://localhost:8080", "API server base URL")
	scheduleCmd.Flags().StringVar(&scheduleBranch, "branch", "",
		"branch the commit lives on")
	scheduleCmd.Flags().StringVar(&scheduleSHA, "sha", "",
		"commit to test")
	scheduleCmd.Flags().StringVar(&scheduleTitle, "title", "",
		"human-readable run title")
	scheduleCmd.Flags().StringVar(&scheduleRequester, "requester", "",
		"who is requesting the run")
	scheduleCmd.Flags().StringVar(&scheduleTestsFile, "tests", "",
		"file with test specifications, one per line")

	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	if scheduleBranch == "" || scheduleSHA == "" {
		return fmt.Errorf("--branch and --sha are required")
	}

	if scheduleTestsFile == "" {
		return fmt.Errorf("--tests is required")
	}

	tests, err := os.ReadFile(scheduleTestsFile)
	if err != nil {
		return fmt.Errorf("reading tests file: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"branch":    scheduleBranch,
		"sha":       scheduleSHA,
		"title":     scheduleTitle,
		"requester": scheduleRequester,
		"tests":     string(tests),
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Post(
		scheduleServer+"/api/v1/runs",
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("submitting run: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		var errResp struct {
			Error string `json:"error"`
		}

		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("scheduling failed: %s", errResp.Error)
		}

		return fmt.Errorf("scheduling failed: %s", resp.Status)
	}

	var created struct {
		RunID uint `json:"run_id"`
	}

	if err := json.Unmarshal(body, &created); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("scheduled run %d\n", created.RunID)

	return nil
}
