// Command remedctl is the operator CLI for a running remediator. It talks
// to the admin API: list jobs, inspect one, retry or cancel, tail recent
// log entries.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultAdminURL = "http://localhost:3001"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	adminURL := flags.String("admin", envOr("REMEDIATOR_ADMIN_URL", defaultAdminURL), "Admin API base URL")
	component := flags.String("component", "", "Filter log entries by component (logs command)")
	limit := flags.Int("limit", 20, "Maximum jobs to list (jobs command)")

	// Subcommands that take a job ID consume it before the flags.
	var jobID string
	args := os.Args[2:]
	switch command {
	case "job", "retry", "cancel":
		if len(args) < 1 || strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(os.Stderr, "Error: %s requires a job ID\n\n", command)
			printUsage()
			os.Exit(1)
		}
		jobID = args[0]
		args = args[1:]
	}
	_ = flags.Parse(args)

	ctl := &remedctl{
		baseURL: strings.TrimSuffix(*adminURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch command {
	case "jobs":
		err = ctl.get(fmt.Sprintf("/jobs?limit=%d", *limit))
	case "job":
		err = ctl.get("/jobs/" + jobID)
	case "retry":
		err = ctl.post("/jobs/" + jobID + "/retry")
	case "cancel":
		err = ctl.post("/jobs/" + jobID + "/cancel")
	case "logs":
		err = ctl.get("/logs?component=" + *component)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type remedctl struct {
	baseURL string
	client  *http.Client
}

func (c *remedctl) get(path string) error {
	return c.do(http.MethodGet, path)
}

func (c *remedctl) post(path string) error {
	return c.do(http.MethodPost, path)
}

func (c *remedctl) do(method, path string) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return printJSON(body)
}

// printJSON re-indents the response for terminal reading; non-JSON bodies
// pass through untouched.
func printJSON(body []byte) error {
	var buf map[string]any
	if err := json.Unmarshal(body, &buf); err != nil {
		fmt.Println(string(body))
		return nil
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: remedctl <command> [arguments] [flags]

Commands:
  jobs              List recent jobs
  job <id>          Show one job with its records and attempt log
  retry <id>        Re-enqueue a failed or needs_review job
  cancel <id>       Request cancellation of a job
  logs              Show recent log entries

Flags:
  -admin <url>      Admin API base URL (default %s, or REMEDIATOR_ADMIN_URL)
  -component <name> Filter log entries by component
  -limit <n>        Maximum jobs to list

Examples:
  remedctl jobs -limit 10
  remedctl job 3f2a1c
  remedctl retry 3f2a1c
  remedctl logs -component scheduler
`, defaultAdminURL)
}
