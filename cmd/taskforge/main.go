// Command taskforge is the task engine's CLI client.
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

	"github.com/taskforge/engine/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "task engine server URL")
		token     = flag.String("token", os.Getenv("TASKFORGE_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "serve":
		fmt.Fprintln(os.Stderr, "use taskforged to run the server")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `taskforge — task engine CLI

Usage:
  taskforge [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  JWT auth token (or $TASKFORGE_TOKEN)

Commands:
  version                 print version
  status                  show server status
  tasks                   list tasks owned by the caller
  task create <type> [payload]
                          create a leaf task of the given executor type
  task get <id>           show a task
  task cancel <id>        cancel a task
`)
}

func cmdVersion(_ []string) error {
	fmt.Printf("taskforge %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(path string, body io.Reader, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]string
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", result["status"])
	fmt.Printf("version: %s\n", result["version"])
	return nil
}

func (c *Client) cmdTasks(_ []string) error {
	var tasks []map[string]any
	if err := c.get("/api/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-12s %-10s %6s\n", "ID", "TYPE", "STATE", "PROGRESS")
	fmt.Println(strings.Repeat("-", 70))
	for _, t := range tasks {
		fmt.Printf("%-36s %-12s %-10s %6.1f\n",
			strVal(t["id"]),
			strVal(t["type"]),
			strVal(t["state"]),
			numVal(t["progress"]),
		)
	}
	return nil
}

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge task <create|get|cancel> [args]")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		if len(rest) < 1 {
			return fmt.Errorf("usage: taskforge task create <type> [payload]")
		}
		taskType := rest[0]
		payload := "{}"
		if len(rest) > 1 {
			payload = strings.Join(rest[1:], " ")
		}
		body := fmt.Sprintf(`{"type":%q,"payload":%q,"priority":5}`, taskType, payload)
		var result map[string]any
		if err := c.post("/api/tasks", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("created task %s\n", strVal(result["id"]))
	case "get":
		if len(rest) < 1 {
			return fmt.Errorf("usage: taskforge task get <id>")
		}
		var result map[string]any
		if err := c.get("/api/tasks/"+rest[0], &result); err != nil {
			return err
		}
		b, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(b))
	case "cancel":
		if len(rest) < 1 {
			return fmt.Errorf("usage: taskforge task cancel <id>")
		}
		if err := c.post("/api/tasks/"+rest[0]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("cancelled task %s\n", rest[0])
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	return nil
}

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func numVal(v any) float64 {
	f, _ := v.(float64)
	return f
}
