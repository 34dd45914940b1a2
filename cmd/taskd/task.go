package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/taskd/internal/config"
)

type taskRecord struct {
	ID          uint64  `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Deadline    int64   `json:"deadline"`
	Completed   bool    `json:"completed"`
	Creator     string  `json:"creator"`
}

type taskList struct {
	Caller string       `json:"caller"`
	IDs    []uint64     `json:"ids"`
	Tasks  []taskRecord `json:"tasks"`
}

type apiError struct {
	Status int
	Body   struct {
		Error  string `json:"error"`
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	}
}

func (e *apiError) Error() string {
	if e.Body.Error == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (code %d)", e.Body.Error, e.Body.Code)
}

// taskClient speaks the daemon's REST API.
type taskClient struct {
	base      string
	apiKey    string
	principal string
	http      *http.Client
}

func newTaskClient(cfg config.Config) *taskClient {
	return &taskClient{
		base:      baseURL(cfg.BindAddr),
		apiKey:    clientAPIKey(cfg.HomeDir),
		principal: strings.TrimSpace(os.Getenv("TASKD_PRINCIPAL")),
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// clientAPIKey reads TASKD_AUTH_TOKEN or the daemon-generated auth.token.
func clientAPIKey(homeDir string) string {
	if raw := strings.TrimSpace(os.Getenv("TASKD_AUTH_TOKEN")); raw != "" {
		return raw
	}
	b, err := os.ReadFile(filepath.Join(homeDir, "auth.token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (c *taskClient) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.principal != "" {
		req.Header.Set("X-Principal", c.principal)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, &apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func runTaskCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		printTaskUsage(os.Stderr)
		return 2
	}
	action := strings.ToLower(strings.TrimSpace(args[0]))

	fs := flag.NewFlagSet("task "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	var (
		title       *string
		description *string
		deadline    *int64
	)
	if action == "create" {
		title = fs.String("title", "", "task title (required)")
		description = fs.String("description", "", "optional description")
		deadline = fs.Int64("deadline", 0, "deadline as Unix seconds")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	client := newTaskClient(cfg)
	styled := !*asJSON && isTerminal(out)

	switch action {
	case "create":
		if strings.TrimSpace(*title) == "" || fs.NArg() != 0 {
			fmt.Fprintln(os.Stderr, "usage: taskd task create -title <title> [-description <text>] [-deadline <unix>]")
			return 2
		}
		body := map[string]any{"title": *title, "deadline": *deadline}
		if *description != "" {
			body["description"] = *description
		}
		var task taskRecord
		if err := client.do(ctx, http.MethodPost, "/api/tasks", body, &task); err != nil {
			return reportTaskError(err)
		}
		return printTask(out, task, styled)
	case "complete", "get":
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: taskd task %s <id>\n", action)
			return 2
		}
		id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid task id %q\n", fs.Arg(0))
			return 2
		}
		method, path := http.MethodGet, "/api/tasks/"+strconv.FormatUint(id, 10)
		if action == "complete" {
			method, path = http.MethodPost, path+"/complete"
		}
		var task taskRecord
		if err := client.do(ctx, method, path, nil, &task); err != nil {
			return reportTaskError(err)
		}
		return printTask(out, task, styled)
	case "list":
		if fs.NArg() != 0 {
			fmt.Fprintln(os.Stderr, "usage: taskd task list")
			return 2
		}
		var list taskList
		if err := client.do(ctx, http.MethodGet, "/api/tasks", nil, &list); err != nil {
			return reportTaskError(err)
		}
		if !styled {
			return writeJSONOut(out, list)
		}
		fmt.Fprintln(out, renderTaskTable(list))
		return 0
	default:
		printTaskUsage(os.Stderr)
		return 2
	}
}

func printTaskUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: taskd task <create|complete|get|list> [flags]")
	fmt.Fprintln(w, "  create -title <title> [-description <text>] [-deadline <unix>]")
	fmt.Fprintln(w, "  complete <id>")
	fmt.Fprintln(w, "  get <id>")
	fmt.Fprintln(w, "  list")
}

func reportTaskError(err error) int {
	fmt.Fprintf(os.Stderr, "task: %v\n", err)
	return 1
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func writeJSONOut(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}

func printTask(w io.Writer, task taskRecord, styled bool) int {
	if !styled {
		return writeJSONOut(w, task)
	}
	fmt.Fprintln(w, renderTaskCard(task))
	return 0
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(12)
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	openStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	cardStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func statusLabel(done bool) string {
	if done {
		return doneStyle.Render("done")
	}
	return openStyle.Render("open")
}

func formatDeadline(deadline int64) string {
	if deadline <= 0 {
		return "none"
	}
	return time.Unix(deadline, 0).UTC().Format(time.RFC3339)
}

func renderTaskCard(task taskRecord) string {
	desc := "-"
	if task.Description != nil {
		desc = *task.Description
	}
	rows := []string{
		titleStyle.Render(fmt.Sprintf("#%d %s", task.ID, task.Title)),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("status"), statusLabel(task.Completed)),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("creator"), task.Creator),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("deadline"), formatDeadline(task.Deadline)),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("description"), desc),
	}
	return cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderTaskTable(list taskList) string {
	header := titleStyle.Render(fmt.Sprintf("Tasks for %s (%d)", list.Caller, len(list.Tasks)))
	if len(list.Tasks) == 0 {
		return header + "\n" + labelStyle.UnsetWidth().Render("no tasks")
	}
	idCol := lipgloss.NewStyle().Width(6)
	stCol := lipgloss.NewStyle().Width(6)
	dlCol := lipgloss.NewStyle().Width(22)
	lines := []string{header}
	for _, t := range list.Tasks {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			idCol.Render(fmt.Sprintf("#%d", t.ID)),
			stCol.Render(statusLabel(t.Completed)),
			dlCol.Render(formatDeadline(t.Deadline)),
			t.Title,
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
