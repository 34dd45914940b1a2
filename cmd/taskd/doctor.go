package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: taskd doctor [-json]")
			return 2
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Fprintf(out, "%s (%s)\n", titleStyle.Render("taskd doctor"), diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(out, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(out, "%s %-12s %s\n", statusBadge(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "     %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}

func statusBadge(status string) string {
	color := "42"
	switch status {
	case doctor.StatusFail:
		color = "196"
	case doctor.StatusWarn:
		color = "214"
	case doctor.StatusSkip:
		color = "240"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Width(5).Render(status)
}
