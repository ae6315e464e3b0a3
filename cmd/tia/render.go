// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorTeal    = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")

	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	styleLabel = lipgloss.NewStyle().Foreground(colorTeal).Width(10)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
	styleBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

// renderStatus prints a status report for a human at a terminal.
func renderStatus(w io.Writer, r statusReport) {
	var b strings.Builder
	b.WriteString(styleTitle.Render("tia status") + "\n\n")
	row(&b, "root", r.Root)
	row(&b, "health", healthStyle(r.Health).Render(r.Health))
	if r.Server != nil {
		row(&b, "server", fmt.Sprintf("%s (pid %d)", r.Server.Addr, r.Server.PID))
		row(&b, "started", r.Server.Started.Format("2006-01-02 15:04:05"))
	}
	if r.State != nil {
		row(&b, "state", string(r.State.State))
		row(&b, "in flight", fmt.Sprint(r.State.InFlight))
		row(&b, "pending", fmt.Sprint(r.State.PendingTests))
	}
	row(&b, "records", fmt.Sprint(r.Records))
	fmt.Fprintln(w, styleBox.Render(strings.TrimRight(b.String(), "\n")))
}

func row(b *strings.Builder, label, value string) {
	if value == "" {
		value = styleMuted.Render("-")
	}
	b.WriteString(styleLabel.Render(label) + value + "\n")
}

func healthStyle(health string) lipgloss.Style {
	switch {
	case health == "healthy":
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case strings.HasPrefix(health, "incompatible"), health == "not running":
		return lipgloss.NewStyle().Foreground(colorWarning)
	default:
		return lipgloss.NewStyle().Foreground(colorError)
	}
}
