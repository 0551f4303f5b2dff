// Package util provides small helpers shared by the scheduler packages:
// durable file writes and terminal-safe string shortening.
package util

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Truncate shortens s to maxWidth visual columns, adding "..." if truncated.
// ANSI escape codes and wide characters are measured by rendered width, so
// styled summary cells stay aligned.
func Truncate(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, "...")
}

// SummarizeIDs joins ids with ", " and elides everything after the first
// limit entries as "(+N more)". A limit of 0 or less keeps every id.
func SummarizeIDs(ids []string, limit int) string {
	if len(ids) == 0 {
		return "-"
	}
	if limit <= 0 || len(ids) <= limit {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(ids[:limit], ", "), len(ids)-limit)
}
