package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/scheduler"
	"github.com/Iron-Ham/foreman/internal/util"
)

const (
	maxReasonWidth = 100
	maxListedIDs   = 12
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	completeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	blockedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// isTerminal reports whether w is a terminal, which enables styling.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type styler struct{ enabled bool }

func (s styler) render(st lipgloss.Style, text string) string {
	if !s.enabled {
		return text
	}
	return st.Render(text)
}

// renderSummary prints the final partition of items.
func renderSummary(w io.Writer, res *scheduler.Result, styled bool) {
	s := styler{enabled: styled}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s (%s after %d iterations)\n",
		s.render(headerStyle, "Run"), res.RunID, res.Stop, res.Iterations)
	fmt.Fprintf(w, "  %s %3d  %s\n", s.render(completeStyle, "complete"), len(res.CompletedIDs), util.SummarizeIDs(res.CompletedIDs, maxListedIDs))
	fmt.Fprintf(w, "  %s  %3d  %s\n", s.render(blockedStyle, "blocked"), len(res.BlockedIDs), util.SummarizeIDs(res.BlockedIDs, maxListedIDs))
	fmt.Fprintf(w, "  %s  %3d  %s\n", s.render(pendingStyle, "pending"), len(res.PendingIDs), util.SummarizeIDs(res.PendingIDs, maxListedIDs))
	for _, id := range res.BlockedIDs {
		fmt.Fprintf(w, "    %s: %s\n", id, s.render(dimStyle, util.Truncate(res.BlockedReasons[id], maxReasonWidth)))
	}
	if res.Checkpoint != nil {
		fmt.Fprintf(w, "  %s\n", s.render(dimStyle, fmt.Sprintf("checkpoint %d", res.Checkpoint.Sequence)))
	}
}

// attachProgress prints one line per scheduler event.
func attachProgress(bus *event.Bus, w io.Writer, styled bool) {
	s := styler{enabled: styled}
	var mu sync.Mutex
	bus.SubscribeAll(func(e event.Event) {
		line := progressLine(s, e)
		if line == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s %s\n", s.render(dimStyle, e.Timestamp().Format("15:04:05")), line)
	})
}

func progressLine(s styler, e event.Event) string {
	switch ev := e.(type) {
	case event.ItemDispatchedEvent:
		return fmt.Sprintf("▶ %s (attempt %d) %s", ev.ItemID, ev.Attempt, util.Truncate(ev.Title, 60))
	case event.AttemptFinishedEvent:
		switch {
		case ev.TimedOut:
			return fmt.Sprintf("  %s timed out after %s", ev.ItemID, ev.Duration.Round(time.Second))
		case ev.AgentError != "":
			return fmt.Sprintf("  %s agent failed: %s", ev.ItemID, util.Truncate(ev.AgentError, maxReasonWidth))
		}
		return fmt.Sprintf("  %s agent finished in %s", ev.ItemID, ev.Duration.Round(time.Second))
	case event.ItemVerifiedEvent:
		if ev.Passed {
			return ""
		}
		return fmt.Sprintf("  %s verification failed: %s", ev.ItemID, util.Truncate(ev.Detail, maxReasonWidth))
	case event.ItemRetryingEvent:
		return s.render(pendingStyle, fmt.Sprintf("↻ %s retry %d/%d", ev.ItemID, ev.RetryCount, ev.MaxRetries))
	case event.ItemBlockedEvent:
		return s.render(blockedStyle, fmt.Sprintf("✗ %s blocked", ev.ItemID))
	case event.ItemCompletedEvent:
		return s.render(completeStyle, fmt.Sprintf("✓ %s complete", ev.ItemID))
	case event.RunWaitingEvent:
		return fmt.Sprintf("… waiting on %s", util.SummarizeIDs(ev.InProgress, maxListedIDs))
	}
	return ""
}
