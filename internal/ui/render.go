package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/learnpath/learnsync/internal/offline/schema"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
)

// TimeLayout is used for every timestamp shown in tables.
const TimeLayout = "2006-01-02 15:04:05"

// maxErrorWidth truncates error columns so rows stay on one line.
const maxErrorWidth = 48

// Queue renders pending queue items as a table.
func Queue(items []schema.SyncItem) string {
	if len(items) == 0 {
		return RenderMuted("queue is empty") + "\n"
	}

	var b strings.Builder
	b.WriteString(RenderHeader(fmt.Sprintf("%-6s %-10s %-8s %-19s %s", "ID", "KIND", "ATTEMPTS", "ENQUEUED", "LAST ERROR")))
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(&b, "%-6d %-10s %-8d %-19s %s\n",
			it.ID, it.Kind, it.Attempts, it.EnqueuedAt.UTC().Format(TimeLayout), truncate(it.LastError))
	}
	fmt.Fprintf(&b, "%d pending\n", len(items))
	return b.String()
}

// DeadLetters renders quarantined items as a table.
func DeadLetters(items []schema.DeadLetter) string {
	if len(items) == 0 {
		return RenderMuted("no dead letters") + "\n"
	}

	var b strings.Builder
	b.WriteString(RenderHeader(fmt.Sprintf("%-6s %-10s %-8s %-19s %s", "ID", "KIND", "ATTEMPTS", "DEAD AT", "REASON")))
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(&b, "%-6d %-10s %-8d %-19s %s\n",
			it.ID, it.Kind, it.Attempts, it.DeadAt.UTC().Format(TimeLayout), truncate(it.Reason))
	}
	fmt.Fprintf(&b, "%d dead letters\n", len(items))
	return b.String()
}

// Status renders the engine status block.
func Status(st syncpkg.Status) string {
	conn := RenderWarn("offline")
	if st.Online {
		conn = RenderPass("online")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Connection:   %s\n", conn)
	fmt.Fprintf(&b, "Drain state:  %s\n", st.State)
	fmt.Fprintf(&b, "Pending:      %d\n", st.Pending)
	fmt.Fprintf(&b, "Dead letters: %d\n", st.DeadLetters)
	if st.LastDrain != nil {
		fmt.Fprintf(&b, "Last drain:   %s (%s)\n",
			st.LastDrain.FinishedAt.UTC().Format(TimeLayout), Report(*st.LastDrain))
	} else {
		fmt.Fprintf(&b, "Last drain:   %s\n", RenderMuted("never"))
	}
	return b.String()
}

// Report summarizes a drain on one line.
func Report(r syncpkg.Report) string {
	switch {
	case r.Offline:
		return "offline, nothing sent"
	case r.Coalesced:
		return "joined the drain already running"
	}
	return fmt.Sprintf("synced %d, failed %d, dead-lettered %d, remaining %d in %s",
		r.Synced, r.Failed, r.DeadLettered, r.Remaining, r.Duration().Round(time.Millisecond))
}

// Submit renders the outcome of one submission.
func Submit(res syncpkg.SubmitResult) string {
	if res.Status == syncpkg.StatusDelivered {
		return fmt.Sprintf("%s %s delivered", RenderPass("✓"), res.Kind)
	}
	msg := fmt.Sprintf("%s %s queued as #%d", RenderWarn("⏳"), res.Kind, res.ItemID)
	if res.Reason != "" {
		msg += " " + RenderMuted("("+truncate(res.Reason)+")")
	}
	return msg
}

// Size formats a byte count.
func Size(n int64) string {
	switch {
	case n > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n > 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= maxErrorWidth {
		return s
	}
	return string(r[:maxErrorWidth-3]) + "..."
}
