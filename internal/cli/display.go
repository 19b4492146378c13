package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/testdeck-dev/testdeck/internal/events"
	"github.com/testdeck-dev/testdeck/internal/store"
)

// statusIcon returns the single-character marker for a test status.
func statusIcon(status events.Status) string {
	switch status {
	case events.StatusPassed:
		return "✓"
	case events.StatusFailed:
		return "✗"
	case events.StatusCrashed:
		return "⚠"
	case events.StatusSkipped:
		return "⊝"
	case events.StatusStopped:
		return "◼"
	default:
		return "·"
	}
}

// colorStatus renders a status string with its conventional color.
func colorStatus(status events.Status) string {
	s := fmt.Sprintf("%s %s", statusIcon(status), status)
	switch status {
	case events.StatusPassed:
		return color.GreenString(s)
	case events.StatusFailed, events.StatusCrashed:
		return color.RedString(s)
	case events.StatusSkipped, events.StatusStopped:
		return color.YellowString(s)
	default:
		return s
	}
}

// buildTreePrefix draws the box-drawing prefix for one row of a tree table.
// parentIsLast records, outermost first, whether each ancestor was the last
// among its siblings.
func buildTreePrefix(isLast bool, parentIsLast []bool) string {
	var b strings.Builder
	for _, last := range parentIsLast {
		if last {
			b.WriteString("    ")
		} else {
			b.WriteString("│   ")
		}
	}
	if isLast {
		b.WriteString("└── ")
	} else {
		b.WriteString("├── ")
	}
	return b.String()
}

// renderTree writes the subtree as an ASCII table, one row per node, with
// box-drawing prefixes carrying the hierarchy.
func renderTree(w io.Writer, root *store.Node, showLocation bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	headers := table.Row{"TEST", "STATUS", "STATE", "LAST RUN"}
	configs := []table.ColumnConfig{
		{Name: "TEST", WidthMax: 100, WidthMaxEnforcer: text.WrapSoft},
		{Name: "LAST RUN", Align: text.AlignRight},
	}
	if showLocation {
		headers = append(headers, "FILE")
		configs = append(configs, table.ColumnConfig{Name: "FILE", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft})
	}
	t.AppendHeader(headers)
	t.SetColumnConfigs(configs)
	t.SetStyle(table.StyleLight)
	t.Style().Options.SeparateRows = false

	if root.IsGroup && root.Name == "" {
		for i, c := range root.Children {
			appendNodeRows(t, c, i == len(root.Children)-1, nil, showLocation)
		}
	} else {
		appendRootRow(t, root, showLocation)
		for i, c := range root.Children {
			appendNodeRows(t, c, i == len(root.Children)-1, nil, showLocation)
		}
	}

	stats := countLeaves(root)
	footer := table.Row{
		fmt.Sprintf("TOTAL (%d)", stats.total),
		fmt.Sprintf("%d passed, %d failed, %d not run", stats.passed, stats.failed, stats.notRun),
		"",
		"",
	}
	if showLocation {
		footer = append(footer, "")
	}
	t.AppendFooter(footer)

	t.Render()
}

// appendRootRow renders a named query root without a tree prefix.
func appendRootRow(t table.Writer, n *store.Node, showLocation bool) {
	row := table.Row{nodeLabel(n), colorStatus(n.LastStatus), runStateString(n.RunState), lastRunString(n)}
	if showLocation {
		row = append(row, locationString(n))
	}
	t.AppendRow(row)
}

func appendNodeRows(t table.Writer, n *store.Node, isLast bool, parentIsLast []bool, showLocation bool) {
	prefix := buildTreePrefix(isLast, parentIsLast)

	row := table.Row{prefix + nodeLabel(n), colorStatus(n.LastStatus), runStateString(n.RunState), lastRunString(n)}
	if showLocation {
		row = append(row, locationString(n))
	}
	t.AppendRow(row)

	childIsLast := append(append([]bool{}, parentIsLast...), isLast)
	for i, c := range n.Children {
		appendNodeRows(t, c, i == len(n.Children)-1, childIsLast, showLocation)
	}
}

func nodeLabel(n *store.Node) string {
	name := n.Name
	if n.IsGroup {
		name += "/"
	}
	if n.Stale {
		name += " (stale)"
	}
	return name
}

func lastRunString(n *store.Node) string {
	if n.LastRun == nil {
		return ""
	}
	return formatTime(*n.LastRun)
}

func locationString(n *store.Node) string {
	if n.Location == nil || n.Location.File == "" {
		return ""
	}
	if n.Location.Line > 0 {
		return fmt.Sprintf("%s:%d", n.Location.File, n.Location.Line)
	}
	return n.Location.File
}

func runStateString(state events.RunState) string {
	switch state {
	case events.RunStateRunning:
		return color.CyanString("running")
	case events.RunStateQueued:
		return "queued"
	default:
		return ""
	}
}

type leafStats struct {
	total, passed, failed, notRun int
}

func countLeaves(n *store.Node) leafStats {
	var stats leafStats
	var walk func(*store.Node)
	walk = func(n *store.Node) {
		if !n.IsGroup {
			stats.total++
			switch n.LastStatus {
			case events.StatusPassed:
				stats.passed++
			case events.StatusFailed, events.StatusCrashed:
				stats.failed++
			case events.StatusNotRun:
				stats.notRun++
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	return stats
}

func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	if diff < time.Minute {
		return "just now"
	} else if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	} else if diff < 7*24*time.Hour {
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	} else {
		return t.Format("Jan 02")
	}
}
