package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	gosync "sync"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"

	"github.com/potato-launcher/instancesync/internal/download"
	"github.com/potato-launcher/instancesync/internal/sync"
)

var (
	okStyle      = pterm.NewStyle(pterm.BgGreen, pterm.FgWhite)
	failStyle    = pterm.NewStyle(pterm.BgRed, pterm.FgWhite)
	pendingStyle = pterm.NewStyle(pterm.BgYellow, pterm.FgBlack)
	nameStyle    = pterm.NewStyle(pterm.FgCyan, pterm.Bold)
)

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// paint applies style only when writing to a terminal
func paint(w io.Writer, style *pterm.Style, s string) string {
	if !isTerminal(w) {
		return s
	}
	return style.Sprint(s)
}

// progressPrinter reports session milestones; per-file progress stays in the log
type progressPrinter struct {
	mu gosync.Mutex
	w  io.Writer
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) Event(ev sync.Event) {
	name := paint(p.w, nameStyle, ev.Instance)

	var line string
	switch ev.Kind {
	case sync.EventPlanned:
		line = fmt.Sprintf("%s: %d operations planned, %s to download", name, ev.FilesTotal, humanize.IBytes(uint64(ev.BytesTotal)))
	case sync.EventKind(download.ProgressFailed):
		line = fmt.Sprintf("%s: %s failed: %v", name, ev.Path, ev.Err)
	case sync.EventKind(download.ProgressConcurrency):
		line = fmt.Sprintf("%s: download concurrency now %d", name, ev.Concurrency)
	case sync.EventKind(download.ProgressFinished):
		line = fmt.Sprintf("%s: %d/%d files, %s transferred", name, ev.FilesCompleted, ev.FilesTotal, humanize.IBytes(uint64(ev.BytesTransferred)))
	case sync.EventFailed:
		line = fmt.Sprintf("%s: %v", name, ev.Err)
	case sync.EventInterrupted:
		line = fmt.Sprintf("%s: interrupted", name)
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, line)
}

// status returns the summary label for r
func status(r sync.InstanceReport) (string, *pterm.Style) {
	switch {
	case r.Fatal != nil:
		return "FAILED", failStyle
	case r.Interrupted:
		return "INTERRUPTED", pendingStyle
	case !r.OK():
		return "INCOMPLETE", failStyle
	case r.DryRun && r.Plan != nil && !r.Plan.IsEmpty():
		return "PENDING", pendingStyle
	default:
		return "OK", okStyle
	}
}

// renderSummary writes one table row per instance
func renderSummary(w io.Writer, reports []sync.InstanceReport) {
	if len(reports) == 0 {
		_, _ = fmt.Fprintln(w, "no instances to sync")
		return
	}
	if !isTerminal(w) {
		pterm.DisableStyling()
		defer pterm.EnableStyling()
	}

	data := pterm.TableData{{"Instance", "Status", "Fetch", "Installed", "Skipped", "Deleted", "Failed", "Transferred"}}
	var problems []string
	for _, r := range reports {
		label, style := status(r)
		fetch, transferred := "-", "-"
		if r.Plan != nil {
			fetch = fmt.Sprintf("%d (%s)", len(r.Plan.ToFetch), humanize.IBytes(uint64(r.Plan.FetchBytes())))
		}
		if r.Download != nil {
			transferred = humanize.IBytes(uint64(r.Download.BytesTransferred))
		}
		data = append(data, []string{
			r.Instance,
			paint(w, style, label),
			fetch,
			strconv.Itoa(r.Installed()),
			strconv.Itoa(r.Skipped()),
			strconv.Itoa(r.Deleted()),
			strconv.Itoa(r.Failed()),
			transferred,
		})

		if r.Fatal != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", r.Instance, r.Fatal))
		}
		if r.Download != nil {
			for _, f := range r.Download.Failures {
				problems = append(problems, fmt.Sprintf("%s: %s: %v", r.Instance, f.Path, f.Err))
			}
			for _, f := range r.Download.DeleteFailures {
				problems = append(problems, fmt.Sprintf("%s: delete %s: %v", r.Instance, f.Path, f.Err))
			}
		}
		for _, f := range r.ExtractFailures {
			problems = append(problems, fmt.Sprintf("%s: extract %s: %v", r.Instance, f.Path, f.Err))
		}
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		table = fmt.Sprint(data)
	}
	_, _ = fmt.Fprintln(w, table)

	for _, p := range problems {
		_, _ = fmt.Fprintln(w, "  "+p)
	}
}
