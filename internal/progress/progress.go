// Package progress renders a human-readable download progress line to a
// terminal, the CLI's only observable behavior from the core engine's
// point of view (the engine itself never formats output).
package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/prxssh/rabbit/internal/piece"
)

// Source is the minimal surface the reporter polls each tick.
type Source interface {
	Stats() piece.Stats
	ActivePeers() int
}

// Reporter prints a progress line to w every interval until stopped.
type Reporter struct {
	src      Source
	w        io.Writer
	interval time.Duration

	percent *color.Color
	count   *color.Color
	rate    *color.Color

	lastBytes int64
	lastTick  time.Time
}

// New builds a Reporter that polls src and writes to w.
func New(src Source, w io.Writer, interval time.Duration) *Reporter {
	return &Reporter{
		src:      src,
		w:        w,
		interval: interval,
		percent:  color.New(color.FgGreen, color.Bold),
		count:    color.New(color.FgCyan),
		rate:     color.New(color.FgYellow),
	}
}

// Run prints one line per tick until stop is closed. It prints a final
// line before returning.
func (r *Reporter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.lastTick = time.Now()

	for {
		select {
		case <-stop:
			r.render()
			fmt.Fprintln(r.w)
			return
		case <-ticker.C:
			r.render()
		}
	}
}

func (r *Reporter) render() {
	stats := r.src.Stats()
	now := time.Now()
	elapsed := now.Sub(r.lastTick).Seconds()

	var rate float64
	if elapsed > 0 {
		rate = float64(stats.BytesDownloaded-r.lastBytes) / elapsed
	}
	r.lastBytes = stats.BytesDownloaded
	r.lastTick = now

	fmt.Fprintf(r.w, "\r%s  %s  %s  %s  peers=%d",
		r.percent.Sprintf("%5.1f%%", stats.Percent),
		r.count.Sprintf("%d/%d pieces", stats.CompletedPieces, stats.TotalPieces),
		r.count.Sprintf("%s/%s", formatBytes(stats.BytesDownloaded), formatBytes(stats.TotalBytes)),
		r.rate.Sprintf("%s/s", formatBytes(int64(rate))),
		r.src.ActivePeers(),
	)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
