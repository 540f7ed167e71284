package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{etime . }}`

// progress renders tile counts on a terminal bar. A quiet progress ignores
// updates.
type progress struct {
	mu  sync.Mutex
	bar *pb.ProgressBar
}

func newProgress(w io.Writer, total, initial int, quiet bool) *progress {
	p := &progress{}
	if quiet {
		return p
	}
	bar := pb.ProgressBarTemplate(progressTemplate).New(total)
	bar.SetWriter(w)
	bar.Set("prefix", "Tiles: ")
	bar.SetCurrent(int64(initial))
	p.bar = bar.Start()
	return p
}

// Update moves the bar forward to completed tiles. It never moves back.
func (p *progress) Update(completed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil || int64(completed) <= p.bar.Current() {
		return
	}
	p.bar.SetCurrent(int64(completed))
}

func (p *progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
