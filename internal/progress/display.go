package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Display periodically prints a one-line progress bar
type Display struct {
	tracker  *Tracker
	interval time.Duration
	label    string
	out      io.Writer
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display writing to stderr
func NewDisplay(tracker *Tracker, label string, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		label:    label,
		out:      os.Stderr,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and prints the final line
func (d *Display) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}

func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprint(d.out, "\r"+d.line())
		case <-d.stopCh:
			fmt.Fprintln(d.out, "\r"+d.line())
			return
		}
	}
}

func (d *Display) line() string {
	status := d.tracker.GetStatus()
	percent := d.tracker.GetBytesProgressPercent()

	return fmt.Sprintf("%s %s %s/%s %s ETA %s",
		d.label,
		progressBar(percent, 30),
		FormatBytes(status.ProcessedBytes),
		FormatBytes(status.TotalBytes),
		FormatSpeed(status.CurrentSpeed),
		FormatDuration(status.ETA),
	)
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}

// IsTerminalSupported checks if stderr is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
