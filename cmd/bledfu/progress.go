package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bledfu/internal/dfu"
	"github.com/srg/bledfu/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
	progressBarWidth       = 30
)

// ProgressPrinter shows a phase name with a countdown (or elapsed time when
// duration is zero) on a single terminal line.
//
//	p := NewProgressPrinter(w, "Scanning for BLE devices", "Scanning", 10*time.Second, "Processing results")
//	p.Start()
//	defer p.Stop()
//
// Setting one of the stop phases through Callback stops the printer.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	duration   time.Duration
	stopPhases map[string]struct{}

	phase     atomic.Value
	startTime time.Time
	stop      chan struct{}
	done      <-chan struct{}
	started   atomic.Bool
	stopOnce  sync.Once
}

func NewProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		duration:   duration,
		stopPhases: stopSet,
		stop:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins the display. It panics when called twice.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()
	p.print(p.phase.Load().(string), 0)

	p.done = groutine.GoDone(context.Background(), "progress-printer", func(context.Context) {
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, isStop := p.stopPhases[phase]; isStop {
					return
				}
				p.print(phase, p.seconds())
			}
		}
	})
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.duration <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// 3.7s shows as 4s
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a phase setter suitable for scanner.ProgressCallback.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStop := p.stopPhases[phase]; isStop {
			p.Stop()
		}
	}
}

// Stop ends the display and clears the line. It is safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.done != nil {
			<-p.done
		}
		fmt.Fprint(p.w, clearLineSequence)
	})
}

// TransferRenderer draws DFU session events. On a terminal progress is
// redrawn in place; otherwise every event gets its own line.
type TransferRenderer struct {
	w           io.Writer
	interactive bool
	lastState   string
	inProgress  bool
}

func NewTransferRenderer(w io.Writer, interactive bool) *TransferRenderer {
	return &TransferRenderer{w: w, interactive: interactive}
}

func (r *TransferRenderer) Render(ev dfu.Event) {
	switch e := ev.(type) {
	case dfu.Progress:
		if r.interactive {
			fmt.Fprint(r.w, clearLineSequence+progressLine(e))
			r.inProgress = true
			return
		}
		fmt.Fprintln(r.w, progressLine(e))
	case dfu.StateChanged:
		if e.State == r.lastState {
			return
		}
		r.lastState = e.State
		r.endLine()
		fmt.Fprintf(r.w, "%s %s\n", color.CyanString("»"), e.State)
	case dfu.DeviceDiscovered:
		r.endLine()
		fmt.Fprintf(r.w, "Found %s (%.0f dBm)\n", e.Peripheral.Handle, e.Peripheral.RSSI)
	case dfu.Completed:
		r.endLine()
		fmt.Fprintln(r.w, color.GreenString("✓ Firmware update completed"))
	case dfu.Error:
		r.endLine()
		fmt.Fprintln(r.w, color.RedString("✗ %s", formatTransferError(e)))
	}
}

func (r *TransferRenderer) endLine() {
	if r.inProgress {
		fmt.Fprintln(r.w)
		r.inProgress = false
	}
}

// progressLine renders e.g. "[#########.....]  45%  part 1/2  12.3 kB/s".
func progressLine(p dfu.Progress) string {
	filled := min(max(p.Percent, 0), 100) * progressBarWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat(".", progressBarWidth-filled)
	line := fmt.Sprintf("[%s] %3d%%", bar, p.Percent)
	if p.TotalParts > 1 {
		line += fmt.Sprintf("  part %d/%d", p.Part, p.TotalParts)
	}
	if p.Speed > 0 {
		line += "  " + formatSpeed(p.Speed)
	}
	return line
}

func formatSpeed(bytesPerSec float64) string {
	switch {
	case bytesPerSec >= 1024*1024:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
	case bytesPerSec >= 1024:
		return fmt.Sprintf("%.1f kB/s", bytesPerSec/1024)
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
}
