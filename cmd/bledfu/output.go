package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/groutine"
)

const (
	outputBufferSize    = 1024
	outputDrainInterval = 20 * time.Millisecond
)

// outputDrainer decouples the BLE callbacks from a slow writer (a
// terminal or a PTY nobody reads). Chunks go into an overlapped ring: when
// the writer falls behind the oldest chunks are overwritten and counted.
type outputDrainer struct {
	w      io.Writer
	logger *logrus.Logger
	buffer mpmc.RichOverlappedRingBuffer[[]byte]
	wakeup chan struct{}

	overwritten atomic.Int64
	cancel      context.CancelFunc
	done        <-chan struct{}
	stopOnce    sync.Once
}

func newOutputDrainer(w io.Writer, logger *logrus.Logger) *outputDrainer {
	ctx, cancel := context.WithCancel(context.Background())
	d := &outputDrainer{
		w:      w,
		logger: logger,
		buffer: mpmc.NewOverlappedRingBuffer[[]byte](outputBufferSize),
		wakeup: make(chan struct{}, 1),
		cancel: cancel,
	}
	d.done = groutine.GoDone(ctx, "output-drainer", d.run)
	return d
}

// Push queues a copy of data. It never blocks.
func (d *outputDrainer) Push(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	overwrites, err := d.buffer.EnqueueM(chunk)
	if err != nil {
		d.logger.WithError(err).Warn("Output buffer enqueue failed")
		return
	}
	if overwrites > 0 {
		d.overwritten.Add(int64(overwrites))
	}
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
}

// Overwritten returns how many chunks were lost to overflow.
func (d *outputDrainer) Overwritten() int64 {
	return d.overwritten.Load()
}

// Stop flushes what is buffered and stops the drainer.
func (d *outputDrainer) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		<-d.done
		d.flush()
		if n := d.Overwritten(); n > 0 {
			d.logger.WithField("chunks", n).Warn("Output overflow: chunks were dropped")
		}
	})
}

func (d *outputDrainer) run(ctx context.Context) {
	defer d.logger.Debugf("%s: exiting", groutine.Name(ctx))

	ticker := time.NewTicker(outputDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wakeup:
		case <-ticker.C:
		}
		d.flush()
	}
}

func (d *outputDrainer) flush() {
	for !d.buffer.IsEmpty() {
		chunk, err := d.buffer.Dequeue()
		if err != nil {
			return
		}
		if _, err := d.w.Write(chunk); err != nil {
			d.logger.WithError(err).Warn("Output drainer: write failed")
		}
	}
}

// statusLine is printed for every manager status change.
func statusLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
