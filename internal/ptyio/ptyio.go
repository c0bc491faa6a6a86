// Package ptyio bridges a UART stream to a pseudo-terminal so that ordinary
// serial tools (screen, minicom, picocom) can talk to a BLE peripheral.
//
// The slave end is the user-visible device; its path is returned by
// TTYName. Bytes written with Write are queued in a ring buffer and flushed
// to the master by a background pump. Bytes the user types arrive on the
// master and are handed to the OnInput callback.
//
//	p, err := ptyio.New(ptyio.Options{OnInput: func(b []byte) { mgr.Send(b) }})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println("attach to", p.TTYName())
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bledfu/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultWriteCap      = 64 * 1024
	DefaultPollTimeoutMs = 50
	chunkSize            = 4096
)

// Options configures New. Zero values use the defaults above.
type Options struct {
	WriteCap      int
	PollTimeoutMs int
	Logger        *logrus.Logger

	// OnInput receives bytes typed into the slave end. It runs on the read
	// pump and must not retain the slice.
	OnInput func(data []byte)

	// OnError is called at most once per pump when it stops on an
	// unexpected error.
	OnError func(err error)
}

// Stats are counters for monitoring back-pressure.
type Stats struct {
	WriteQueueLen   int
	WriteQueueCap   int
	DroppedWrite    uint64
	WriteBytesTotal uint64
	ReadBytesTotal  uint64
}

// PTY is an open pseudo-terminal pair.
type PTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	fd      int32
	ttyName string

	writeBuf    *ringbuffer.RingBuffer
	wakeup      chan struct{}
	onInput     func([]byte)
	onError     func(error)
	pollTimeout int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	writeBytes   atomic.Uint64
	readBytes    atomic.Uint64
}

// New opens a raw PTY pair and starts its pumps.
func New(opts Options) (*PTY, error) {
	master, slave, fd, err := openRaw()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	writeCap := opts.WriteCap
	if writeCap <= 0 {
		writeCap = DefaultWriteCap
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeoutMs
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:      logger,
		master:      master,
		slave:       slave,
		fd:          fd,
		ttyName:     slave.Name(),
		writeBuf:    ringbuffer.New(writeCap),
		wakeup:      make(chan struct{}, 1),
		onInput:     opts.OnInput,
		onError:     opts.OnError,
		pollTimeout: pollTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "ptyio-read", func(context.Context) {
		defer p.wg.Done()
		p.readLoop()
	})
	groutine.Go(ctx, "ptyio-write", func(context.Context) {
		defer p.wg.Done()
		p.writeLoop()
	})

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

// TTYName returns the slave path, e.g. /dev/pts/5.
func (p *PTY) TTYName() string {
	return p.ttyName
}

// Write queues data for the slave end and never blocks. When the queue is
// full the excess is dropped and the returned count is short.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.TryWrite(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		p.droppedWrite.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"queued":  n,
		}).Warn("PTY write buffer overflow")
	}

	select {
	case p.wakeup <- struct{}{}:
	default:
	}
	return n, nil
}

// Close stops both pumps and closes the descriptors. Calling it again is a no-op.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}
	p.logger.WithField("tty", p.ttyName).Debug("PTY closed")
	return errors.Join(errs...)
}

func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen:   p.writeBuf.Length(),
		WriteQueueCap:   p.writeBuf.Capacity(),
		DroppedWrite:    p.droppedWrite.Load(),
		WriteBytesTotal: p.writeBytes.Load(),
		ReadBytesTotal:  p.readBytes.Load(),
	}
}

func (p *PTY) fail(pump string, err error) {
	p.logger.WithError(err).Warnf("%s pump stopped", pump)
	if p.onError != nil {
		p.onError(fmt.Errorf("%s: %w", pump, err))
	}
}

// writeLoop drains the ring buffer into the master. It wakes on Write or
// after the poll timeout so cancellation is noticed.
func (p *PTY) writeLoop() {
	pollFd := []unix.PollFd{{Fd: p.fd, Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)

	for {
		if p.writeBuf.IsEmpty() {
			select {
			case <-p.ctx.Done():
				return
			case <-p.wakeup:
			}
		}
		if p.ctx.Err() != nil {
			return
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.fail("write", err)
			return
		}

		for off := 0; off < n; {
			written, err := p.master.Write(buf[off:n])
			if written > 0 {
				off += written
				p.writeBytes.Add(uint64(written))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if p.ctx.Err() != nil {
					return
				}
				if _, perr := unix.Poll(pollFd, p.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Debug("write poll failed")
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail("write", err)
				return
			}
		}
	}
}

// readLoop polls the master and hands every chunk to OnInput.
func (p *PTY) readLoop() {
	pollFd := []unix.PollFd{{Fd: p.fd, Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			p.readBytes.Add(uint64(n))
			if p.onInput != nil {
				p.onInput(buf[:n])
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
			// The last external reader hung up. Back off until one reattaches.
			select {
			case <-p.ctx.Done():
			case <-time.After(time.Duration(p.pollTimeout) * time.Millisecond):
			}
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
			return
		default:
			p.fail("read", err)
			return
		}
	}
}

// openRaw creates the pair, puts the slave in raw mode and makes the master
// non-blocking. The master descriptor is returned separately because
// os.File.Fd switches the file back to blocking mode.
func openRaw() (*os.File, *os.File, int32, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(step string, cause error) error {
		return errors.Join(
			fmt.Errorf("failed to set %s on %s: %w", step, slave.Name(), cause),
			master.Close(),
			slave.Close(),
		)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, 0, cleanup("raw mode", err)
	}
	fd := int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, nil, 0, cleanup("non-blocking mode", err)
	}
	return master, slave, int32(fd), nil
}
