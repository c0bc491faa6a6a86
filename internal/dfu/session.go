package dfu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/connection"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/groutine"
)

// Connector is the part of connection.Manager a Session drives.
type Connector interface {
	SetSink(sink connection.EventSink)
	SetPolicy(autoConnect, chooseFirst bool)
	DisconnectWithCompletion(fn func())
	Scan() error
	StopScan()
}

var _ Connector = (*connection.Manager)(nil)

// transfer is the single transfer slot. gen tags every report so reports
// from an earlier transfer are dropped.
type transfer struct {
	gen        uint64
	peripheral device.PeripheralHandle
	controller TransferController
	// cancel stops the download and the service start of this transfer.
	cancel context.CancelFunc
	// stop is the outcome of an abort or link loss that arrived before the
	// service handed out a controller. StartTransfer reports it once the
	// start unwinds, so the slot stays taken until then.
	stop *Error
}

// Session binds a discovered peripheral to a TransferService and relays the
// service's reports to one Sink. At most one transfer runs at a time.
type Session struct {
	conn     Connector
	service  TransferService
	fetcher  Fetcher
	logger   *logrus.Logger
	registry *Registry

	mu     sync.Mutex
	sink   Sink
	active *transfer
	gen    uint64

	// Sink deliveries are queued and drained by one caller at a time so
	// events keep their order even when a sink calls back into the session.
	emitMu   sync.Mutex
	queue    []func()
	draining bool
}

// NewSession creates a session and registers it as conn's sink.
func NewSession(conn Connector, service TransferService, fetcher Fetcher, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Session{
		conn:     conn,
		service:  service,
		fetcher:  fetcher,
		logger:   logger,
		registry: NewRegistry(),
	}
	conn.SetSink(s)
	return s
}

// SetSink registers the event sink, replacing any previous one.
func (s *Session) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// ClearSink drops the registered sink. Events emitted afterwards are discarded.
func (s *Session) ClearSink() {
	s.SetSink(nil)
}

// Registry returns the discovered peripherals.
func (s *Session) Registry() *Registry {
	return s.registry
}

// Scan returns an environment string right away. It then tears down any
// current link and scans with manual selection; discoveries are reported as
// DeviceDiscovered events.
func (s *Session) Scan() string {
	version := fmt.Sprintf("Go %s %s/%s", strings.TrimPrefix(runtime.Version(), "go"), runtime.GOOS, runtime.GOARCH)

	s.conn.SetPolicy(false, false)
	s.conn.DisconnectWithCompletion(func() {
		if err := s.conn.Scan(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to start DFU device scan")
		}
	})
	return version
}

// Active reports whether a transfer occupies the slot.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// StartTransfer downloads the firmware package at source, if needed, and
// hands it to the transfer service for deviceID. It returns once the
// transfer is initiated. An Abort or link loss before that cancels the
// download and the start, and StartTransfer returns ErrTransferAborted.
func (s *Session) StartTransfer(ctx context.Context, deviceID, source string) error {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return ErrInvalidDeviceID
	}
	p, ok := s.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDeviceSelected, id)
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return ErrTransferAlreadyInProgress
	}
	s.gen++
	tctx, cancel := context.WithCancel(ctx)
	t := &transfer{gen: s.gen, peripheral: p.Handle, cancel: cancel}
	s.active = t
	s.mu.Unlock()

	logger := s.logger.WithFields(logrus.Fields{
		"peripheral": p.Handle.String(),
		"source":     source,
		"transfer":   t.gen,
	})

	path, err := s.fetch(tctx, source)
	if stop := s.stopRequested(t); stop != nil {
		logger.WithField("reason", stop.Code.String()).Info("Transfer stopped during download")
		s.finish(t.gen, *stop)
		return ErrTransferAborted
	}
	if err != nil {
		logger.WithField("error", err).Error("Firmware download failed")
		s.finish(t.gen, Error{Code: DownloadFailed, Message: err.Error()})
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	s.conn.StopScan()

	logger.WithField("firmware", path).Info("Starting firmware transfer")
	ctrl, err := s.service.Start(tctx, TransferRequest{Peripheral: p.Handle, FirmwarePath: path}, &relay{session: s, gen: t.gen})

	s.mu.Lock()
	stop := t.stop
	if err == nil && stop == nil {
		t.controller = ctrl
	}
	s.mu.Unlock()

	if stop != nil {
		logger.WithField("reason", stop.Code.String()).Info("Transfer stopped while starting")
		if ctrl != nil {
			if aerr := ctrl.Abort(); aerr != nil && !errors.Is(aerr, ErrNoActiveTransfer) {
				logger.WithField("error", aerr).Warn("Failed to abort transfer that was stopped while starting")
			}
		}
		s.finish(t.gen, *stop)
		return ErrTransferAborted
	}
	if err != nil {
		logger.WithField("error", err).Error("Transfer service failed to start")
		s.finish(t.gen, Error{Code: DeviceError, Message: err.Error()})
		return fmt.Errorf("start transfer: %w", err)
	}
	return nil
}

// stopRequested returns the pending outcome recorded by Abort or a link loss
// before t had a controller.
func (s *Session) stopRequested(t *transfer) *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.stop
}

// requestStopLocked records ev as t's outcome and cancels its start. The
// first request wins. s.mu must be held.
func (s *Session) requestStopLocked(t *transfer, ev Error) {
	if t.stop == nil {
		t.stop = &ev
	}
	t.cancel()
}

type fetchResult struct {
	path string
	err  error
}

// fetch runs the download on its own goroutine and waits for the result.
func (s *Session) fetch(ctx context.Context, source string) (string, error) {
	if s.fetcher == nil {
		return source, nil
	}
	results := make(chan fetchResult, 1)
	groutine.Go(ctx, "dfu-fetch", func(ctx context.Context) {
		path, err := s.fetcher.Fetch(ctx, source)
		results <- fetchResult{path: path, err: err}
	})

	select {
	case r := <-results:
		return r.path, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Abort stops the active transfer. The outcome is reported as an Error
// event with code Aborted.
func (s *Session) Abort() error {
	s.mu.Lock()
	t := s.active
	if t == nil {
		s.mu.Unlock()
		return ErrNoActiveTransfer
	}
	ctrl := t.controller
	if ctrl == nil {
		// Still downloading or starting: StartTransfer reports the outcome.
		s.requestStopLocked(t, Error{Code: Aborted, Message: "transfer aborted"})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := ctrl.Abort(); err != nil {
		return fmt.Errorf("abort transfer: %w", err)
	}
	return nil
}

// stopping reports whether gen owns the slot but is already being stopped,
// in which case StartTransfer emits the outcome and service reports are
// dropped.
func (s *Session) stopping(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.gen == gen && s.active.stop != nil
}

// finish frees the slot for gen and emits ev. It returns false if gen no
// longer owns the slot, in which case nothing is emitted.
func (s *Session) finish(gen uint64, ev Event) bool {
	s.mu.Lock()
	if s.active == nil || s.active.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.active.cancel()
	s.active = nil
	sink := s.sink
	s.enqueueLocked(sink, ev)
	s.mu.Unlock()
	s.drain()
	return true
}

// report relays a service report for gen. Terminal reports free the slot.
func (s *Session) report(gen uint64, ev Event) {
	if s.stopping(gen) {
		return
	}
	if isTerminal(ev) {
		if !s.finish(gen, ev) {
			s.logger.WithFields(logrus.Fields{
				"transfer": gen,
				"event":    ev.String(),
			}).Debug("Dropping report for finished transfer")
		}
		return
	}

	s.mu.Lock()
	if s.active == nil || s.active.gen != gen {
		s.mu.Unlock()
		return
	}
	sink := s.sink
	s.enqueueLocked(sink, ev)
	s.mu.Unlock()
	s.drain()
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	sink := s.sink
	s.enqueueLocked(sink, ev)
	s.mu.Unlock()
	s.drain()
}

// enqueueLocked queues a delivery. s.mu must be held so the queue order
// follows the order of the decisions made under it.
func (s *Session) enqueueLocked(sink Sink, ev Event) {
	if sink == nil {
		return
	}
	s.emitMu.Lock()
	s.queue = append(s.queue, func() { sink.OnEvent(ev) })
	s.emitMu.Unlock()
}

func (s *Session) drain() {
	s.emitMu.Lock()
	if s.draining {
		s.emitMu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		deliver := s.queue[0]
		s.queue = s.queue[1:]
		s.emitMu.Unlock()
		deliver()
		s.emitMu.Lock()
	}
	s.draining = false
	s.emitMu.Unlock()
}

// ----------------------------
// connection.EventSink
// ----------------------------

func (s *Session) OnStatusChanged(old, new connection.Status) {
	s.logger.WithFields(logrus.Fields{
		"from": old.String(),
		"to":   new.String(),
	}).Debug("Connection status changed")
}

func (s *Session) OnDiscovered(p device.DiscoveredPeripheral) {
	s.registry.Put(p)
	s.emit(DeviceDiscovered{Peripheral: p})
}

func (s *Session) OnConnected(p device.PeripheralHandle) {
	s.logger.WithField("peripheral", p.String()).Debug("Peripheral connected")
}

// OnDisconnected ends an active transfer for p: the sink gets one
// DeviceDisconnected error and the service is asked to abort.
func (s *Session) OnDisconnected(p device.PeripheralHandle, err error) {
	s.mu.Lock()
	t := s.active
	if t == nil || !strings.EqualFold(t.peripheral.ID, p.ID) {
		s.mu.Unlock()
		return
	}
	msg := "Device disconnected"
	if err != nil {
		msg = fmt.Sprintf("Device disconnected: %v", err)
	}
	ctrl := t.controller
	gen := t.gen
	if ctrl == nil {
		s.requestStopLocked(t, Error{Code: DeviceDisconnected, Message: msg})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !s.finish(gen, Error{Code: DeviceDisconnected, Message: msg}) {
		return
	}
	if err := ctrl.Abort(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to abort transfer after link loss")
	}
}

func (s *Session) OnData(data []byte) {}

func (s *Session) OnHardwareRevision(revision string) {
	s.logger.WithField("revision", revision).Debug("Hardware revision")
}

func (s *Session) OnError(err error) {
	s.logger.WithField("error", err).Warn("Connection error")
}

var _ connection.EventSink = (*Session)(nil)

// relay is the TransferListener for one transfer generation.
type relay struct {
	session *Session
	gen     uint64
}

func (r *relay) OnProgress(p Progress)       { r.session.report(r.gen, p) }
func (r *relay) OnStateChanged(state string) { r.session.report(r.gen, StateChanged{State: state}) }
func (r *relay) OnCompleted()                { r.session.report(r.gen, Completed{}) }
func (r *relay) OnError(code ErrorCode, message string) {
	r.session.report(r.gen, Error{Code: code, Message: message})
}
