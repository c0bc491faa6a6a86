package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/uart"
)

// Options configures a Manager.
type Options struct {
	AutoConnect bool
	ChooseFirst bool
	Profile     uart.Profile
	ChunkSize   int
	Logger      *logrus.Logger
}

// DefaultOptions returns auto-connecting, choose-first options for the default UART profile.
func DefaultOptions() Options {
	return Options{
		AutoConnect: true,
		ChooseFirst: true,
		Profile:     uart.DefaultProfile(),
		ChunkSize:   uart.DefaultChunkSize,
	}
}

// Manager owns at most one peripheral transport and runs the
// scan/connect/ready/disconnect lifecycle on top of a device.Central.
//
// Construct one per process and pass it to whoever needs it. All state
// changes go through transition under mu; the resulting effects are queued
// and executed in order by whichever goroutine holds the drain, outside mu.
type Manager struct {
	central device.Central
	profile uart.Profile
	opts    Options
	logger  *logrus.Logger

	mu          sync.Mutex
	state       state
	transport   *uart.Transport
	sink        EventSink
	completions []func()
	revision    string
	queue       []func()
	draining    bool
}

// New creates a Manager and registers it as the central's delegate.
func New(central device.Central, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Profile == (uart.Profile{}) {
		opts.Profile = uart.DefaultProfile()
	}
	m := &Manager{
		central: central,
		profile: opts.Profile.Normalize(),
		opts:    opts,
		logger:  opts.Logger,
		sink:    NopSink{},
		state: state{
			autoConnect: opts.AutoConnect,
			chooseFirst: opts.ChooseFirst,
		},
	}
	central.SetDelegate(m)
	return m
}

// Start asks the central for its power state; with auto-connect enabled the
// manager begins scanning (or reattaches) once the radio is on.
func (m *Manager) Start() {
	m.central.Start()
}

// SetSink registers the single event sink, replacing any previous one.
func (m *Manager) SetSink(sink EventSink) {
	if sink == nil {
		sink = NopSink{}
	}
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// ClearSink unregisters the current sink.
func (m *Manager) ClearSink() {
	m.SetSink(nil)
}

// SetPolicy changes the auto-connect and choose-first flags.
func (m *Manager) SetPolicy(autoConnect, chooseFirst bool) {
	_ = m.dispatch(evPolicyChanged{autoConnect: autoConnect, chooseFirst: chooseFirst})
}

// Status returns the externally observable status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.status
}

// Peripheral returns the peripheral being connected or connected to.
func (m *Manager) Peripheral() (device.PeripheralHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.target, !m.state.target.IsZero()
}

// HardwareRevision returns the last hardware revision reported by a transport.
func (m *Manager) HardwareRevision() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revision
}

// TransportState returns the state of the live transport, Idle if there is none.
func (m *Manager) TransportState() uart.TransportState {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return uart.Idle
	}
	return t.State()
}

// Scan starts discovery for the profile service.
func (m *Manager) Scan() error {
	return m.dispatch(evScanRequested{})
}

// StopScan stops a running scan. It is a no-op otherwise.
func (m *Manager) StopScan() {
	_ = m.dispatch(evStopScanRequested{})
}

// Connect requests a link to p (manual selection).
func (m *Manager) Connect(p device.PeripheralHandle) error {
	return m.dispatch(evConnectRequested{handle: p})
}

// Disconnect tears down the current link, if any.
func (m *Manager) Disconnect() {
	m.DisconnectWithCompletion(nil)
}

// DisconnectWithCompletion tears down the current link and calls fn exactly
// once when the manager is disconnected. If it already is, fn runs right away.
func (m *Manager) DisconnectWithCompletion(fn func()) {
	_ = m.dispatch(evDisconnectRequested{completion: fn})
}

// Send writes payload through the live transport.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return uart.ErrNotReady
	}
	return t.Send(payload)
}

// WaitReady blocks until the manager reports Connected or the timeout expires.
func (m *Manager) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if m.Status() == Connected && m.TransportState() == uart.Ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: not connected after %s", device.ErrTimeout, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ----------------------------
// device.CentralDelegate
// ----------------------------

func (m *Manager) PowerStateChanged(ps device.PowerState) {
	m.logger.WithField("state", ps.String()).Info("Bluetooth power state changed")
	if ps != device.PoweredOn {
		_ = m.dispatch(evPoweredOff{})
		return
	}
	existing := m.central.RetrieveConnected([]string{m.profile.Service})
	_ = m.dispatch(evPoweredOn{existing: existing})
}

func (m *Manager) PeripheralDiscovered(p device.DiscoveredPeripheral) {
	_ = m.dispatch(evDiscovered{peripheral: p})
}

func (m *Manager) PeripheralConnected(p device.PeripheralHandle, link device.Link) {
	m.logger.WithField("peripheral", p.String()).Info("Peripheral link established")
	_ = m.dispatch(evLinkUp{handle: p, link: link})
}

func (m *Manager) PeripheralConnectFailed(p device.PeripheralHandle, err error) {
	m.logger.WithFields(logrus.Fields{
		"peripheral": p.String(),
		"error":      err,
	}).Warn("Peripheral connection failed")
	_ = m.dispatch(evConnectFailed{handle: p, err: err})
}

func (m *Manager) PeripheralDisconnected(p device.PeripheralHandle, err error) {
	m.logger.WithFields(logrus.Fields{
		"peripheral": p.String(),
		"error":      err,
	}).Info("Peripheral disconnected")
	_ = m.dispatch(evLinkLost{handle: p, err: err})
}

// ----------------------------
// uart.Listener
// ----------------------------

func (m *Manager) OnTransportReady(t *uart.Transport) {
	if !m.isCurrent(t) {
		return
	}
	_ = m.dispatch(evTransportReady{handle: t.Handle()})
}

func (m *Manager) OnTransportError(t *uart.Transport, err error) {
	if !m.isCurrent(t) {
		return
	}
	_ = m.dispatch(evTransportError{handle: t.Handle(), err: err})
}

func (m *Manager) OnTransportData(t *uart.Transport, data []byte) {
	m.mu.Lock()
	if t != m.transport {
		m.mu.Unlock()
		return
	}
	m.enqueueLocked(func() { m.currentSink().OnData(data) })
	m.drainLocked()
}

func (m *Manager) OnHardwareRevision(t *uart.Transport, revision string) {
	m.mu.Lock()
	if t != m.transport {
		m.mu.Unlock()
		return
	}
	m.revision = revision
	m.enqueueLocked(func() { m.currentSink().OnHardwareRevision(revision) })
	m.drainLocked()
}

// ----------------------------
// Dispatch
// ----------------------------

func (m *Manager) isCurrent(t *uart.Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t != nil && t == m.transport
}

func (m *Manager) currentSink() EventSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

// dispatch applies ev and runs its effects. Calls made from inside an
// effect (a synchronous callback, a sink calling back) only enqueue; the
// outermost caller drains, so effects always run in transition order.
func (m *Manager) dispatch(ev event) error {
	m.mu.Lock()
	if d, ok := ev.(evDisconnectRequested); ok && d.completion != nil {
		m.completions = append(m.completions, d.completion)
	}

	prev := m.state
	next, effs, err := transition(m.state, ev)
	if err != nil {
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"event": fmt.Sprintf("%T", ev),
			"phase": prev.phase.String(),
			"error": err,
		}).Debug("Event rejected")
		return err
	}
	m.state = next
	if prev.phase != next.phase {
		m.logger.WithFields(logrus.Fields{
			"from":  prev.phase.String(),
			"to":    next.phase.String(),
			"event": fmt.Sprintf("%T", ev),
		}).Debug("Connection phase changed")
	}

	for _, e := range effs {
		m.enqueueLocked(m.bindLocked(e))
	}
	m.drainLocked()
	return nil
}

func (m *Manager) enqueueLocked(action func()) {
	if action != nil {
		m.queue = append(m.queue, action)
	}
}

// drainLocked runs queued actions unless another call is already draining.
// mu must be held; it is released on return.
func (m *Manager) drainLocked() {
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		action := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		action()
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

// bindLocked turns an effect into an action. Ownership changes (creating or
// dropping the transport, taking the completions) happen here under mu so
// they follow transition order; the I/O happens later in the action.
func (m *Manager) bindLocked(e effect) func() {
	switch e := e.(type) {
	case effStartScan:
		return func() {
			m.logger.WithField("service", m.profile.Service).Info("Scanning for peripherals...")
			m.central.Scan([]string{m.profile.Service})
		}

	case effStopScan:
		return m.central.StopScan

	case effConnect:
		t := uart.NewTransport(e.handle, m.profile, m, uart.Options{ChunkSize: m.opts.ChunkSize, Logger: m.logger})
		m.transport = t
		m.revision = ""
		return func() {
			m.logger.WithField("peripheral", e.handle.String()).Info("Connecting to peripheral...")
			m.central.Connect(e.handle)
		}

	case effAttach:
		t := m.transport
		if t == nil {
			return nil
		}
		return func() {
			if err := t.Attach(e.link); err != nil {
				m.logger.WithField("error", err).Warn("Failed to attach transport")
			}
		}

	case effPrepare:
		t := m.transport
		if t == nil {
			return nil
		}
		return t.PrepareForDisconnect

	case effCancelLink:
		return func() { m.central.CancelConnection(e.handle) }

	case effDestroy:
		t := m.transport
		m.transport = nil
		if t == nil {
			return nil
		}
		return t.Close

	case effResolve:
		fns := m.completions
		m.completions = nil
		return func() {
			for _, fn := range fns {
				fn()
			}
		}

	case effStatus:
		sink := m.sink
		return func() {
			m.logger.WithFields(logrus.Fields{
				"from": e.old.String(),
				"to":   e.new.String(),
			}).Info("Connection status changed")
			sink.OnStatusChanged(e.old, e.new)
		}

	case effDiscovered:
		sink := m.sink
		return func() { sink.OnDiscovered(e.peripheral) }

	case effConnected:
		sink := m.sink
		return func() { sink.OnConnected(e.handle) }

	case effDisconnected:
		sink := m.sink
		return func() { sink.OnDisconnected(e.handle, e.err) }

	case effError:
		sink := m.sink
		return func() {
			m.logger.WithField("error", e.err).Warn("Connection error")
			sink.OnError(e.err)
		}
	}
	return nil
}

var (
	_ device.CentralDelegate = (*Manager)(nil)
	_ uart.Listener          = (*Manager)(nil)
)
