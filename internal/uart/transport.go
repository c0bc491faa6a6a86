package uart

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
)

// DefaultChunkSize is the largest payload written per characteristic write.
// It matches the ATT default MTU (23) minus the 3 byte write header.
const DefaultChunkSize = 20

// Listener receives Transport events. Every callback carries the transport
// so owners can drop events from an instance they already replaced.
type Listener interface {
	OnTransportReady(t *Transport)
	OnTransportData(t *Transport, data []byte)
	OnTransportError(t *Transport, err error)
	OnHardwareRevision(t *Transport, revision string)
}

// Options configures a Transport.
type Options struct {
	ChunkSize int
	Logger    *logrus.Logger
}

// Transport turns one peripheral link into a byte channel over the UART
// profile. It implements device.LinkDelegate.
type Transport struct {
	handle    device.PeripheralHandle
	profile   Profile
	listener  Listener
	logger    *logrus.Logger
	chunkSize int

	sendMu sync.Mutex // keeps chunks of one Send contiguous

	mu           sync.Mutex
	state        TransportState
	link         device.Link
	pending      int // characteristic discoveries still outstanding
	writeChar    *device.CharacteristicDescriptor
	notifyChar   *device.CharacteristicDescriptor
	revisionChar *device.CharacteristicDescriptor
	subscribed   bool
	revision     string
}

// NewTransport creates a transport for a peripheral whose link was requested
// but is not established yet. The transport starts in Connecting.
func NewTransport(handle device.PeripheralHandle, profile Profile, listener Listener, opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Transport{
		handle:    handle,
		profile:   profile.Normalize(),
		listener:  listener,
		logger:    opts.Logger,
		chunkSize: opts.ChunkSize,
		state:     Connecting,
	}
}

// Handle returns the peripheral this transport belongs to.
func (t *Transport) Handle() device.PeripheralHandle {
	return t.handle
}

// State returns the current lifecycle state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsReady reports whether Send can be used.
func (t *Transport) IsReady() bool {
	return t.State() == Ready
}

// HardwareRevision returns the value read from the device information
// service, or "" when it was not (yet) read.
func (t *Transport) HardwareRevision() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revision
}

// Attach binds the established link and starts service discovery.
func (t *Transport) Attach(link device.Link) error {
	t.mu.Lock()
	if t.state != Connecting {
		state := t.state
		t.mu.Unlock()
		return newError(KindNotReady, nil, "cannot attach in state %s", state)
	}
	t.link = link
	t.state = Discovering
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"peripheral": t.handle.ID,
		"services":   t.profile.Services(),
	}).Debug("Discovering UART services...")

	link.SetDelegate(t)
	link.DiscoverServices(t.profile.Services())
	return nil
}

// ServicesDiscovered implements device.LinkDelegate.
func (t *Transport) ServicesDiscovered(services []device.ServiceDescriptor, err error) {
	t.mu.Lock()
	if t.state != Discovering {
		t.dropLocked("services")
		t.mu.Unlock()
		return
	}

	if err != nil {
		t.state = Idle
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"peripheral": t.handle.ID,
			"error":      err,
		}).Error("Service discovery failed")
		t.listener.OnTransportError(t, newError(KindDiscoveryFailed, err, "discovery failed"))
		return
	}

	type request struct {
		service string
		filter  []string
	}
	var requests []request
	for _, s := range services {
		switch {
		case s.Is(t.profile.Service):
			requests = append(requests, request{s.UUID, []string{t.profile.Write, t.profile.Notify}})
		case s.Is(t.profile.DeviceInfo):
			requests = append(requests, request{s.UUID, []string{t.profile.HardwareRevision}})
		}
	}

	if len(requests) == 0 {
		t.state = Idle
		t.mu.Unlock()
		t.listener.OnTransportError(t, newError(KindMissingCharacteristics, nil, "service %s not found", t.profile.Service))
		return
	}

	t.pending = len(requests)
	t.state = ResolvingCharacteristics
	link := t.link
	t.mu.Unlock()

	for _, r := range requests {
		link.DiscoverCharacteristics(r.service, r.filter)
	}
}

// CharacteristicsDiscovered implements device.LinkDelegate. Readiness is
// decided when the last outstanding service resolves.
func (t *Transport) CharacteristicsDiscovered(service device.ServiceDescriptor, chars []device.CharacteristicDescriptor, err error) {
	t.mu.Lock()
	if t.state != ResolvingCharacteristics || t.pending == 0 {
		t.dropLocked("characteristics")
		t.mu.Unlock()
		return
	}
	isUART := service.Is(t.profile.Service)
	if !isUART && !service.Is(t.profile.DeviceInfo) {
		t.mu.Unlock()
		return
	}
	t.pending--

	var subscribe, readRevision *device.CharacteristicDescriptor
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"service": service.UUID,
			"error":   err,
		}).Warn("Characteristic discovery failed")
	} else {
		for i := range chars {
			c := chars[i]
			switch {
			case isUART && c.Is(t.profile.Write):
				t.writeChar = &c
			case isUART && c.Is(t.profile.Notify):
				t.notifyChar = &c
				if !t.subscribed {
					t.subscribed = true
					subscribe = &c
				}
			case !isUART && c.Is(t.profile.HardwareRevision):
				t.revisionChar = &c
				readRevision = &c
			}
		}
	}

	var ready, failed bool
	if t.pending == 0 {
		if t.writeChar != nil && t.notifyChar != nil {
			t.state = Ready
			ready = true
		} else {
			t.state = Idle
			failed = true
		}
	}
	link := t.link
	writeChar, notifyChar := t.writeChar, t.notifyChar
	t.mu.Unlock()

	if subscribe != nil {
		link.SetNotify(*subscribe, true)
	}
	if readRevision != nil {
		link.ReadValue(*readRevision)
	}

	switch {
	case ready:
		t.logger.WithFields(logrus.Fields{
			"peripheral": t.handle.ID,
			"write":      writeChar.Properties.String(),
		}).Info("UART transport ready")
		t.listener.OnTransportReady(t)
		t.listener.OnHardwareRevision(t, t.HardwareRevision())
	case failed:
		var missing []string
		if writeChar == nil {
			missing = append(missing, t.profile.Write)
		}
		if notifyChar == nil {
			missing = append(missing, t.profile.Notify)
		}
		t.listener.OnTransportError(t, newError(KindMissingCharacteristics, nil, "missing %v", missing))
	}
}

// ValueUpdated implements device.LinkDelegate.
func (t *Transport) ValueUpdated(c device.CharacteristicDescriptor, value []byte, err error) {
	t.mu.Lock()
	if t.state != ResolvingCharacteristics && t.state != Ready {
		t.dropLocked("value")
		t.mu.Unlock()
		return
	}

	switch {
	case t.notifyChar != nil && c.Is(t.notifyChar.UUID):
		t.mu.Unlock()
		if err != nil {
			t.listener.OnTransportError(t, newError(KindNotificationFailure, err, "notification failure"))
			return
		}
		data := make([]byte, len(value))
		copy(data, value)
		t.listener.OnTransportData(t, data)

	case t.revisionChar != nil && c.Is(t.revisionChar.UUID):
		if err == nil {
			t.revision = string(value)
		}
		t.mu.Unlock()
		if err != nil {
			t.logger.WithField("error", err).Warn("Hardware revision read failed")
		}

	default:
		t.mu.Unlock()
	}
}

// NotifyStateChanged implements device.LinkDelegate.
func (t *Transport) NotifyStateChanged(c device.CharacteristicDescriptor, enabled bool, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	if t.notifyChar == nil || !c.Is(t.notifyChar.UUID) || (t.state != ResolvingCharacteristics && t.state != Ready) {
		t.mu.Unlock()
		return
	}
	if enabled {
		t.subscribed = false
	}
	t.mu.Unlock()
	t.listener.OnTransportError(t, newError(KindNotificationFailure, err, "notification failure"))
}

// ValueWritten implements device.LinkDelegate.
func (t *Transport) ValueWritten(c device.CharacteristicDescriptor, err error) {
	if err == nil {
		return
	}
	if t.State() != Ready {
		return
	}
	t.listener.OnTransportError(t, newError(KindWriteFailed, err, "write to %s failed", c.UUID))
}

// Send writes payload to the write characteristic in chunks. It fails with
// ErrNotReady before Ready and writes nothing in that case.
func (t *Transport) Send(payload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if t.state != Ready || t.writeChar == nil {
		t.mu.Unlock()
		return ErrNotReady
	}
	char := *t.writeChar
	link := t.link
	t.mu.Unlock()

	if !char.Properties.CanWrite() {
		return newError(KindNoWritableCharacteristic, nil, "characteristic %s properties %s", char.UUID, char.Properties)
	}
	withResponse := char.Properties.Has(device.PropWrite)

	for off := 0; off < len(payload); off += t.chunkSize {
		end := off + t.chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-off)
		copy(chunk, payload[off:end])
		link.WriteValue(char, chunk, withResponse)
	}

	t.logger.WithFields(logrus.Fields{
		"bytes":         len(payload),
		"with_response": withResponse,
	}).Debug("UART payload sent")
	return nil
}

// PrepareForDisconnect unsubscribes from notifications, if subscribed, and
// stops acting on any further link callbacks. Call it before tearing the
// link down.
func (t *Transport) PrepareForDisconnect() {
	t.mu.Lock()
	if t.state == Disconnecting || (t.state == Idle && !t.subscribed) {
		t.mu.Unlock()
		return
	}
	t.state = Disconnecting
	var unsubscribe *device.CharacteristicDescriptor
	if t.subscribed && t.notifyChar != nil && t.link != nil {
		c := *t.notifyChar
		unsubscribe = &c
	}
	t.subscribed = false
	link := t.link
	t.mu.Unlock()

	if unsubscribe != nil {
		t.logger.WithField("characteristic", unsubscribe.UUID).Debug("Unsubscribing from UART notifications")
		link.SetNotify(*unsubscribe, false)
	}
}

// Close releases the link after it went away. The transport is unusable afterwards.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Idle
	t.link = nil
	t.writeChar = nil
	t.notifyChar = nil
	t.revisionChar = nil
	t.subscribed = false
	t.pending = 0
}

// dropLocked logs a callback ignored due to the current state. mu must be held.
func (t *Transport) dropLocked(what string) {
	t.logger.WithFields(logrus.Fields{
		"peripheral": t.handle.ID,
		"state":      t.state.String(),
		"callback":   what,
	}).Debug("Ignoring late link callback")
}
