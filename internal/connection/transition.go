package connection

import (
	"fmt"

	"github.com/srg/bledfu/internal/device"
)

// phase is the manager's internal lifecycle. It is finer than Status:
// connecting and disconnecting are not observable, the status keeps its
// previous value until the link is Ready or gone.
type phase int

const (
	phaseIdle phase = iota
	phaseScanning
	phaseConnecting
	phaseConnected
	phaseDisconnecting
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseScanning:
		return "scanning"
	case phaseConnecting:
		return "connecting"
	case phaseConnected:
		return "connected"
	case phaseDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// state is everything transition needs to decide. It is a value type.
type state struct {
	status      Status
	phase       phase
	powered     bool
	autoConnect bool
	chooseFirst bool
	awaiting    bool // an explicit disconnect completion is pending
	target      device.PeripheralHandle
}

// ----------------------------
// Events
// ----------------------------

type event interface{ isEvent() }

type (
	evPoweredOn struct {
		existing []device.PeripheralHandle
	}
	evPoweredOff        struct{}
	evScanRequested     struct{}
	evStopScanRequested struct{}
	evDiscovered        struct {
		peripheral device.DiscoveredPeripheral
	}
	evConnectRequested struct {
		handle device.PeripheralHandle
	}
	evLinkUp struct {
		handle device.PeripheralHandle
		link   device.Link
	}
	evTransportReady struct {
		handle device.PeripheralHandle
	}
	evTransportError struct {
		handle device.PeripheralHandle
		err    error
	}
	evConnectFailed struct {
		handle device.PeripheralHandle
		err    error
	}
	evLinkLost struct {
		handle device.PeripheralHandle
		err    error
	}
	evDisconnectRequested struct {
		completion func()
	}
	evPolicyChanged struct {
		autoConnect bool
		chooseFirst bool
	}
)

func (evPoweredOn) isEvent()           {}
func (evPoweredOff) isEvent()          {}
func (evScanRequested) isEvent()       {}
func (evStopScanRequested) isEvent()   {}
func (evDiscovered) isEvent()          {}
func (evConnectRequested) isEvent()    {}
func (evLinkUp) isEvent()              {}
func (evTransportReady) isEvent()      {}
func (evTransportError) isEvent()      {}
func (evConnectFailed) isEvent()       {}
func (evLinkLost) isEvent()            {}
func (evDisconnectRequested) isEvent() {}
func (evPolicyChanged) isEvent()       {}

// ----------------------------
// Effects
// ----------------------------

type effect interface{ isEffect() }

type (
	effStartScan    struct{}
	effStopScan     struct{}
	effConnect      struct{ handle device.PeripheralHandle }
	effAttach       struct{ link device.Link }
	effCancelLink   struct{ handle device.PeripheralHandle }
	effPrepare      struct{}
	effDestroy      struct{}
	effResolve      struct{}
	effStatus       struct{ old, new Status }
	effDiscovered   struct{ peripheral device.DiscoveredPeripheral }
	effConnected    struct{ handle device.PeripheralHandle }
	effDisconnected struct {
		handle device.PeripheralHandle
		err    error
	}
	effError struct{ err error }
)

func (effStartScan) isEffect()    {}
func (effStopScan) isEffect()     {}
func (effConnect) isEffect()      {}
func (effAttach) isEffect()       {}
func (effCancelLink) isEffect()   {}
func (effPrepare) isEffect()      {}
func (effDestroy) isEffect()      {}
func (effResolve) isEffect()      {}
func (effStatus) isEffect()       {}
func (effDiscovered) isEffect()   {}
func (effConnected) isEffect()    {}
func (effDisconnected) isEffect() {}
func (effError) isEffect()        {}

// setStatus moves s to status and records the change.
func setStatus(s *state, effs []effect, status Status) []effect {
	if s.status == status {
		return effs
	}
	effs = append(effs, effStatus{old: s.status, new: status})
	s.status = status
	return effs
}

// settle returns s to idle after the link is gone, resolving pending
// disconnect completions.
func settle(s *state, effs []effect) []effect {
	s.phase = phaseIdle
	s.target = device.PeripheralHandle{}
	effs = setStatus(s, effs, Disconnected)
	if s.awaiting {
		s.awaiting = false
		effs = append(effs, effResolve{})
	}
	return effs
}

func startScan(s *state, effs []effect) []effect {
	s.phase = phaseScanning
	effs = append(effs, effStartScan{})
	return setStatus(s, effs, Scanning)
}

func isTarget(s state, h device.PeripheralHandle) bool {
	return !s.target.IsZero() && s.target.ID == h.ID
}

// transition computes the next state and the effects to run for ev. It has
// no side effects. A non-nil error rejects the event and leaves s unchanged.
func transition(s state, ev event) (state, []effect, error) {
	var effs []effect

	switch e := ev.(type) {
	case evPolicyChanged:
		s.autoConnect = e.autoConnect
		s.chooseFirst = e.chooseFirst

	case evPoweredOn:
		s.powered = true
		if !s.autoConnect || s.phase != phaseIdle {
			break
		}
		if len(e.existing) > 0 {
			s.phase = phaseConnecting
			s.target = e.existing[0]
			effs = append(effs, effConnect{handle: e.existing[0]})
			break
		}
		effs = startScan(&s, effs)

	case evPoweredOff:
		s.powered = false
		switch s.phase {
		case phaseConnected:
			effs = append(effs, effDestroy{}, effDisconnected{handle: s.target, err: device.ErrBluetoothOff})
		case phaseConnecting, phaseDisconnecting:
			effs = append(effs, effDestroy{})
		}
		effs = settle(&s, effs)

	case evScanRequested:
		switch {
		case !s.powered:
			return s, nil, device.ErrBluetoothOff
		case s.phase == phaseScanning:
		case s.phase != phaseIdle:
			return s, nil, fmt.Errorf("%w: %s", ErrBusy, s.phase)
		default:
			effs = startScan(&s, effs)
		}

	case evStopScanRequested:
		if s.phase != phaseScanning {
			break
		}
		s.phase = phaseIdle
		effs = append(effs, effStopScan{})
		effs = setStatus(&s, effs, Disconnected)

	case evDiscovered:
		if s.phase != phaseScanning {
			break
		}
		effs = append(effs, effDiscovered{peripheral: e.peripheral})
		if s.chooseFirst {
			s.phase = phaseConnecting
			s.target = e.peripheral.Handle
			effs = append(effs, effStopScan{}, effConnect{handle: e.peripheral.Handle})
		}

	case evConnectRequested:
		switch {
		case e.handle.IsZero():
			return s, nil, ErrInvalidHandle
		case !s.powered:
			return s, nil, device.ErrBluetoothOff
		case s.phase == phaseConnecting || s.phase == phaseConnected || s.phase == phaseDisconnecting:
			return s, nil, device.ErrAlreadyConnected
		case s.phase == phaseScanning && s.chooseFirst:
			return s, nil, ErrPolicyConflict
		}
		if s.phase == phaseScanning {
			effs = append(effs, effStopScan{})
		}
		s.phase = phaseConnecting
		s.target = e.handle
		effs = append(effs, effConnect{handle: e.handle})

	case evLinkUp:
		if s.phase != phaseConnecting || !isTarget(s, e.handle) {
			// A link nobody waits for anymore
			effs = append(effs, effCancelLink{handle: e.handle})
			break
		}
		effs = append(effs, effAttach{link: e.link})

	case evTransportReady:
		if s.phase != phaseConnecting || !isTarget(s, e.handle) {
			break
		}
		s.phase = phaseConnected
		effs = setStatus(&s, effs, Connected)
		effs = append(effs, effConnected{handle: e.handle})

	case evTransportError:
		if (s.phase != phaseConnecting && s.phase != phaseConnected) || !isTarget(s, e.handle) {
			break
		}
		effs = append(effs, effError{err: e.err})

	case evConnectFailed:
		if (s.phase != phaseConnecting && s.phase != phaseDisconnecting) || !isTarget(s, e.handle) {
			break
		}
		effs = append(effs, effDestroy{})
		if s.phase == phaseConnecting {
			effs = append(effs, effError{err: fmt.Errorf("connect to %s failed: %w", e.handle.ID, e.err)})
		}
		effs = settle(&s, effs)

	case evLinkLost:
		if s.phase == phaseIdle || s.phase == phaseScanning || !isTarget(s, e.handle) {
			break
		}
		explicit := s.phase == phaseDisconnecting
		effs = append(effs, effDestroy{}, effDisconnected{handle: e.handle, err: e.err})
		effs = settle(&s, effs)
		if !explicit && s.autoConnect && s.powered {
			effs = startScan(&s, effs)
		}

	case evDisconnectRequested:
		s.awaiting = true
		switch s.phase {
		case phaseIdle:
			effs = settle(&s, effs)
		case phaseScanning:
			effs = append(effs, effStopScan{})
			effs = settle(&s, effs)
		case phaseConnecting, phaseConnected:
			s.phase = phaseDisconnecting
			effs = append(effs, effPrepare{}, effCancelLink{handle: s.target})
		case phaseDisconnecting:
			// completion resolves with the pending teardown
		}

	default:
		return s, nil, fmt.Errorf("unknown event %T", ev)
	}

	return s, effs, nil
}
