package uart

// TransportState is the lifecycle phase of a Transport.
//
// A Transport is created in Connecting, moves to Discovering on Attach,
// to ResolvingCharacteristics once the service list arrives, and to Ready
// when both UART characteristics are bound. Idle is terminal: a closed or
// failed transport never becomes Ready again.
type TransportState int

const (
	Idle TransportState = iota
	Discovering
	Connecting
	ResolvingCharacteristics
	Ready
	Disconnecting
)

func (s TransportState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case ResolvingCharacteristics:
		return "resolving_characteristics"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
