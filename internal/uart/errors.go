package uart

import "fmt"

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	KindNotReady                 ErrorKind = "not_ready"
	KindNoWritableCharacteristic ErrorKind = "no_writable_characteristic"
	KindDiscoveryFailed          ErrorKind = "discovery_failed"
	KindMissingCharacteristics   ErrorKind = "missing_characteristics"
	KindNotificationFailure      ErrorKind = "notification_failure"
	KindWriteFailed              ErrorKind = "write_failed"
)

// TransportError is a uart-level failure. Transport errors never tear down
// the link by themselves.
type TransportError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := "uart error: " + string(e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare TransportError values by Kind
func (e *TransportError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrNotReady                 = &TransportError{Kind: KindNotReady}
	ErrNoWritableCharacteristic = &TransportError{Kind: KindNoWritableCharacteristic}
	ErrDiscoveryFailed          = &TransportError{Kind: KindDiscoveryFailed}
	ErrMissingCharacteristics   = &TransportError{Kind: KindMissingCharacteristics}
	ErrNotificationFailure      = &TransportError{Kind: KindNotificationFailure}
	ErrWriteFailed              = &TransportError{Kind: KindWriteFailed}
)

func newError(kind ErrorKind, err error, format string, args ...any) *TransportError {
	return &TransportError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
