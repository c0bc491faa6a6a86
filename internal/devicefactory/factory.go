// Package devicefactory picks a BLE backend by name.
package devicefactory

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
	goble "github.com/srg/bledfu/internal/device/go-ble"
	tinyble "github.com/srg/bledfu/internal/device/tinygo"
)

const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// Options are the backend-independent Central settings.
type Options struct {
	ConnectTimeout time.Duration
}

// Backends lists the accepted backend names, default first.
func Backends() []string {
	return []string{BackendGoBLE, BackendTinyGo}
}

// NewCentral creates the Central for backend. An empty name selects go-ble.
func NewCentral(backend string, opts Options, logger *logrus.Logger) (device.Central, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendGoBLE, "goble":
		return goble.NewCentral(goble.Options{ConnectTimeout: opts.ConnectTimeout, Logger: logger}), nil
	case BackendTinyGo, "tinyble":
		return tinyble.NewCentral(tinyble.Options{ConnectTimeout: opts.ConnectTimeout, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("%w: backend %q (want one of %s)", device.ErrUnsupported, backend, strings.Join(Backends(), ", "))
	}
}
