package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// DeviceInfo is the accumulated view of one advertiser.
type DeviceInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	RSSI      float64   `json:"rssi"`
	Services  []string  `json:"services,omitempty"`
	Seen      int       `json:"seen"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type DeviceEvent struct {
	Type       DeviceEventType
	DeviceInfo DeviceInfo
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration     time.Duration
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// eventBuffer is the number of undelivered events kept before the oldest is dropped.
const eventBuffer = 100

// Scanner handles BLE device discovery. It takes over the central's
// delegate for the duration of a Scan.
type Scanner struct {
	central device.Central
	devices *hashmap.Map[string, *DeviceInfo]
	events  *ringchan.Chan[DeviceEvent]
	logger  *logrus.Logger

	mu      sync.Mutex
	opts    *ScanOptions
	powerCh chan device.PowerState
}

// New creates a scanner over central.
func New(central device.Central, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		central: central,
		devices: hashmap.New[string, *DeviceInfo](),
		events:  ringchan.New[DeviceEvent](eventBuffer),
		logger:  logger,
	}
}

// Scan performs BLE discovery with provided options. A zero Duration scans
// until ctx is done. The result is sorted strongest signal first.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]DeviceInfo, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	powerCh := make(chan device.PowerState, 4)
	s.mu.Lock()
	s.devices = hashmap.New[string, *DeviceInfo]()
	s.opts = opts
	s.powerCh = powerCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.opts = nil
		s.powerCh = nil
		s.mu.Unlock()
	}()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	s.central.SetDelegate(s)
	s.central.Start()

	scanning := false
wait:
	for {
		select {
		case ps := <-powerCh:
			switch ps {
			case device.PoweredOn:
				if !scanning {
					s.central.Scan(device.NormalizeUUIDs(opts.ServiceUUIDs))
					scanning = true
				}
			case device.PoweredOff:
				s.central.StopScan()
				return nil, device.ErrBluetoothOff
			default:
				return nil, fmt.Errorf("%w: bluetooth adapter state %s", device.ErrUnsupported, ps)
			}
		case <-ctx.Done():
			break wait
		}
	}
	s.central.StopScan()

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")
	return s.Devices(), nil
}

// Devices returns a snapshot of discovered devices, strongest first.
func (s *Scanner) Devices() []DeviceInfo {
	s.mu.Lock()
	devices := s.devices
	s.mu.Unlock()

	out := make([]DeviceInfo, 0, devices.Len())
	devices.Range(func(_ string, value *DeviceInfo) bool {
		out = append(out, *value)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// ----------------------------
// device.CentralDelegate
// ----------------------------

func (s *Scanner) PowerStateChanged(ps device.PowerState) {
	s.mu.Lock()
	ch := s.powerCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ps:
	default:
	}
}

// PeripheralDiscovered updates existing or adds a new device
func (s *Scanner) PeripheralDiscovered(p device.DiscoveredPeripheral) {
	s.mu.Lock()
	opts := s.opts
	devices := s.devices
	s.mu.Unlock()
	if opts == nil {
		return
	}

	key := strings.ToLower(p.Handle.ID)
	now := time.Now()

	dev, existing := devices.Get(key)
	if !existing {
		if !shouldIncludeDevice(p, opts) {
			return
		}
		dev, existing = devices.GetOrInsert(key, &DeviceInfo{
			ID:        p.Handle.ID,
			Name:      p.Handle.Name,
			RSSI:      p.RSSI,
			Services:  p.Services,
			Seen:      1,
			FirstSeen: now,
			LastSeen:  now,
		})
	}

	event := DeviceEvent{Type: EventNew}
	if existing {
		// Replace rather than mutate: snapshots may hold the old pointer.
		updated := *dev
		updated.RSSI = p.RSSI
		updated.LastSeen = now
		updated.Seen++
		if p.Handle.Name != "" {
			updated.Name = p.Handle.Name
		}
		if len(p.Services) > 0 {
			updated.Services = p.Services
		}
		devices.Set(key, &updated)
		dev = &updated
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  dev.Name,
			"address": dev.ID,
			"rssi":    dev.RSSI,
		}).Info("Discovered new device")
	}

	event.DeviceInfo = *dev
	s.events.Send(event)
}

func (s *Scanner) PeripheralConnected(device.PeripheralHandle, device.Link) {}
func (s *Scanner) PeripheralConnectFailed(device.PeripheralHandle, error)   {}
func (s *Scanner) PeripheralDisconnected(device.PeripheralHandle, error)    {}

// shouldIncludeDevice applies to allow/block/service filters
func shouldIncludeDevice(p device.DiscoveredPeripheral, opts *ScanOptions) bool {
	addr := p.Handle.ID

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return p.Advertises(opts.ServiceUUIDs)
}

var _ device.CentralDelegate = (*Scanner)(nil)
