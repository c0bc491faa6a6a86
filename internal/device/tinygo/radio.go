package tinyble

import (
	"sync"

	"github.com/srg/bledfu/internal/device"
	"tinygo.org/x/bluetooth"
)

// radio is the part of *bluetooth.Adapter the Central drives. It exists so
// the Central can be tested without an adapter.
type radio interface {
	Enable() error
	Scan(fn func(scanReport)) error
	StopScan() error
	Connect(id string) (peer, error)
	OnDisconnect(fn func(id string))
}

type scanReport struct {
	ID         string
	Name       string
	RSSI       int16
	HasService func(uuid string) bool
}

type peer interface {
	DiscoverServices(filter []string) ([]gattService, error)
	Disconnect() error
}

type gattService interface {
	UUID() string
	DiscoverCharacteristics(filter []string) ([]gattChar, error)
}

type gattChar interface {
	UUID() string
	Read(buf []byte) (int, error)
	Write(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(fn func(buf []byte)) error
}

// adapterRadio adapts a tinygo adapter. Addresses seen while scanning are
// remembered so Connect can reuse them; on macOS they are CoreBluetooth
// UUIDs rather than MACs.
type adapterRadio struct {
	adapter *bluetooth.Adapter

	mu    sync.Mutex
	addrs map[string]bluetooth.Address
}

func newAdapterRadio(a *bluetooth.Adapter) *adapterRadio {
	return &adapterRadio{adapter: a, addrs: make(map[string]bluetooth.Address)}
}

func (r *adapterRadio) Enable() error {
	return r.adapter.Enable()
}

func (r *adapterRadio) Scan(fn func(scanReport)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		r.mu.Lock()
		r.addrs[linkKey(id)] = result.Address
		r.mu.Unlock()

		fn(scanReport{
			ID:   id,
			Name: result.LocalName(),
			RSSI: result.RSSI,
			HasService: func(uuid string) bool {
				u, err := bluetooth.ParseUUID(device.ExpandUUID(uuid))
				return err == nil && result.HasServiceUUID(u)
			},
		})
	})
}

func (r *adapterRadio) StopScan() error {
	return r.adapter.StopScan()
}

func (r *adapterRadio) Connect(id string) (peer, error) {
	r.mu.Lock()
	addr, ok := r.addrs[linkKey(id)]
	r.mu.Unlock()
	if !ok {
		addr.Set(id)
	}
	dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinyPeer{dev: &dev}, nil
}

func (r *adapterRadio) OnDisconnect(fn func(id string)) {
	r.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected {
			fn(d.Address.String())
		}
	})
}

type tinyPeer struct {
	dev *bluetooth.Device
}

func (p *tinyPeer) DiscoverServices(filter []string) ([]gattService, error) {
	svcs, err := p.dev.DiscoverServices(parseUUIDs(filter))
	out := make([]gattService, 0, len(svcs))
	for i := range svcs {
		out = append(out, tinyService{svc: &svcs[i]})
	}
	return out, err
}

func (p *tinyPeer) Disconnect() error {
	return p.dev.Disconnect()
}

type tinyService struct {
	svc *bluetooth.DeviceService
}

func (s tinyService) UUID() string { return s.svc.UUID().String() }

func (s tinyService) DiscoverCharacteristics(filter []string) ([]gattChar, error) {
	chars, err := s.svc.DiscoverCharacteristics(parseUUIDs(filter))
	out := make([]gattChar, 0, len(chars))
	for i := range chars {
		out = append(out, tinyChar{DeviceCharacteristic: &chars[i]})
	}
	return out, err
}

type tinyChar struct {
	*bluetooth.DeviceCharacteristic
}

func (c tinyChar) UUID() string { return c.DeviceCharacteristic.UUID().String() }

func parseUUIDs(uuids []string) []bluetooth.UUID {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]bluetooth.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := bluetooth.ParseUUID(device.ExpandUUID(s))
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}
