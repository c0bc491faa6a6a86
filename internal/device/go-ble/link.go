package goble

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/groutine"
)

// Link implements device.Link over a connected ble.Client.
//
// go-ble client calls block until the peripheral answers and must not
// overlap, so every operation is queued and run by one worker goroutine
// in submission order. Results go to the delegate from that worker;
// notifications arrive on go-ble's own goroutine.
type Link struct {
	handle device.PeripheralHandle
	client ble.Client
	logger *logrus.Logger
	worker *groutine.Worker

	mu       sync.Mutex
	delegate device.LinkDelegate
	services map[string]*ble.Service
	chars    map[string]*ble.Characteristic
}

func newLink(p device.PeripheralHandle, client ble.Client, logger *logrus.Logger) *Link {
	return &Link{
		handle:   p,
		client:   client,
		logger:   logger,
		worker:   groutine.NewWorker(context.Background(), "goble-link"),
		services: make(map[string]*ble.Service),
		chars:    make(map[string]*ble.Characteristic),
	}
}

// submit queues op; it is dropped once the link is closed.
func (l *Link) submit(op func()) {
	l.worker.Submit(op)
}

// teardownGrace bounds how long queued operations may hold up a disconnect.
const teardownGrace = 2 * time.Second

// close stops the worker. Queued operations are discarded.
func (l *Link) close() {
	l.worker.Stop()
}

// teardown runs drop after the queued operations have reached the
// peripheral, then stops the worker. If an operation hangs for longer than
// teardownGrace, drop runs anyway.
func (l *Link) teardown(drop func()) {
	var once sync.Once
	run := func() { once.Do(drop) }
	if !l.worker.Drain(run) {
		run()
		return
	}
	groutine.Go(context.Background(), "goble-teardown", func(context.Context) {
		timer := time.NewTimer(teardownGrace)
		defer timer.Stop()
		select {
		case <-l.worker.Done():
		case <-timer.C:
			l.logger.WithField("peripheral", l.handle.String()).Warn("Queued link operations did not finish, dropping the link")
			run()
			l.close()
		}
	})
}

// Done is closed when the worker has exited.
func (l *Link) Done() <-chan struct{} {
	return l.worker.Done()
}

func (l *Link) SetDelegate(d device.LinkDelegate) {
	l.mu.Lock()
	l.delegate = d
	l.mu.Unlock()
}

func (l *Link) currentDelegate() device.LinkDelegate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delegate
}

func (l *Link) DiscoverServices(filter []string) {
	l.submit(func() {
		svcs, err := l.client.DiscoverServices(toUUIDs(filter))
		descs := make([]device.ServiceDescriptor, 0, len(svcs))
		l.mu.Lock()
		for _, s := range svcs {
			uuid := uuidString(s.UUID)
			l.services[uuid] = s
			descs = append(descs, device.ServiceDescriptor{UUID: uuid})
		}
		l.mu.Unlock()

		l.logger.WithFields(logrus.Fields{
			"peripheral": l.handle.String(),
			"services":   len(descs),
		}).Debug("Services discovered")
		if d := l.currentDelegate(); d != nil {
			d.ServicesDiscovered(descs, NormalizeError(err))
		}
	})
}

func (l *Link) DiscoverCharacteristics(service string, filter []string) {
	l.submit(func() {
		uuid := device.NormalizeUUID(service)
		sd := device.ServiceDescriptor{UUID: uuid}

		l.mu.Lock()
		svc := l.services[uuid]
		l.mu.Unlock()
		if svc == nil {
			if d := l.currentDelegate(); d != nil {
				d.CharacteristicsDiscovered(sd, nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}})
			}
			return
		}

		chars, err := l.client.DiscoverCharacteristics(toUUIDs(filter), svc)
		descs := make([]device.CharacteristicDescriptor, 0, len(chars))
		for _, c := range chars {
			props := toProperties(c.Property)
			if props.Has(device.PropNotify) || props.Has(device.PropIndicate) {
				// Linux subscriptions need the CCCD handle.
				if _, derr := l.client.DiscoverDescriptors(nil, c); derr != nil {
					l.logger.WithField("error", derr).Debug("Descriptor discovery failed")
				}
			}
			cd := device.CharacteristicDescriptor{UUID: uuidString(c.UUID), Service: uuid, Properties: props}
			l.mu.Lock()
			l.chars[charKey(cd)] = c
			l.mu.Unlock()
			descs = append(descs, cd)
		}

		if d := l.currentDelegate(); d != nil {
			d.CharacteristicsDiscovered(sd, descs, NormalizeError(err))
		}
	})
}

func (l *Link) SetNotify(c device.CharacteristicDescriptor, enabled bool) {
	l.submit(func() {
		ch, err := l.lookup(c)
		if err == nil {
			ind := !c.Properties.Has(device.PropNotify) && c.Properties.Has(device.PropIndicate)
			if enabled {
				err = l.client.Subscribe(ch, ind, func(data []byte) {
					value := make([]byte, len(data))
					copy(value, data)
					if d := l.currentDelegate(); d != nil && l.worker.Context().Err() == nil {
						d.ValueUpdated(c, value, nil)
					}
				})
			} else {
				err = l.client.Unsubscribe(ch, ind)
			}
		}
		if d := l.currentDelegate(); d != nil {
			d.NotifyStateChanged(c, enabled, NormalizeError(err))
		}
	})
}

func (l *Link) WriteValue(c device.CharacteristicDescriptor, value []byte, withResponse bool) {
	buf := make([]byte, len(value))
	copy(buf, value)
	l.submit(func() {
		ch, err := l.lookup(c)
		if err == nil {
			err = l.client.WriteCharacteristic(ch, buf, !withResponse)
		}
		if d := l.currentDelegate(); d != nil {
			d.ValueWritten(c, NormalizeError(err))
		}
	})
}

func (l *Link) ReadValue(c device.CharacteristicDescriptor) {
	l.submit(func() {
		var value []byte
		ch, err := l.lookup(c)
		if err == nil {
			value, err = l.client.ReadCharacteristic(ch)
		}
		if d := l.currentDelegate(); d != nil {
			d.ValueUpdated(c, value, NormalizeError(err))
		}
	})
}

func (l *Link) lookup(c device.CharacteristicDescriptor) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.chars[charKey(c)]
	if !ok {
		return nil, &device.NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{device.NormalizeUUID(c.Service), device.NormalizeUUID(c.UUID)},
		}
	}
	return ch, nil
}

func charKey(c device.CharacteristicDescriptor) string {
	return device.NormalizeUUID(c.Service) + "/" + device.NormalizeUUID(c.UUID)
}

var _ device.Link = (*Link)(nil)
