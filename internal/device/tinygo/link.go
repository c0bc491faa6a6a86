package tinyble

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/groutine"
)

// assumedProperties is reported for every characteristic: tinygo does not
// expose characteristic properties on every platform.
const assumedProperties = device.PropRead | device.PropWrite | device.PropWriteWithoutResponse | device.PropNotify

// readBufferSize bounds a single characteristic read.
const readBufferSize = 512

// Link implements device.Link over a tinygo device. Operations run one at
// a time on a worker goroutine.
type Link struct {
	handle device.PeripheralHandle
	peer   peer
	logger *logrus.Logger
	worker *groutine.Worker

	mu       sync.Mutex
	delegate device.LinkDelegate
	services map[string]gattService
	chars    map[string]gattChar
}

func newLink(p device.PeripheralHandle, pr peer, logger *logrus.Logger) *Link {
	return &Link{
		handle:   p,
		peer:     pr,
		logger:   logger,
		worker:   groutine.NewWorker(context.Background(), "tinyble-link"),
		services: make(map[string]gattService),
		chars:    make(map[string]gattChar),
	}
}

// teardownGrace bounds how long queued operations may hold up a disconnect.
const teardownGrace = 2 * time.Second

func (l *Link) close() { l.worker.Stop() }

// teardown runs drop once the queued operations are done, or after
// teardownGrace if one of them hangs, and stops the worker.
func (l *Link) teardown(drop func()) {
	var once sync.Once
	run := func() { once.Do(drop) }
	if !l.worker.Drain(run) {
		run()
		return
	}
	groutine.Go(context.Background(), "tinyble-teardown", func(context.Context) {
		timer := time.NewTimer(teardownGrace)
		defer timer.Stop()
		select {
		case <-l.worker.Done():
		case <-timer.C:
			l.logger.WithField("peripheral", l.handle.String()).Warn("Link operations still pending at disconnect")
			run()
			l.close()
		}
	})
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
	l.worker.Submit(func() {
		svcs, err := l.peer.DiscoverServices(filter)
		descs := make([]device.ServiceDescriptor, 0, len(svcs))
		l.mu.Lock()
		for _, s := range svcs {
			uuid := device.NormalizeUUID(s.UUID())
			l.services[uuid] = s
			descs = append(descs, device.ServiceDescriptor{UUID: uuid})
		}
		l.mu.Unlock()
		if d := l.currentDelegate(); d != nil {
			d.ServicesDiscovered(descs, normalizeError(err))
		}
	})
}

func (l *Link) DiscoverCharacteristics(service string, filter []string) {
	l.worker.Submit(func() {
		uuid := device.NormalizeUUID(service)
		sd := device.ServiceDescriptor{UUID: uuid}

		l.mu.Lock()
		svc, ok := l.services[uuid]
		l.mu.Unlock()
		if !ok {
			if d := l.currentDelegate(); d != nil {
				d.CharacteristicsDiscovered(sd, nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}})
			}
			return
		}

		chars, err := svc.DiscoverCharacteristics(filter)
		descs := make([]device.CharacteristicDescriptor, 0, len(chars))
		l.mu.Lock()
		for _, c := range chars {
			cd := device.CharacteristicDescriptor{
				UUID:       device.NormalizeUUID(c.UUID()),
				Service:    uuid,
				Properties: assumedProperties,
			}
			l.chars[charKey(cd)] = c
			descs = append(descs, cd)
		}
		l.mu.Unlock()
		if d := l.currentDelegate(); d != nil {
			d.CharacteristicsDiscovered(sd, descs, normalizeError(err))
		}
	})
}

// SetNotify enables notifications; disabling passes a nil callback, which
// tinygo treats as unsubscribe.
func (l *Link) SetNotify(c device.CharacteristicDescriptor, enabled bool) {
	l.worker.Submit(func() {
		ch, err := l.lookup(c)
		if err == nil {
			var fn func([]byte)
			if enabled {
				fn = func(buf []byte) {
					value := make([]byte, len(buf))
					copy(value, buf)
					if d := l.currentDelegate(); d != nil && l.worker.Context().Err() == nil {
						d.ValueUpdated(c, value, nil)
					}
				}
			}
			err = ch.EnableNotifications(fn)
		}
		if d := l.currentDelegate(); d != nil {
			d.NotifyStateChanged(c, enabled, normalizeError(err))
		}
	})
}

func (l *Link) WriteValue(c device.CharacteristicDescriptor, value []byte, withResponse bool) {
	buf := make([]byte, len(value))
	copy(buf, value)
	l.worker.Submit(func() {
		ch, err := l.lookup(c)
		if err == nil {
			if withResponse {
				_, err = ch.Write(buf)
			} else {
				_, err = ch.WriteWithoutResponse(buf)
			}
		}
		if d := l.currentDelegate(); d != nil {
			d.ValueWritten(c, normalizeError(err))
		}
	})
}

func (l *Link) ReadValue(c device.CharacteristicDescriptor) {
	l.worker.Submit(func() {
		var value []byte
		ch, err := l.lookup(c)
		if err == nil {
			buf := make([]byte, readBufferSize)
			var n int
			n, err = ch.Read(buf)
			value = buf[:n]
		}
		if d := l.currentDelegate(); d != nil {
			d.ValueUpdated(c, value, normalizeError(err))
		}
	})
}

func (l *Link) lookup(c device.CharacteristicDescriptor) (gattChar, error) {
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
