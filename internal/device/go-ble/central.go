package goble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/groutine"
)

// DefaultConnectTimeout bounds a single Dial.
const DefaultConnectTimeout = 30 * time.Second

// Options configures a Central.
type Options struct {
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

// Central implements device.Central on top of a go-ble ble.Device.
//
// go-ble is blocking: Scan runs until its context is cancelled and Dial
// returns once the link is up. Both run on their own goroutines here and
// report to the delegate when they return.
type Central struct {
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	delegate   device.CentralDelegate
	dev        ble.Device
	scanCancel context.CancelFunc
	dials      map[string]context.CancelFunc
	links      map[string]*Link
}

// NewCentral creates a Central. The underlying ble.Device is opened by Start.
func NewCentral(opts Options) *Central {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Central{
		opts:   opts,
		logger: opts.Logger,
		dials:  make(map[string]context.CancelFunc),
		links:  make(map[string]*Link),
	}
}

func (c *Central) SetDelegate(d device.CentralDelegate) {
	c.mu.Lock()
	c.delegate = d
	c.mu.Unlock()
}

func (c *Central) currentDelegate() device.CentralDelegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}

// Start opens the adapter and reports the resulting power state. go-ble
// has no power notifications: an adapter that opens is on, one that fails
// with a bluetooth-off error is off, anything else is unsupported.
func (c *Central) Start() {
	c.mu.Lock()
	if c.dev != nil {
		c.mu.Unlock()
		c.report(device.PoweredOn)
		return
	}
	c.mu.Unlock()

	dev, err := DeviceFactory()
	if err != nil {
		err = NormalizeError(err)
		c.logger.WithField("error", err).Warn("Failed to open BLE adapter")
		if errors.Is(err, device.ErrBluetoothOff) {
			c.report(device.PoweredOff)
		} else {
			c.report(device.Unsupported)
		}
		return
	}

	c.mu.Lock()
	c.dev = dev
	c.mu.Unlock()
	c.logger.Debug("BLE adapter opened")
	c.report(device.PoweredOn)
}

func (c *Central) report(ps device.PowerState) {
	if d := c.currentDelegate(); d != nil {
		d.PowerStateChanged(ps)
	}
}

// Scan starts discovery, replacing a running scan. Reports not advertising
// one of services are dropped.
func (c *Central) Scan(services []string) {
	c.mu.Lock()
	if c.dev == nil {
		c.mu.Unlock()
		c.logger.Warn("Scan requested before the adapter was started")
		return
	}
	if c.scanCancel != nil {
		c.scanCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.scanCancel = cancel
	dev := c.dev
	c.mu.Unlock()

	filter := device.NormalizeUUIDs(services)
	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			p := toDiscovered(adv)
			if p.Handle.IsZero() || !p.Advertises(filter) {
				return
			}
			if d := c.currentDelegate(); d != nil {
				d.PeripheralDiscovered(p)
			}
		})
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			c.logger.Debug("Scan stopped")
			return
		}
		err = NormalizeError(err)
		c.logger.WithField("error", err).Warn("Scan failed")
		if errors.Is(err, device.ErrBluetoothOff) {
			c.report(device.PoweredOff)
		}
	})
}

func (c *Central) StopScan() {
	c.mu.Lock()
	cancel := c.scanCancel
	c.scanCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RetrieveConnected returns the peripherals this Central holds a link to.
// go-ble cannot enumerate links owned by other processes.
func (c *Central) RetrieveConnected(services []string) []device.PeripheralHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []device.PeripheralHandle
	for _, l := range c.links {
		out = append(out, l.handle)
	}
	return out
}

// Connect dials p. Exactly one of PeripheralConnected or
// PeripheralConnectFailed follows, unless a dial to p is already running.
func (c *Central) Connect(p device.PeripheralHandle) {
	key := linkKey(p)
	c.mu.Lock()
	if c.dev == nil {
		c.mu.Unlock()
		if d := c.currentDelegate(); d != nil {
			d.PeripheralConnectFailed(p, device.ErrNotInitialized)
		}
		return
	}
	if _, dialing := c.dials[key]; dialing {
		c.mu.Unlock()
		c.logger.WithField("peripheral", p.String()).Debug("Dial already in progress")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	c.dials[key] = cancel
	dev := c.dev
	c.mu.Unlock()

	groutine.Go(ctx, "goble-dial", func(ctx context.Context) {
		defer cancel()
		client, err := dev.Dial(ctx, ble.NewAddr(p.ID))

		c.mu.Lock()
		_, stillWanted := c.dials[key]
		delete(c.dials, key)
		c.mu.Unlock()

		d := c.currentDelegate()
		if err != nil {
			if !stillWanted {
				err = context.Canceled
			}
			if d != nil {
				d.PeripheralConnectFailed(p, NormalizeError(err))
			}
			return
		}
		if !stillWanted {
			if cerr := client.CancelConnection(); cerr != nil {
				c.logger.WithField("error", cerr).Debug("Failed to drop a cancelled dial")
			}
			if d != nil {
				d.PeripheralConnectFailed(p, context.Canceled)
			}
			return
		}

		link := newLink(p, client, c.logger)
		c.mu.Lock()
		c.links[key] = link
		c.mu.Unlock()

		c.monitor(p, link)
		if d != nil {
			d.PeripheralConnected(p, link)
		}
	})
}

// monitor reports a link drop seen by the client's Disconnected channel.
func (c *Central) monitor(p device.PeripheralHandle, link *Link) {
	dc, ok := link.client.(interface{ Disconnected() <-chan struct{} })
	if !ok || dc.Disconnected() == nil {
		c.logger.Debug("Client does not expose a Disconnected() channel")
		return
	}
	groutine.Go(link.worker.Context(), "goble-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			c.logger.WithField("peripheral", p.String()).Warn("Link reported disconnection")
			c.linkLost(p, link, device.ErrNotConnected)
		case <-ctx.Done():
		}
	})
}

// linkLost forgets link and reports it, once.
func (c *Central) linkLost(p device.PeripheralHandle, link *Link, err error) {
	key := linkKey(p)
	c.mu.Lock()
	if c.links[key] != link {
		c.mu.Unlock()
		return
	}
	delete(c.links, key)
	c.mu.Unlock()

	link.close()
	if d := c.currentDelegate(); d != nil {
		d.PeripheralDisconnected(p, err)
	}
}

// CancelConnection aborts a running dial or drops an established link once
// its queued operations have run. The disconnect is reported afterwards.
func (c *Central) CancelConnection(p device.PeripheralHandle) {
	key := linkKey(p)
	c.mu.Lock()
	if cancel, ok := c.dials[key]; ok {
		delete(c.dials, key)
		c.mu.Unlock()
		c.logger.WithField("peripheral", p.String()).Debug("Cancelling dial")
		cancel()
		return
	}
	link, ok := c.links[key]
	delete(c.links, key)
	c.mu.Unlock()

	if !ok {
		// Nothing to drop; report so a waiting delegate can settle.
		if d := c.currentDelegate(); d != nil {
			d.PeripheralDisconnected(p, nil)
		}
		return
	}

	// The link is forgotten first so the monitor stays quiet. Operations
	// already queued, the unsubscribe before a disconnect among them, still
	// reach the peripheral.
	link.teardown(func() {
		if err := link.client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"peripheral": p.String(),
				"error":      err,
			}).Warn("Failed to cancel connection")
		}
		if d := c.currentDelegate(); d != nil {
			d.PeripheralDisconnected(p, nil)
		}
	})
}

func linkKey(p device.PeripheralHandle) string {
	return strings.ToLower(strings.TrimSpace(p.ID))
}

var _ device.Central = (*Central)(nil)
