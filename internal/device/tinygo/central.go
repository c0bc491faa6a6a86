package tinyble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// DefaultConnectTimeout bounds a single Connect.
const DefaultConnectTimeout = 30 * time.Second

// Options configures a Central.
type Options struct {
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

// Central implements device.Central over tinygo.org/x/bluetooth.
type Central struct {
	radio  radio
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	delegate device.CentralDelegate
	enabled  bool
	scanning bool
	filter   []string
	dials    map[string]*dial
	links    map[string]*Link
}

// dial tracks one Connect; cancelled is set when nobody wants the result.
type dial struct {
	cancelled bool
}

// NewCentral creates a Central on bluetooth.DefaultAdapter.
func NewCentral(opts Options) *Central {
	return newCentral(newAdapterRadio(bluetooth.DefaultAdapter), opts)
}

func newCentral(r radio, opts Options) *Central {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Central{
		radio:  r,
		opts:   opts,
		logger: opts.Logger,
		dials:  make(map[string]*dial),
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

func (c *Central) report(ps device.PowerState) {
	if d := c.currentDelegate(); d != nil {
		d.PowerStateChanged(ps)
	}
}

// Start enables the adapter and reports the power state.
func (c *Central) Start() {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if enabled {
		c.report(device.PoweredOn)
		return
	}

	if err := c.radio.Enable(); err != nil {
		err = normalizeError(err)
		c.logger.WithField("error", err).Warn("Failed to enable BLE adapter")
		if errors.Is(err, device.ErrBluetoothOff) {
			c.report(device.PoweredOff)
		} else {
			c.report(device.Unsupported)
		}
		return
	}
	c.radio.OnDisconnect(c.disconnected)

	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	c.logger.Debug("BLE adapter enabled")
	c.report(device.PoweredOn)
}

// Scan starts discovery. tinygo runs one scan at a time, so a second call
// only replaces the filter.
func (c *Central) Scan(services []string) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		c.logger.Warn("Scan requested before the adapter was enabled")
		return
	}
	c.filter = device.NormalizeUUIDs(services)
	if c.scanning {
		c.mu.Unlock()
		return
	}
	c.scanning = true
	c.mu.Unlock()

	groutine.Go(context.Background(), "tinyble-scan", func(context.Context) {
		err := c.radio.Scan(c.scanReport)
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		if err != nil {
			err = normalizeError(err)
			c.logger.WithField("error", err).Warn("Scan failed")
			if errors.Is(err, device.ErrBluetoothOff) {
				c.report(device.PoweredOff)
			}
			return
		}
		c.logger.Debug("Scan stopped")
	})
}

func (c *Central) scanReport(r scanReport) {
	c.mu.Lock()
	filter := c.filter
	scanning := c.scanning
	c.mu.Unlock()
	if !scanning || r.ID == "" {
		return
	}

	p := device.DiscoveredPeripheral{
		Handle: device.PeripheralHandle{ID: r.ID, Name: r.Name},
		RSSI:   float64(r.RSSI),
	}
	matched := len(filter) == 0
	for _, s := range filter {
		if r.HasService != nil && r.HasService(s) {
			p.Services = append(p.Services, s)
			matched = true
		}
	}
	if !matched {
		return
	}
	if d := c.currentDelegate(); d != nil {
		d.PeripheralDiscovered(p)
	}
}

func (c *Central) StopScan() {
	c.mu.Lock()
	scanning := c.scanning
	c.scanning = false
	c.mu.Unlock()
	if !scanning {
		return
	}
	if err := c.radio.StopScan(); err != nil {
		c.logger.WithField("error", err).Debug("StopScan failed")
	}
}

// RetrieveConnected returns the peripherals this Central holds a link to.
func (c *Central) RetrieveConnected([]string) []device.PeripheralHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []device.PeripheralHandle
	for _, l := range c.links {
		out = append(out, l.handle)
	}
	return out
}

// Connect dials p. tinygo cannot abort a dial, so a timeout or a cancel
// reports the failure right away and drops the link if it comes up later.
func (c *Central) Connect(p device.PeripheralHandle) {
	key := linkKey(p.ID)
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		if d := c.currentDelegate(); d != nil {
			d.PeripheralConnectFailed(p, device.ErrNotInitialized)
		}
		return
	}
	if _, ok := c.dials[key]; ok {
		c.mu.Unlock()
		return
	}
	dl := &dial{}
	c.dials[key] = dl
	c.mu.Unlock()

	type result struct {
		peer peer
		err  error
	}
	results := make(chan result, 1)
	groutine.Go(context.Background(), "tinyble-connect", func(context.Context) {
		pr, err := c.radio.Connect(p.ID)
		results <- result{pr, err}
	})

	groutine.Go(context.Background(), "tinyble-dial", func(context.Context) {
		timer := time.NewTimer(c.opts.ConnectTimeout)
		defer timer.Stop()

		select {
		case res := <-results:
			c.settleDial(p, dl, res.peer, res.err)
		case <-timer.C:
			c.mu.Lock()
			wanted := !dl.cancelled
			dl.cancelled = true
			c.mu.Unlock()
			if wanted {
				c.failDial(p, dl, fmt.Errorf("%w: connect to %s", device.ErrTimeout, p.ID))
			}
			// A late link is dropped.
			if res := <-results; res.err == nil {
				_ = res.peer.Disconnect()
			}
		}
	})
}

func (c *Central) settleDial(p device.PeripheralHandle, dl *dial, pr peer, err error) {
	key := linkKey(p.ID)
	c.mu.Lock()
	cancelled := dl.cancelled
	if c.dials[key] == dl {
		delete(c.dials, key)
	}
	c.mu.Unlock()

	if cancelled {
		// Already reported by CancelConnection.
		if err == nil {
			_ = pr.Disconnect()
		}
		return
	}
	if err != nil {
		if d := c.currentDelegate(); d != nil {
			d.PeripheralConnectFailed(p, normalizeError(err))
		}
		return
	}

	link := newLink(p, pr, c.logger)
	c.mu.Lock()
	c.links[key] = link
	c.mu.Unlock()
	if d := c.currentDelegate(); d != nil {
		d.PeripheralConnected(p, link)
	}
}

func (c *Central) failDial(p device.PeripheralHandle, dl *dial, err error) {
	key := linkKey(p.ID)
	c.mu.Lock()
	if c.dials[key] == dl {
		delete(c.dials, key)
	}
	c.mu.Unlock()
	if d := c.currentDelegate(); d != nil {
		d.PeripheralConnectFailed(p, err)
	}
}

// disconnected handles tinygo's connect handler reporting a lost link.
func (c *Central) disconnected(id string) {
	key := linkKey(id)
	c.mu.Lock()
	link, ok := c.links[key]
	delete(c.links, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	link.close()
	c.logger.WithField("peripheral", link.handle.String()).Warn("Link reported disconnection")
	if d := c.currentDelegate(); d != nil {
		d.PeripheralDisconnected(link.handle, device.ErrNotConnected)
	}
}

// CancelConnection aborts a pending dial or drops an established link after
// its queued operations have run.
func (c *Central) CancelConnection(p device.PeripheralHandle) {
	key := linkKey(p.ID)
	c.mu.Lock()
	if dl, ok := c.dials[key]; ok {
		dl.cancelled = true
		delete(c.dials, key)
		c.mu.Unlock()
		if d := c.currentDelegate(); d != nil {
			d.PeripheralConnectFailed(p, context.Canceled)
		}
		return
	}
	link, ok := c.links[key]
	delete(c.links, key)
	c.mu.Unlock()

	if !ok {
		if d := c.currentDelegate(); d != nil {
			d.PeripheralDisconnected(p, nil)
		}
		return
	}
	link.teardown(func() {
		if err := link.peer.Disconnect(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"peripheral": p.String(),
				"error":      err,
			}).Warn("Failed to disconnect")
		}
		if d := c.currentDelegate(); d != nil {
			d.PeripheralDisconnected(p, nil)
		}
	})
}

func linkKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// normalizeError maps tinygo adapter messages to device sentinels.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "powered off"), strings.Contains(msg, "turned off"), strings.Contains(msg, "not powered"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return err
	}
}

var _ device.Central = (*Central)(nil)
