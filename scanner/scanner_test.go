package scanner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/scanner"
	"github.com/stretchr/testify/suite"
)

// fakeCentral replays scripted advertisements when a scan starts.
type fakeCentral struct {
	power   device.PowerState
	reports []device.DiscoveredPeripheral

	mu       sync.Mutex
	delegate device.CentralDelegate
	scans    [][]string
	stops    int
}

func (c *fakeCentral) SetDelegate(d device.CentralDelegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}
func (c *fakeCentral) Start() { c.delegate.PowerStateChanged(c.power) }
func (c *fakeCentral) Scan(services []string) {
	c.mu.Lock()
	c.scans = append(c.scans, services)
	c.mu.Unlock()
	go func() {
		for _, r := range c.reports {
			c.delegate.PeripheralDiscovered(r)
		}
	}()
}
func (c *fakeCentral) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}
func (c *fakeCentral) RetrieveConnected([]string) []device.PeripheralHandle { return nil }
func (c *fakeCentral) Connect(device.PeripheralHandle)                      {}
func (c *fakeCentral) CancelConnection(device.PeripheralHandle)             {}

type ScannerTestSuite struct {
	suite.Suite
	logger  *logrus.Logger
	central *fakeCentral
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.PanicLevel)
	suite.central = &fakeCentral{
		power: device.PoweredOn,
		reports: []device.DiscoveredPeripheral{
			{Handle: device.PeripheralHandle{ID: "AA:BB:CC:DD:EE:FF", Name: "Test Device 1"}, RSSI: -67, Services: []string{"180f", "1800"}},
			{Handle: device.PeripheralHandle{ID: "11:22:33:44:55:66", Name: "Test Device 2"}, RSSI: -45, Services: []string{"1801"}},
			{Handle: device.PeripheralHandle{ID: "99:88:77:66:55:44", Name: "Test Device 3"}, RSSI: -80, Services: []string{"1802"}},
			{Handle: device.PeripheralHandle{ID: "aa:bb:cc:dd:ee:ff"}, RSSI: -50},
		},
	}
}

func (suite *ScannerTestSuite) scan(opts *scanner.ScanOptions) []scanner.DeviceInfo {
	s := scanner.New(suite.central, suite.logger)
	if opts.Duration == 0 {
		opts.Duration = 100 * time.Millisecond
	}
	devices, err := s.Scan(context.Background(), opts, nil)
	suite.Require().NoError(err)
	return devices
}

func (suite *ScannerTestSuite) TestDefaultScanOptions() {
	opts := scanner.DefaultScanOptions()

	suite.Equal(10*time.Second, opts.Duration)
	suite.Nil(opts.ServiceUUIDs)
	suite.Nil(opts.AllowList)
	suite.Nil(opts.BlockList)
}

func (suite *ScannerTestSuite) TestScanCollectsAndMerges() {
	// GOAL: Verify repeated advertisements update one entry and the result is
	// sorted by signal strength
	//
	// TEST SCENARIO: Device 1 advertises twice (second time stronger, nameless) → one entry, RSSI -50, name kept

	devices := suite.scan(&scanner.ScanOptions{})

	suite.Require().Len(devices, 3, "repeated advertisements MUST merge into one entry")
	suite.Equal("11:22:33:44:55:66", devices[0].ID, "strongest signal MUST come first")
	suite.Equal("AA:BB:CC:DD:EE:FF", devices[1].ID)
	suite.Equal(-50.0, devices[1].RSSI, "update MUST refresh RSSI")
	suite.Equal("Test Device 1", devices[1].Name, "nameless update MUST keep the known name")
	suite.Equal(2, devices[1].Seen)
	suite.Equal([]string{"180f", "1800"}, devices[1].Services)

	suite.Require().Len(suite.central.scans, 1)
	suite.GreaterOrEqual(suite.central.stops, 1, "scan MUST be stopped when the duration elapses")
}

func (suite *ScannerTestSuite) TestFilters() {
	tests := []struct {
		name string
		opts scanner.ScanOptions
		want []string
	}{
		{
			name: "service filter",
			opts: scanner.ScanOptions{ServiceUUIDs: []string{"0000180F-0000-1000-8000-00805F9B34FB"}},
			want: []string{"AA:BB:CC:DD:EE:FF"},
		},
		{
			name: "allow list",
			opts: scanner.ScanOptions{AllowList: []string{"99:88:77:66:55:44", "11:22:33:44:55:66"}},
			want: []string{"11:22:33:44:55:66", "99:88:77:66:55:44"},
		},
		{
			name: "block list",
			opts: scanner.ScanOptions{BlockList: []string{"aa:bb:cc:dd:ee:ff"}},
			want: []string{"11:22:33:44:55:66", "99:88:77:66:55:44"},
		},
	}

	for _, tc := range tests {
		suite.Run(tc.name, func() {
			opts := tc.opts
			devices := suite.scan(&opts)
			var ids []string
			for _, d := range devices {
				ids = append(ids, d.ID)
			}
			suite.Equal(tc.want, ids)
		})
	}
}

func (suite *ScannerTestSuite) TestServiceFilterPassedToCentral() {
	suite.scan(&scanner.ScanOptions{ServiceUUIDs: []string{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"}})
	suite.Require().Len(suite.central.scans, 1)
	suite.Equal([]string{"6e400001b5a3f393e0a9e50e24dcca9e"}, suite.central.scans[0], "filter MUST be normalized")
}

func (suite *ScannerTestSuite) TestEvents() {
	s := scanner.New(suite.central, suite.logger)
	_, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)
	suite.Require().NoError(err)

	var types []scanner.DeviceEventType
	for len(types) < 4 {
		select {
		case ev := <-s.Events():
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			suite.FailNow("missing events", "got %v", types)
		}
	}
	suite.Equal([]scanner.DeviceEventType{scanner.EventNew, scanner.EventNew, scanner.EventNew, scanner.EventUpdated}, types)
}

func (suite *ScannerTestSuite) TestPoweredOff() {
	suite.central.power = device.PoweredOff
	s := scanner.New(suite.central, suite.logger)

	_, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: time.Second}, nil)
	suite.ErrorIs(err, device.ErrBluetoothOff)
	suite.Empty(suite.central.scans, "scan MUST NOT start while the radio is off")
}

func (suite *ScannerTestSuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(context.Background())
	var phases []string
	s := scanner.New(suite.central, suite.logger)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := s.Scan(ctx, &scanner.ScanOptions{}, func(phase string) { phases = append(phases, phase) })

	suite.NoError(err, "cancellation MUST end the scan without an error")
	suite.Equal([]string{"Scanning", "Processing results"}, phases)
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
