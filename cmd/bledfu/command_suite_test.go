package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/devicefactory"
	"github.com/srg/bledfu/internal/testutils"
	"github.com/srg/bledfu/internal/uart"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

var errUnreachable = errors.New("peripheral unreachable")

// fakeLink exposes the default UART profile and answers discovery
// synchronously. When enabled, notifications replay greeting.
type fakeLink struct {
	greeting []byte

	mu       sync.Mutex
	delegate device.LinkDelegate
	written  []byte
}

func (l *fakeLink) SetDelegate(d device.LinkDelegate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delegate = d
}

func (l *fakeLink) currentDelegate() device.LinkDelegate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delegate
}

func (l *fakeLink) DiscoverServices([]string) {
	l.currentDelegate().ServicesDiscovered([]device.ServiceDescriptor{{UUID: uart.ServiceUUID}}, nil)
}

func (l *fakeLink) DiscoverCharacteristics(service string, _ []string) {
	l.currentDelegate().CharacteristicsDiscovered(device.ServiceDescriptor{UUID: service}, []device.CharacteristicDescriptor{
		{UUID: uart.WriteCharUUID, Service: service, Properties: device.PropWriteWithoutResponse},
		{UUID: uart.NotifyCharUUID, Service: service, Properties: device.PropNotify},
	}, nil)
}

func (l *fakeLink) SetNotify(c device.CharacteristicDescriptor, enabled bool) {
	if !enabled || len(l.greeting) == 0 {
		return
	}
	d := l.currentDelegate()
	go d.ValueUpdated(c, l.greeting, nil)
}

func (l *fakeLink) WriteValue(_ device.CharacteristicDescriptor, value []byte, _ bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, value...)
}

func (l *fakeLink) ReadValue(device.CharacteristicDescriptor) {}

func (l *fakeLink) Written() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.written)
}

// fakeCentral advertises a fixed set of peripherals and connects to the
// ones listed in links.
type fakeCentral struct {
	reports []device.DiscoveredPeripheral
	links   map[string]*fakeLink

	mu       sync.Mutex
	delegate device.CentralDelegate
	connects []string
}

func (c *fakeCentral) SetDelegate(d device.CentralDelegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

func (c *fakeCentral) currentDelegate() device.CentralDelegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}

func (c *fakeCentral) Start() { c.currentDelegate().PowerStateChanged(device.PoweredOn) }

func (c *fakeCentral) Scan([]string) {
	d := c.currentDelegate()
	reports := append([]device.DiscoveredPeripheral(nil), c.reports...)
	go func() {
		for _, r := range reports {
			d.PeripheralDiscovered(r)
		}
	}()
}

func (c *fakeCentral) StopScan() {}

func (c *fakeCentral) RetrieveConnected([]string) []device.PeripheralHandle { return nil }

func (c *fakeCentral) Connect(p device.PeripheralHandle) {
	c.mu.Lock()
	c.connects = append(c.connects, p.ID)
	link, ok := c.links[strings.ToUpper(p.ID)]
	d := c.delegate
	c.mu.Unlock()

	go func() {
		if !ok {
			d.PeripheralConnectFailed(p, errUnreachable)
			return
		}
		d.PeripheralConnected(p, link)
	}()
}

func (c *fakeCentral) CancelConnection(p device.PeripheralHandle) {
	d := c.currentDelegate()
	go d.PeripheralDisconnected(p, nil)
}

// CommandTestSuite runs commands against a fake central and a throwaway
// config file. Embed it in command suites.
type CommandTestSuite struct {
	suite.Suite

	central            *fakeCentral
	configPath         string
	originalNewCentral func(string, devicefactory.Options, *logrus.Logger) (device.Central, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.central = &fakeCentral{
		reports: []device.DiscoveredPeripheral{
			{Handle: device.PeripheralHandle{ID: TestDeviceAddress1, Name: "Weak Board"}, RSSI: -82, Services: []string{uart.ServiceUUID}},
			{Handle: device.PeripheralHandle{ID: TestDeviceAddress2, Name: "Strong Board"}, RSSI: -41, Services: []string{uart.ServiceUUID, "180a"}},
		},
		links: map[string]*fakeLink{
			TestDeviceAddress1: {greeting: []byte("hello from board\n")},
		},
	}

	s.originalNewCentral = newCentral
	newCentral = func(string, devicefactory.Options, *logrus.Logger) (device.Central, error) {
		return s.central, nil
	}

	s.WriteConfig("")
	s.resetFlags()
}

func (s *CommandTestSuite) TearDownTest() {
	newCentral = s.originalNewCentral
}

// WriteConfig writes a config file with short timeouts followed by extra.
func (s *CommandTestSuite) WriteConfig(extra string) {
	s.configPath = filepath.Join(s.T().TempDir(), "config.yaml")
	content := "log_level: error\nscan_timeout: 200ms\nconnect_timeout: 2s\n" + extra
	s.Require().NoError(os.WriteFile(s.configPath, []byte(content), 0o600), "config file MUST be written")
}

// resetFlags restores flag variables and cobra's "changed" bookkeeping so
// required-flag checks behave as on a fresh process.
func (s *CommandTestSuite) resetFlags() {
	scanDuration, scanFormat, scanSort = 0, "", "rssi"
	scanServices, scanAllowList, scanBlockList = nil, nil, nil
	monitorAddress, monitorPTY = "", false
	sendAddress, sendHex = "", false
	dfuDevice, dfuURL, dfuScanTimeout = "", "", 0
	uuidsFormat = ""

	rootCmd.ResetFlags()
	addGlobalFlags(rootCmd)
	for _, reset := range []struct {
		cmd *cobra.Command
		add func(*cobra.Command)
	}{
		{scanCmd, addScanFlags},
		{monitorCmd, addMonitorFlags},
		{sendCmd, addSendFlags},
		{dfuCmd, addDFUFlags},
		{uuidsCmd, addUUIDsFlags},
	} {
		reset.cmd.ResetFlags()
		reset.add(reset.cmd)
	}
}

// ExecuteCommand runs the root command with args and the suite config.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (stdout, stderr string, err error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandContext is ExecuteCommand with a caller-controlled context.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	out, errOut := &testutils.SyncBuffer{}, &testutils.SyncBuffer{}
	err = s.run(ctx, out, errOut, args...)
	return out.String(), errOut.String(), err
}

func (s *CommandTestSuite) run(ctx context.Context, out, errOut *testutils.SyncBuffer, args ...string) error {
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append(args, "--config", s.configPath))

	// cobra keeps the first context it saw on every command.
	rootCmd.SetContext(ctx)
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
		c.SilenceUsage = false
	}
	return rootCmd.ExecuteContext(ctx)
}
