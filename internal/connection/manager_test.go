package connection_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/connection"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/uart"
	"github.com/stretchr/testify/suite"
)

var (
	peerA = device.PeripheralHandle{ID: "AA:AA", Name: "A"}
	peerB = device.PeripheralHandle{ID: "BB:BB", Name: "B"}

	writeChar  = device.CharacteristicDescriptor{UUID: uart.WriteCharUUID, Service: uart.ServiceUUID, Properties: device.PropWrite}
	notifyChar = device.CharacteristicDescriptor{UUID: uart.NotifyCharUUID, Service: uart.ServiceUUID, Properties: device.PropNotify}
	revChar    = device.CharacteristicDescriptor{UUID: uart.HardwareRevisionUUID, Service: uart.DeviceInfoUUID, Properties: device.PropRead}
)

// fakeCentral records requests. Link callbacks are driven by the test.
type fakeCentral struct {
	mu           sync.Mutex
	delegate     device.CentralDelegate
	power        device.PowerState
	existing     []device.PeripheralHandle
	scans        int
	stops        int
	connects     []device.PeripheralHandle
	cancels      []device.PeripheralHandle
	dropOnCancel bool
}

func (c *fakeCentral) SetDelegate(d device.CentralDelegate) { c.delegate = d }
func (c *fakeCentral) Start()                               { c.delegate.PowerStateChanged(c.power) }
func (c *fakeCentral) Scan([]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scans++
}
func (c *fakeCentral) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}
func (c *fakeCentral) RetrieveConnected([]string) []device.PeripheralHandle { return c.existing }
func (c *fakeCentral) Connect(p device.PeripheralHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, p)
}
func (c *fakeCentral) CancelConnection(p device.PeripheralHandle) {
	c.mu.Lock()
	c.cancels = append(c.cancels, p)
	drop := c.dropOnCancel
	c.mu.Unlock()
	if drop {
		c.delegate.PeripheralDisconnected(p, nil)
	}
}

// uartLink answers discovery synchronously like a well-behaved peripheral.
type uartLink struct {
	mu       sync.Mutex
	delegate device.LinkDelegate
	chars    map[string][]device.CharacteristicDescriptor
	notifies []bool
	writes   [][]byte
}

func newUARTLink() *uartLink {
	return &uartLink{chars: map[string][]device.CharacteristicDescriptor{
		uart.ServiceUUID:    {writeChar, notifyChar},
		uart.DeviceInfoUUID: {revChar},
	}}
}

func (l *uartLink) SetDelegate(d device.LinkDelegate) { l.delegate = d }
func (l *uartLink) DiscoverServices([]string) {
	var services []device.ServiceDescriptor
	for _, uuid := range []string{uart.ServiceUUID, uart.DeviceInfoUUID} {
		if _, ok := l.chars[uuid]; ok {
			services = append(services, device.ServiceDescriptor{UUID: uuid})
		}
	}
	l.delegate.ServicesDiscovered(services, nil)
}
func (l *uartLink) DiscoverCharacteristics(service string, _ []string) {
	l.delegate.CharacteristicsDiscovered(device.ServiceDescriptor{UUID: service}, l.chars[service], nil)
}
func (l *uartLink) SetNotify(_ device.CharacteristicDescriptor, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifies = append(l.notifies, enabled)
}
func (l *uartLink) WriteValue(_ device.CharacteristicDescriptor, value []byte, _ bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, value)
}
func (l *uartLink) ReadValue(c device.CharacteristicDescriptor) {
	l.delegate.ValueUpdated(c, []byte("rev-B"), nil)
}

type statusChange struct{ old, new connection.Status }

// sinkRecorder captures every sink callback.
type sinkRecorder struct {
	mu           sync.Mutex
	statuses     []statusChange
	discovered   []device.DiscoveredPeripheral
	connected    []device.PeripheralHandle
	disconnected []error
	data         [][]byte
	revisions    []string
	errs         []error
	onConnected  func()
}

func (r *sinkRecorder) OnStatusChanged(old, new connection.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusChange{old, new})
}
func (r *sinkRecorder) OnDiscovered(p device.DiscoveredPeripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, p)
}
func (r *sinkRecorder) OnConnected(p device.PeripheralHandle) {
	r.mu.Lock()
	r.connected = append(r.connected, p)
	fn := r.onConnected
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
func (r *sinkRecorder) OnDisconnected(_ device.PeripheralHandle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, err)
}
func (r *sinkRecorder) OnData(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, data)
}
func (r *sinkRecorder) OnHardwareRevision(rev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revisions = append(r.revisions, rev)
}
func (r *sinkRecorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

type ManagerTestSuite struct {
	suite.Suite
	central *fakeCentral
	sink    *sinkRecorder
	manager *connection.Manager
}

func (suite *ManagerTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	suite.central = &fakeCentral{power: device.PoweredOn}
	suite.sink = &sinkRecorder{}
	opts := connection.DefaultOptions()
	opts.Logger = logger
	suite.manager = connection.New(suite.central, opts)
	suite.manager.SetSink(suite.sink)
}

// connect drives the manager from power-on to Connected with peerA.
func (suite *ManagerTestSuite) connect() *uartLink {
	suite.manager.Start()
	suite.manager.PeripheralDiscovered(device.DiscoveredPeripheral{Handle: peerA, RSSI: -50})
	link := newUARTLink()
	suite.manager.PeripheralConnected(peerA, link)
	suite.Require().Equal(connection.Connected, suite.manager.Status())
	return link
}

func (suite *ManagerTestSuite) TestEndToEnd_StatusSequence() {
	// GOAL: Verify the observable lifecycle from power-on to a ready link
	//
	// TEST SCENARIO: Power on → peripheral discovered → link up → discovery completes → Connected exactly once

	suite.connect()

	suite.Assert().Equal([]statusChange{
		{connection.Disconnected, connection.Scanning},
		{connection.Scanning, connection.Connected},
	}, suite.sink.statuses)
	suite.Assert().Equal([]device.PeripheralHandle{peerA}, suite.sink.connected, "connected MUST be reported exactly once")
	suite.Assert().Equal(1, suite.central.scans)
	suite.Assert().Equal(1, suite.central.stops, "choose-first MUST stop the scan")
	suite.Assert().Equal([]string{"rev-B"}, suite.sink.revisions)
	suite.Assert().Equal("rev-B", suite.manager.HardwareRevision())
	suite.Assert().Equal(uart.Ready, suite.manager.TransportState())

	p, ok := suite.manager.Peripheral()
	suite.Assert().True(ok)
	suite.Assert().Equal(peerA, p)
}

func (suite *ManagerTestSuite) TestChooseFirst_UsesArrivalOrder() {
	// GOAL: Verify choose-first picks the first report, not the strongest
	//
	// TEST SCENARIO: A (weak) arrives before B (strong) → A is connected, B is ignored

	suite.manager.Start()
	suite.manager.PeripheralDiscovered(device.DiscoveredPeripheral{Handle: peerA, RSSI: -90})
	suite.manager.PeripheralDiscovered(device.DiscoveredPeripheral{Handle: peerB, RSSI: -10})

	suite.Assert().Equal([]device.PeripheralHandle{peerA}, suite.central.connects)
	suite.Assert().Len(suite.sink.discovered, 1, "reports after selection MUST be dropped")
}

func (suite *ManagerTestSuite) TestManualSelection() {
	// GOAL: Verify manual selection reports discoveries and connects on request
	//
	// TEST SCENARIO: choose-first off → scan → two reports → Connect(B) → only B is dialled

	suite.manager.SetPolicy(false, false)
	suite.manager.Start()
	suite.Require().Equal(connection.Disconnected, suite.manager.Status(), "auto-connect off MUST NOT scan on power-on")

	suite.Require().NoError(suite.manager.Scan())
	suite.manager.PeripheralDiscovered(device.DiscoveredPeripheral{Handle: peerA})
	suite.manager.PeripheralDiscovered(device.DiscoveredPeripheral{Handle: peerB})
	suite.Require().Len(suite.sink.discovered, 2)
	suite.Require().Empty(suite.central.connects)

	suite.Require().NoError(suite.manager.Connect(peerB))
	suite.Assert().Equal([]device.PeripheralHandle{peerB}, suite.central.connects)
	suite.Assert().ErrorIs(suite.manager.Connect(peerA), device.ErrAlreadyConnected)
}

func (suite *ManagerTestSuite) TestConnect_PolicyConflict() {
	suite.manager.Start()
	suite.Require().Equal(connection.Scanning, suite.manager.Status())

	err := suite.manager.Connect(peerB)
	suite.Assert().ErrorIs(err, connection.ErrPolicyConflict)
	suite.Assert().Empty(suite.central.connects, "rejected connect MUST NOT dial")
}

func (suite *ManagerTestSuite) TestDisconnect_CompletionRunsOnce() {
	// GOAL: Verify disconnect is idempotent and each completion resolves exactly once
	//
	// TEST SCENARIO: connected → two disconnects before teardown → link gone → both resolve once → third resolves immediately

	link := suite.connect()

	var first, second, third int
	suite.manager.DisconnectWithCompletion(func() { first++ })
	suite.manager.DisconnectWithCompletion(func() { second++ })
	suite.Assert().Zero(first)
	suite.Assert().Zero(second)
	suite.Assert().Equal([]bool{true, false}, link.notifies, "notifications MUST be unsubscribed once")
	suite.Assert().Len(suite.central.cancels, 1, "second disconnect MUST NOT cancel again")

	suite.manager.PeripheralDisconnected(peerA, nil)
	suite.manager.PeripheralDisconnected(peerA, nil)

	suite.Assert().Equal(1, first)
	suite.Assert().Equal(1, second)
	suite.Assert().Equal(connection.Disconnected, suite.manager.Status())
	suite.Assert().Equal(1, suite.central.scans, "explicit disconnect MUST NOT rescan")

	suite.manager.DisconnectWithCompletion(func() { third++ })
	suite.Assert().Equal(1, third, "disconnect while disconnected MUST resolve immediately")
	suite.Assert().Equal(1, first)
}

func (suite *ManagerTestSuite) TestDisconnect_SynchronousTeardown() {
	// GOAL: Verify a central that reports link loss from inside CancelConnection does not deadlock
	//
	// TEST SCENARIO: CancelConnection calls back synchronously → completion runs once → Disconnected

	suite.connect()
	suite.central.dropOnCancel = true

	done := 0
	suite.manager.DisconnectWithCompletion(func() { done++ })

	suite.Assert().Equal(1, done)
	suite.Assert().Equal(connection.Disconnected, suite.manager.Status())
	suite.Assert().Len(suite.sink.disconnected, 1)
}

func (suite *ManagerTestSuite) TestDisconnect_WhileConnecting() {
	suite.manager.Start()
	suite.manager.PeripheralDiscovered(device.DiscoveredPeripheral{Handle: peerA})
	suite.central.dropOnCancel = true

	done := 0
	suite.manager.DisconnectWithCompletion(func() { done++ })

	suite.Assert().Equal(1, done)
	suite.Assert().Equal(connection.Disconnected, suite.manager.Status())
	suite.Assert().Empty(suite.sink.connected)

	// The dial finishing after the teardown is not adopted.
	suite.manager.PeripheralConnected(peerA, newUARTLink())
	suite.Assert().Equal(connection.Disconnected, suite.manager.Status())
	suite.Assert().Equal([]device.PeripheralHandle{peerA, peerA}, suite.central.cancels)
}

func (suite *ManagerTestSuite) TestPowerOff_SuppressesReconnect() {
	// GOAL: Verify losing the radio drops the link and does not start a rescan
	//
	// TEST SCENARIO: connected → powered off → Disconnected with ErrBluetoothOff → late link loss ignored

	suite.connect()

	suite.manager.PowerStateChanged(device.PoweredOff)
	suite.manager.PeripheralDisconnected(peerA, errors.New("late"))

	suite.Assert().Equal(connection.Disconnected, suite.manager.Status())
	suite.Require().Len(suite.sink.disconnected, 1)
	suite.Assert().ErrorIs(suite.sink.disconnected[0], device.ErrBluetoothOff)
	suite.Assert().Equal(1, suite.central.scans, "power off MUST NOT trigger a rescan")
	suite.Assert().ErrorIs(suite.manager.Scan(), device.ErrBluetoothOff)

	suite.manager.PowerStateChanged(device.PoweredOn)
	suite.Assert().Equal(connection.Scanning, suite.manager.Status(), "power on MUST resume auto-connect")
}

func (suite *ManagerTestSuite) TestPowerOn_ReattachesExistingLink() {
	suite.central.existing = []device.PeripheralHandle{peerB}
	suite.manager.Start()

	suite.Assert().Zero(suite.central.scans)
	suite.Assert().Equal([]device.PeripheralHandle{peerB}, suite.central.connects)
}

func (suite *ManagerTestSuite) TestConnectFailure_NoRescan() {
	suite.manager.Start()
	suite.manager.PeripheralDiscovered(device.DiscoveredPeripheral{Handle: peerA})

	suite.manager.PeripheralConnectFailed(peerA, errors.New("timeout"))

	suite.Assert().Equal(connection.Disconnected, suite.manager.Status())
	suite.Assert().Len(suite.sink.errs, 1)
	suite.Assert().Equal(1, suite.central.scans, "connect failure MUST NOT rescan")
	suite.Assert().Empty(suite.sink.disconnected)
}

func (suite *ManagerTestSuite) TestLinkLoss_RescansAndSendFails() {
	// GOAL: Verify an unexpected link loss rescans and leaves no usable transport
	//
	// TEST SCENARIO: connected → link lost → Scanning again → Send returns NotReady → stale notification dropped

	link := suite.connect()
	cause := errors.New("supervision timeout")

	suite.manager.PeripheralDisconnected(peerA, cause)

	suite.Assert().Equal(connection.Scanning, suite.manager.Status())
	suite.Assert().Equal(2, suite.central.scans)
	suite.Require().Len(suite.sink.disconnected, 1)
	suite.Assert().ErrorIs(suite.sink.disconnected[0], cause)
	suite.Assert().ErrorIs(suite.manager.Send([]byte("x")), uart.ErrNotReady)

	link.delegate.ValueUpdated(notifyChar, []byte("late"), nil)
	suite.Assert().Empty(suite.sink.data, "callbacks from a closed transport MUST be dropped")
}

func (suite *ManagerTestSuite) TestData_RoundTripAndSend() {
	link := suite.connect()
	payload := []byte{0x00, 0xff, 0x10, 'o', 'k'}

	link.delegate.ValueUpdated(notifyChar, payload, nil)
	suite.Require().Len(suite.sink.data, 1)
	suite.Assert().Equal(payload, suite.sink.data[0])

	suite.Require().NoError(suite.manager.Send([]byte("hello")))
	suite.Assert().Equal([][]byte{[]byte("hello")}, link.writes)
}

func (suite *ManagerTestSuite) TestMissingCharacteristics_ReportsError() {
	suite.manager.Start()
	suite.manager.PeripheralDiscovered(device.DiscoveredPeripheral{Handle: peerA})

	link := newUARTLink()
	link.chars[uart.ServiceUUID] = []device.CharacteristicDescriptor{writeChar}
	suite.manager.PeripheralConnected(peerA, link)

	suite.Assert().NotEqual(connection.Connected, suite.manager.Status())
	suite.Require().Len(suite.sink.errs, 1)
	suite.Assert().ErrorIs(suite.sink.errs[0], uart.ErrMissingCharacteristics)
	suite.Assert().Empty(suite.sink.connected)
}

func (suite *ManagerTestSuite) TestSinkMayCallBack() {
	// GOAL: Verify sinks can call into the manager from a callback
	//
	// TEST SCENARIO: OnConnected calls Disconnect → no deadlock → teardown requested

	suite.sink.onConnected = func() { suite.manager.Disconnect() }
	suite.connect()

	suite.Assert().Equal([]device.PeripheralHandle{peerA}, suite.central.cancels)
}

func (suite *ManagerTestSuite) TestClearSink() {
	suite.manager.ClearSink()
	suite.connect()

	suite.Assert().Empty(suite.sink.statuses)
	suite.Assert().Empty(suite.sink.connected)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
