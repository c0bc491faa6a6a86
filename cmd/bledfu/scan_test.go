package main

import (
	"strings"
	"testing"

	"github.com/srg/bledfu/internal/testutils"
	"github.com/srg/bledfu/scanner"
	"github.com/stretchr/testify/suite"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type ScanTestSuite struct {
	CommandTestSuite
}

func (suite *ScanTestSuite) TestScanTableSortedBySignal() {
	// GOAL: Verify the default table lists every device, strongest signal first
	//
	// TEST SCENARIO: two advertisers (-82, -41 dBm) → scan → table rows ordered -41 then -82

	stdout, _, err := suite.ExecuteCommand("scan", "--duration", "150ms", "--format", "table")
	suite.Require().NoError(err, "scan MUST succeed")

	suite.Contains(stdout, "NAME", "table MUST have a header")
	strong := strings.Index(stdout, "Strong Board")
	weak := strings.Index(stdout, "Weak Board")
	suite.Require().NotEqual(-1, strong, "strong device MUST be listed")
	suite.Require().NotEqual(-1, weak, "weak device MUST be listed")
	suite.Less(strong, weak, "strongest device MUST come first")
	suite.Contains(stdout, "-41 dBm")
}

func (suite *ScanTestSuite) TestScanJSON() {
	// GOAL: Verify JSON output carries the merged device view
	//
	// TEST SCENARIO: scan --format json → array of devices with id, name, rssi and services

	stdout, _, err := suite.ExecuteCommand("scan", "--duration", "150ms", "--format", "json")
	suite.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(suite.T()).Assert(stdout, `[
		{"id": "00:00:00:00:00:02", "name": "Strong Board", "rssi": -41, "services": ["fe59", "180a"], "seen": 1, "first_seen": "<<PRESENCE>>"},
		{"id": "00:00:00:00:00:01", "name": "Weak Board", "rssi": -82, "services": ["fe59"], "seen": 1}
	]`)
}

func (suite *ScanTestSuite) TestScanDiscoveryOrder() {
	// GOAL: Verify --sort discovery keeps the order devices were first heard in
	//
	// TEST SCENARIO: weak device advertises first → scan --sort discovery → weak device listed first

	stdout, _, err := suite.ExecuteCommand("scan", "--duration", "150ms", "--format", "json", "--sort", "discovery")
	suite.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(suite.T()).Assert(stdout, `[
		{"id": "00:00:00:00:00:01"},
		{"id": "00:00:00:00:00:02"}
	]`)
}

func (suite *ScanTestSuite) TestScanServiceFilter() {
	// GOAL: Verify --service hides devices that do not advertise the service
	//
	// TEST SCENARIO: filter on 180a → only the strong device remains

	stdout, _, err := suite.ExecuteCommand("scan", "--duration", "150ms", "--format", "json", "--service", "180A")
	suite.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(suite.T()).Assert(stdout, `[{"id": "00:00:00:00:00:02"}]`)
}

func (suite *ScanTestSuite) TestScanNoDevices() {
	// GOAL: Verify an empty scan is reported, not printed as an empty table
	//
	// TEST SCENARIO: no advertisers → scan → "No devices discovered"

	suite.central.reports = nil
	stdout, _, err := suite.ExecuteCommand("scan", "--duration", "100ms")
	suite.Require().NoError(err, "empty scan MUST succeed")
	suite.Contains(stdout, "No devices discovered")
}

func (suite *ScanTestSuite) TestScanInvalidArguments() {
	// GOAL: Verify bad flag values are rejected before scanning
	//
	// TEST SCENARIO: invalid format, sort or service UUID → error naming the problem

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"format", []string{"--format", "xml"}, "invalid format 'xml'"},
		{"sort", []string{"--sort", "name"}, "invalid sort 'name'"},
		{"service", []string{"--service", "not-a-uuid"}, "invalid service UUID"},
	}
	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.resetFlags()
			_, _, err := suite.ExecuteCommand(append([]string{"scan"}, tt.args...)...)
			suite.Require().Error(err, "invalid %s MUST fail", tt.name)
			suite.Contains(err.Error(), tt.want)
		})
	}
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}

func TestDeviceList(t *testing.T) {
	m := orderedmap.New[string, scanner.DeviceInfo]()
	m.Set("a", scanner.DeviceInfo{ID: "a", RSSI: -70})
	m.Set("b", scanner.DeviceInfo{ID: "b", RSSI: -30})
	m.Set("c", scanner.DeviceInfo{ID: "c", RSSI: -70})

	ids := func(list []scanner.DeviceInfo) string {
		var out []string
		for _, d := range list {
			out = append(out, d.ID)
		}
		return strings.Join(out, ",")
	}

	if got := ids(deviceList(m, true)); got != "a,b,c" {
		t.Errorf("discovery order MUST be kept, got %s", got)
	}
	if got := ids(deviceList(m, false)); got != "b,a,c" {
		t.Errorf("RSSI order MUST be stable for ties, got %s", got)
	}
}
