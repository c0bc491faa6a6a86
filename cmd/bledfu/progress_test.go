package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/dfu"
	"github.com/srg/bledfu/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressLine(t *testing.T) {
	tests := []struct {
		name string
		p    dfu.Progress
		want string
	}{
		{"start", dfu.Progress{Part: 1, TotalParts: 1}, "[..............................]   0%"},
		{"half with speed", dfu.Progress{Part: 1, TotalParts: 1, Percent: 50, Speed: 2048}, "[###############...............]  50%  2.0 kB/s"},
		{"multi part", dfu.Progress{Part: 2, TotalParts: 3, Percent: 100}, "[##############################] 100%  part 2/3"},
		{"clamped", dfu.Progress{Percent: 180}, "[##############################] 180%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, progressLine(tt.p))
		})
	}
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "512 B/s", formatSpeed(512))
	assert.Equal(t, "1.5 kB/s", formatSpeed(1536))
	assert.Equal(t, "2.0 MB/s", formatSpeed(2*1024*1024))
}

func TestTransferRendererPlain(t *testing.T) {
	// GOAL: Verify non-interactive rendering prints one line per event and skips repeated states
	//
	// TEST SCENARIO: discovered → state twice → progress → completed → five lines

	var buf bytes.Buffer
	r := NewTransferRenderer(&buf, false)
	r.Render(dfu.DeviceDiscovered{Peripheral: device.DiscoveredPeripheral{Handle: device.PeripheralHandle{ID: "AA", Name: "Board"}, RSSI: -50}})
	r.Render(dfu.StateChanged{State: "Connecting"})
	r.Render(dfu.StateChanged{State: "Connecting"})
	r.Render(dfu.Progress{Part: 1, TotalParts: 1, Percent: 100})
	r.Render(dfu.Completed{})

	testutils.NewTextAsserter(t).Assert(buf.String(), `Found Board (AA) (-50 dBm)
» Connecting
[##############################] 100%
✓ Firmware update completed`)
}

func TestTransferRendererInteractive(t *testing.T) {
	// GOAL: Verify interactive progress is redrawn in place and terminated before the next message
	//
	// TEST SCENARIO: two progress updates → error → progress on one line, error on the next

	var buf bytes.Buffer
	r := NewTransferRenderer(&buf, true)
	r.Render(dfu.Progress{Percent: 10})
	r.Render(dfu.Progress{Percent: 20})
	r.Render(dfu.Error{Code: dfu.Aborted})

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, clearLineSequence), "each update MUST clear the line")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], progressLine(dfu.Progress{Percent: 20})))
	assert.Contains(t, lines[1], "Firmware transfer aborted")
}

func TestProgressPrinterStopsOnPhase(t *testing.T) {
	// GOAL: Verify reaching a stop phase clears the line and Stop stays safe to call
	//
	// TEST SCENARIO: start → callback("Processing results") → line cleared → Stop again is a no-op

	buf := &testutils.SyncBuffer{}
	p := NewProgressPrinter(buf, "Scanning for BLE devices", "Scanning", time.Second, "Processing results")
	p.Start()
	p.Callback()("Processing results")
	p.Stop()

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\rScanning for BLE devices (Scanning...)"), "first frame MUST show the phase, got %q", out)
	assert.True(t, strings.HasSuffix(out, clearLineSequence), "stop MUST clear the line")
	assert.Equal(t, 1, strings.Count(out, clearLineSequence), "line MUST be cleared once")
}
