package uart_test

import (
	"testing"

	"github.com/srg/bledfu/internal/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfile(t *testing.T) {
	p := uart.DefaultProfile()

	require.NoError(t, p.Validate())
	assert.Equal(t, []string{"fe59", "180a"}, p.Services())
	assert.Equal(t, p, p.Normalize(), "default profile MUST already be normalized")
}

func TestProfile_NormalizeAcceptsDashedForms(t *testing.T) {
	p := uart.Profile{
		Service:          "0xFE59",
		Write:            "6E400002-521D-4CC7-9E02-998F7C95E710",
		Notify:           "6e400003-521d-4cc7-9e02-998f7c95e710",
		DeviceInfo:       "0000180A-0000-1000-8000-00805F9B34FB",
		HardwareRevision: "2A27",
	}
	assert.Equal(t, uart.DefaultProfile(), p.Normalize())
}

func TestProfile_Validate(t *testing.T) {
	p := uart.DefaultProfile()
	p.Notify = p.Write
	assert.ErrorContains(t, p.Validate(), "must differ")

	p = uart.DefaultProfile()
	p.Service = ""
	assert.ErrorContains(t, p.Validate(), "profile service")

	p = uart.NordicUARTProfile()
	assert.NoError(t, p.Validate())
}

func TestProfile_EntriesOrder(t *testing.T) {
	var keys []string
	for pair := uart.DefaultProfile().Entries().Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	assert.Equal(t, []string{"service", "write", "notify", "device_info", "hardware_revision"}, keys)
}
