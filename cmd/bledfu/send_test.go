package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SendTestSuite struct {
	CommandTestSuite
}

func (suite *SendTestSuite) TestSendText() {
	// GOAL: Verify a text payload reaches the UART write characteristic
	//
	// TEST SCENARIO: send --address <reachable> "reset" → link receives "reset" → summary printed

	stdout, _, err := suite.ExecuteCommand("send", "--address", TestDeviceAddress1, "reset")
	suite.Require().NoError(err, "send MUST succeed")

	suite.Equal("reset", suite.central.links[TestDeviceAddress1].Written(), "payload MUST be written to the link")
	suite.Contains(stdout, "Sent 5 bytes to "+TestDeviceAddress1)
}

func (suite *SendTestSuite) TestSendHex() {
	// GOAL: Verify --hex payloads are decoded before sending
	//
	// TEST SCENARIO: send --hex "de:ad be-ef" → link receives 0xDEADBEEF

	_, _, err := suite.ExecuteCommand("send", "--address", TestDeviceAddress1, "--hex", "de:ad be-ef")
	suite.Require().NoError(err, "send MUST succeed")
	suite.Equal("\xde\xad\xbe\xef", suite.central.links[TestDeviceAddress1].Written())
}

func (suite *SendTestSuite) TestSendUnreachableDevice() {
	// GOAL: Verify a failed connect is reported instead of waiting for the timeout
	//
	// TEST SCENARIO: send to an address the central cannot reach → connect error

	_, _, err := suite.ExecuteCommand("send", "--address", TestDeviceAddress2, "ping")
	suite.Require().Error(err, "send to an unreachable device MUST fail")
	suite.ErrorIs(err, errUnreachable)
}

func (suite *SendTestSuite) TestSendRequiresAddress() {
	_, _, err := suite.ExecuteCommand("send", "ping")
	suite.Require().Error(err, "send without --address MUST fail")
	suite.Contains(err.Error(), `"address" not set`)
}

func TestSendTestSuite(t *testing.T) {
	suite.Run(t, new(SendTestSuite))
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		isHex   bool
		want    []byte
		wantErr string
	}{
		{name: "text", arg: "hello", want: []byte("hello")},
		{name: "empty text", arg: "", wantErr: "payload is empty"},
		{name: "hex plain", arg: "0102ff", isHex: true, want: []byte{0x01, 0x02, 0xff}},
		{name: "hex separators", arg: "01 02:ff-10", isHex: true, want: []byte{0x01, 0x02, 0xff, 0x10}},
		{name: "hex prefix", arg: "0x0A0B", isHex: true, want: []byte{0x0a, 0x0b}},
		{name: "hex odd length", arg: "123", isHex: true, wantErr: "invalid hex payload"},
		{name: "hex garbage", arg: "zz", isHex: true, wantErr: "invalid hex payload"},
		{name: "hex only separators", arg: " : ", isHex: true, wantErr: "payload is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodePayload(tt.arg, tt.isHex)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
