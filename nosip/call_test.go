// SPDX-License-Identifier: MPL-2.0

package nosip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2buacore/b2bua/device"
)

func TestNewOffererProducesSDPBeforeAccept(t *testing.T) {
	reg := device.NewRegistry()
	laddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}

	c, err := New("capabilities", laddr, true, reg)
	require.NoError(t, err)
	defer c.Close()

	assert.NotEmpty(t, c.SDP())
	assert.True(t, c.Offerer)
}

func TestSetPlaybackFailsBeforeAudioStarted(t *testing.T) {
	reg := device.NewRegistry()
	laddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}

	c, err := New("c1", laddr, false, reg)
	require.NoError(t, err)
	defer c.Close()

	_, err = reg.OpenBridge("sip_to_nosip-c1")
	require.NoError(t, err)

	err = c.SetPlayback("aubridge", "sip_to_nosip-c1")
	assert.Error(t, err)
}
