package quictransport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampUDPBuffer(t *testing.T) {
	assert.Equal(t, minUDPBuffer, clampUDPBuffer(-1))
	assert.Equal(t, minUDPBuffer, clampUDPBuffer(minUDPBuffer))
	assert.Equal(t, DefaultUDPBuffer, clampUDPBuffer(DefaultUDPBuffer))
	assert.Equal(t, maxUDPBuffer, clampUDPBuffer(maxUDPBuffer+1))
}

func TestTuneUDPBuffers(t *testing.T) {
	res := tuneUDPBuffers(nil, 0)
	assert.Error(t, res.Err)
	assert.Equal(t, minUDPBuffer, res.Requested)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	res = tuneUDPBuffers(conn, minUDPBuffer)
	assert.NoError(t, res.Err)
}
