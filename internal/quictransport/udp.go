package quictransport

import (
	"errors"
	"net"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	// DefaultUDPBuffer is requested for both socket directions of a listener.
	DefaultUDPBuffer = 8 * 1024 * 1024
)

// udpTuning reports what a socket buffer request asked for and whether the
// kernel accepted it.
type udpTuning struct {
	Requested int
	Err       error
}

// tuneUDPBuffers asks the kernel for larger socket buffers. Failures are
// reported, not fatal: the kernel may cap or refuse the request.
func tuneUDPBuffers(conn *net.UDPConn, size int) udpTuning {
	res := udpTuning{Requested: clampUDPBuffer(size)}
	if conn == nil {
		res.Err = errors.New("no UDP socket")
		return res
	}
	res.Err = errors.Join(conn.SetReadBuffer(res.Requested), conn.SetWriteBuffer(res.Requested))
	return res
}

func clampUDPBuffer(n int) int {
	return min(max(n, minUDPBuffer), maxUDPBuffer)
}
