package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for the mux protocol.
	ALPNProtocol = "muxsched-v1"

	// closeGrace bounds how long Close waits for the peer to finish reading.
	closeGrace = 5 * time.Second
)

// ServerConfig returns a TLS configuration for the QUIC server.
// Uses a freshly generated self-signed certificate.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientConfig returns a TLS configuration for the QUIC client.
// Uses InsecureSkipVerify to match the server's self-signed certificate.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultServerQUICConfig returns the default QUIC server config. Each
// connection carries one bidirectional mux stream.
func DefaultServerQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             1,
		MaxIncomingUniStreams:          -1,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         64 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the default QUIC client config.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             -1,
		MaxIncomingUniStreams:          -1,
		InitialConnectionReceiveWindow: 4 * 1024 * 1024,
		MaxConnectionReceiveWindow:     16 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"muxsched"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Conn is one mux byte stream carried on a QUIC connection.
type Conn struct {
	conn   *quic.Conn
	stream *quic.Stream
	server bool
}

func (c *Conn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close sends FIN on the stream. The dialing side then waits for the peer to
// close the connection, so buffered data is not lost, before tearing it down.
func (c *Conn) Close() error {
	err := c.stream.Close()
	if !c.server {
		select {
		case <-c.conn.Context().Done():
		case <-time.After(closeGrace):
		}
	}
	if cerr := c.conn.CloseWithError(0, "done"); err == nil {
		err = cerr
	}
	return err
}

// Listener accepts mux connections over QUIC.
type Listener struct {
	ln     *quic.Listener
	udp    *net.UDPConn
	logger *slog.Logger
}

// Listen starts a QUIC listener on addr using a self-signed certificate.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	return ListenWithConfig(addr, logger, nil)
}

// ListenWithConfig starts a QUIC listener on addr using a custom config.
func ListenWithConfig(addr string, logger *slog.Logger, config *quic.Config) (*Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultServerQUICConfig()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("UDP listen failed", "error", err, "addr", addr)
		return nil, err
	}
	if res := tuneUDPBuffers(udpConn, DefaultUDPBuffer); res.Err != nil {
		logger.Warn("UDP buffer tuning denied", "requested", res.Requested, "error", res.Err)
	}

	ln, err := quic.Listen(udpConn, tlsConfig, config)
	if err != nil {
		_ = udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return &Listener{ln: ln, udp: udpConn, logger: logger}, nil
}

// Addr returns the bound UDP address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for a connection and its mux stream.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("failed to accept mux stream: %w", err)
	}
	l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return &Conn{conn: conn, stream: stream, server: true}, nil
}

// Close stops accepting and releases the UDP socket.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if uerr := l.udp.Close(); uerr != nil && !errors.Is(uerr, net.ErrClosed) {
		err = errors.Join(err, uerr)
	}
	return err
}

// Dial connects to addr and opens the mux stream.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Conn, error) {
	return DialWithConfig(ctx, addr, logger, nil)
}

// DialWithConfig connects to addr using a custom config.
func DialWithConfig(ctx context.Context, addr string, logger *slog.Logger, config *quic.Config) (*Conn, error) {
	if config == nil {
		config = DefaultClientQUICConfig()
	}
	logger.Info("QUIC dial starting", "remote_addr", addr)

	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), config)
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("failed to open mux stream: %w", err)
	}

	logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return &Conn{conn: conn, stream: stream}, nil
}
