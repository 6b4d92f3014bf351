package sniff

import (
	"bytes"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rsclarke/flowgate/internal/rules"
)

const recordTypeHandshake = 0x16

var errHelloCaptured = errors.New("client hello captured")

// TLS extracts the server name from a TLS ClientHello. The handshake is run
// against a read-only replay of data and aborted as soon as the hello is
// parsed, so nothing is ever sent to the peer.
func TLS(data []byte, port int, proto rules.IPProtocol) (Result, error) {
	if proto == rules.ProtocolUDP || len(data) < 5 || data[0] != recordTypeHandshake {
		return Result{}, ErrHostnameUnresolved
	}

	var serverName string
	conn := tls.Server(&replayConn{r: bytes.NewReader(data)}, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			serverName = strings.TrimSuffix(strings.ToLower(hello.ServerName), ".")
			return nil, errHelloCaptured
		},
	})
	_ = conn.Handshake()

	if serverName == "" {
		return Result{}, ErrHostnameUnresolved
	}
	return Result{Hostname: serverName, Protocol: "tls"}, nil
}

// replayConn serves a fixed byte slice and swallows writes.
type replayConn struct {
	r *bytes.Reader
}

func (c *replayConn) Read(p []byte) (int, error)       { return c.r.Read(p) }
func (c *replayConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *replayConn) Close() error                     { return nil }
func (c *replayConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *replayConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *replayConn) SetDeadline(time.Time) error      { return nil }
func (c *replayConn) SetReadDeadline(time.Time) error  { return nil }
func (c *replayConn) SetWriteDeadline(time.Time) error { return nil }
