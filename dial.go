package skiff

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	dialTransportNone = ""
	dialTransportSsl  = "ssl"
)

// Greeting is a message sent by a Skiff server on connect.
type Greeting struct {
	Version string
	salt    string
}

// writeFlusher is the interface that groups the basic Write and Flush
// methods.
type writeFlusher interface {
	io.Writer
	Flush() error
}

// DialOpts is a way to configure the network dial of a Connection.
type DialOpts struct {
	// DialTimeout is a timeout for an initial network dial.
	DialTimeout time.Duration
	// IoTimeout is a timeout per a network read/write.
	IoTimeout time.Duration
	// Transport is a connect transport type.
	Transport string
	// Ssl configures the "ssl" transport.
	Ssl SslOpts
}

// SslOpts configures the "ssl" transport.
type SslOpts struct {
	// KeyFile is a path to a private SSL key file.
	KeyFile string
	// CertFile is a path to an SSL certificate file.
	CertFile string
	// CaFile is a path to a trusted certificate authorities (CA) file.
	CaFile string
	// Ciphers is a colon-separated (:) list of SSL cipher suites the
	// connection can use.
	Ciphers string
}

// Dialer is the interface that wraps a method to open a network stream
// to a Skiff instance. A custom implementation can be provided via
// Opts.Dialer.
type Dialer interface {
	// Dial connects to a Skiff instance at address with the specified
	// options.
	Dial(address string, opts DialOpts) (net.Conn, error)
}

// NetDialer is the default implementation of the Dialer interface,
// used by the connector.
type NetDialer struct {
}

// Dial connects to a Skiff instance at address with the specified
// options.
func (NetDialer) Dial(address string, opts DialOpts) (net.Conn, error) {
	network, address := parseAddress(address)
	switch opts.Transport {
	case dialTransportNone:
		return net.DialTimeout(network, address, opts.DialTimeout)
	case dialTransportSsl:
		return sslDialTimeout(network, address, opts.DialTimeout, opts.Ssl)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", opts.Transport)
	}
}

// parseAddress splits address into network and address parts.
func parseAddress(address string) (string, string) {
	network := "tcp"
	addrLen := len(address)

	if addrLen > 0 && (address[0] == '.' || address[0] == '/') {
		network = "unix"
	} else if addrLen >= 7 && address[0:7] == "unix://" {
		network = "unix"
		address = address[7:]
	} else if addrLen >= 5 && address[0:5] == "unix:" {
		network = "unix"
		address = address[5:]
	} else if addrLen >= 6 && address[0:6] == "tcp://" {
		address = address[6:]
	} else if addrLen >= 4 && address[0:4] == "tcp:" {
		address = address[4:]
	}

	return network, address
}

// deadlineIO arms a deadline on the underlying connection before every
// read and write.
type deadlineIO struct {
	to time.Duration
	c  net.Conn
}

func (d *deadlineIO) Read(b []byte) (int, error) {
	if d.to > 0 {
		if err := d.c.SetReadDeadline(time.Now().Add(d.to)); err != nil {
			return 0, err
		}
	}
	return d.c.Read(b)
}

func (d *deadlineIO) Write(b []byte) (int, error) {
	if d.to > 0 {
		if err := d.c.SetWriteDeadline(time.Now().Add(d.to)); err != nil {
			return 0, err
		}
	}
	return d.c.Write(b)
}

// readGreeting reads the 128-byte server greeting: a 64-byte version
// line and a 64-byte line carrying the auth salt.
func readGreeting(reader io.Reader) (string, string, error) {
	var version, salt string

	data := make([]byte, 128)
	_, err := io.ReadFull(reader, data)
	if err == nil {
		version = string(bytes.TrimRight(data[:64], " \n\x00"))
		salt = string(bytes.TrimRight(data[64:], " \n\x00"))
	}

	return version, salt, err
}
