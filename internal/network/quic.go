package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	alpnProtocol = "council-quic"

	// DialTimeout bounds a single outbound connection attempt.
	DialTimeout = 5 * time.Second

	maxIdleTimeout  = 5 * time.Minute
	keepAlivePeriod = 15 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives the same self-signed certificate on every member so
// the QUIC handshake verifies without provisioning. This is transport
// plumbing, not peer authentication; peers identify themselves in the
// application-level handshake.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("council-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{alpnProtocol},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}
}

// quicStream adapts one bidirectional QUIC stream, together with its
// connection, to the Session Stream interface. Closing tears down the
// whole connection: a council session owns its connection exclusively.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (q *quicStream) Read(p []byte) (int, error) {
	return q.stream.Read(p)
}

func (q *quicStream) Write(p []byte) (int, error) {
	return q.stream.Write(p)
}

func (q *quicStream) Close() error {
	q.stream.CancelRead(0)
	_ = q.stream.Close()
	return q.conn.CloseWithError(0, "session closed")
}

// Listener accepts inbound council sessions.
type Listener struct {
	ql *quic.Listener
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks for the next inbound connection and its first stream. The
// stream only materializes once the dialer writes its handshake frame, so
// a connecting peer that never speaks is held off here, not registered.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return NewSession(&quicStream{conn: conn, stream: stream}), nil
}

func (l *Listener) Addr() net.Addr {
	return l.ql.Addr()
}

func (l *Listener) Close() error {
	return l.ql.Close()
}

// Dial opens a connection and a single bidirectional stream to addr,
// bounded by DialTimeout.
func Dial(ctx context.Context, addr string) (*Session, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return NewSession(&quicStream{conn: conn, stream: stream}), nil
}
