package network

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jvenkit1/council-go/internal/proto"
)

// ErrSessionClosed is returned by Send and Receive once the session has
// been closed locally.
var ErrSessionClosed = errors.New("session closed")

// Stream is the byte pipe a Session frames messages over. The QUIC layer
// provides the production implementation; tests substitute in-memory pipes.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Session is one long-lived, full-duplex, message-framed channel to a
// single remote peer. Concurrent senders are serialized against each
// other, and so are concurrent receivers; frames written by one side are
// observed by the other in write order.
type Session struct {
	// RemoteID is the peer identifier learned during the handshake. It is
	// assigned once, before the dispatch loop starts reading.
	RemoteID int

	stream    Stream
	sendMu    sync.Mutex
	recvMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func NewSession(stream Stream) *Session {
	return &Session{
		stream: stream,
		closed: make(chan struct{}),
	}
}

// Send writes one whole frame or fails. The frame is built up front and
// written under the send lock, so interleaving with other senders on this
// session cannot tear it.
func (s *Session) Send(m proto.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := proto.WriteMessage(s.stream, m); err != nil {
		if s.isClosed() {
			return ErrSessionClosed
		}
		return fmt.Errorf("session send: %w", err)
	}
	return nil
}

// Receive blocks until a full frame arrives and returns the decoded
// message. EOF, framing failures, and connection loss all surface as
// errors; a local Close unblocks a pending Receive.
func (s *Session) Receive() (proto.Message, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	m, err := proto.ReadMessage(s.stream)
	if err != nil {
		if s.isClosed() {
			return proto.Message{}, ErrSessionClosed
		}
		return proto.Message{}, fmt.Errorf("session receive: %w", err)
	}
	return m, nil
}

// Close is idempotent. It tears down the underlying stream, which
// unblocks any Receive in flight.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.stream.Close()
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
