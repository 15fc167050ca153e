package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single wire frame. Proposal values are short
// human-readable strings, so anything near the cap is garbage.
const MaxFrameSize = 64 << 10

// ErrMalformed is wrapped by every decode failure: truncation, unknown
// kind, or an illegal field combination for the kind.
var ErrMalformed = errors.New("malformed message")

const (
	flagValue    = 1 << 0
	flagAccepted = 1 << 1
)

// Encode serializes m into a self-describing record:
//
//	kind(1) | flags(1) | proposalNumber(8) | senderID(4)
//	  | acceptedProposalNumber(8, PROMISE only)
//	  | valueLen(4) + value (when present)
//
// Integers are big-endian; signed fields travel as their two's-complement
// bit pattern so the -1 sentinel round-trips.
func Encode(m Message) ([]byte, error) {
	if err := checkFields(m); err != nil {
		return nil, err
	}

	flags := byte(0)
	if m.hasValue() {
		flags |= flagValue
	}
	if m.Kind == PromiseMessage {
		flags |= flagAccepted
	}

	buf := make([]byte, 0, 22+8+4+len(m.Value))
	buf = append(buf, byte(m.Kind), flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.ProposalNumber))
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.SenderID))
	if flags&flagAccepted != 0 {
		buf = binary.BigEndian.AppendUint64(buf, uint64(m.AcceptedProposalNumber))
	}
	if flags&flagValue != 0 {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Value)))
		buf = append(buf, m.Value...)
	}
	return buf, nil
}

// Decode is the inverse of Encode. Trailing bytes are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if len(data) < 14 {
		return m, fmt.Errorf("%w: truncated header (%d bytes)", ErrMalformed, len(data))
	}

	kind := Kind(data[0])
	if !kind.valid() {
		return m, fmt.Errorf("%w: unknown kind %d", ErrMalformed, data[0])
	}
	flags := data[1]
	if flags&^(flagValue|flagAccepted) != 0 {
		return m, fmt.Errorf("%w: unknown flags %#x", ErrMalformed, flags)
	}

	m.Kind = kind
	m.ProposalNumber = int64(binary.BigEndian.Uint64(data[2:10]))
	m.SenderID = int(int32(binary.BigEndian.Uint32(data[10:14])))
	m.AcceptedProposalNumber = NoneAccepted
	rest := data[14:]

	if kind == PromiseMessage {
		if flags&flagAccepted == 0 {
			return m, fmt.Errorf("%w: PROMISE missing accepted proposal number", ErrMalformed)
		}
		if len(rest) < 8 {
			return m, fmt.Errorf("%w: truncated accepted proposal number", ErrMalformed)
		}
		m.AcceptedProposalNumber = int64(binary.BigEndian.Uint64(rest[:8]))
		rest = rest[8:]
	} else if flags&flagAccepted != 0 {
		return m, fmt.Errorf("%w: accepted proposal number on %s", ErrMalformed, kind)
	}

	if flags&flagValue != 0 {
		if len(rest) < 4 {
			return m, fmt.Errorf("%w: truncated value length", ErrMalformed)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if n == 0 || n > MaxFrameSize {
			return m, fmt.Errorf("%w: invalid value length %d", ErrMalformed, n)
		}
		if uint32(len(rest)) < n {
			return m, fmt.Errorf("%w: truncated value", ErrMalformed)
		}
		m.Value = string(rest[:n])
		rest = rest[n:]
	}

	if len(rest) != 0 {
		return m, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	if err := checkFields(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// checkFields enforces per-kind field legality: a value is required on
// ACCEPT, optional on PROMISE and ACCEPTED, and forbidden elsewhere. On a
// PROMISE the accepted number and the value are bound together.
func checkFields(m Message) error {
	if !m.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, m.Kind)
	}
	switch m.Kind {
	case AcceptMessage:
		if !m.hasValue() {
			return fmt.Errorf("%w: ACCEPT without value", ErrMalformed)
		}
	case PromiseMessage:
		if m.AcceptedProposalNumber < NoneAccepted {
			return fmt.Errorf("%w: accepted proposal number %d", ErrMalformed, m.AcceptedProposalNumber)
		}
		if (m.AcceptedProposalNumber >= 0) != m.hasValue() {
			return fmt.Errorf("%w: PROMISE accepted number %d with value %q", ErrMalformed, m.AcceptedProposalNumber, m.Value)
		}
	case AcceptedMessage:
		// value optional: carries the accepted value for observability
	default:
		if m.hasValue() {
			return fmt.Errorf("%w: value on %s", ErrMalformed, m.Kind)
		}
	}
	return nil
}

// WriteMessage frames an encoded message with a big-endian uint32 length
// prefix and writes it as a single buffer.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame too large (%d bytes)", ErrMalformed, len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one length-prefixed frame and decodes it. I/O errors
// are returned as-is; framing and decode failures wrap ErrMalformed.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: invalid frame size %d", ErrMalformed, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	return Decode(payload)
}
