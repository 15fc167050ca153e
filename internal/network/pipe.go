package network

import (
	"io"
	"sync"
)

const pipeDepth = 64

// Pipe returns two connected in-memory Streams. Writes on one end come
// out of the other in order, with enough buffering that both ends can
// write concurrently without handing off. Closing either end closes the
// pipe for both. Used to wire members in-process.
func Pipe() (Stream, Stream) {
	ab := make(chan []byte, pipeDepth)
	ba := make(chan []byte, pipeDepth)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, closed: closed, closeOnce: once}
	b := &pipeEnd{in: ab, out: ba, closed: closed, closeOnce: once}
	return a, b
}

type pipeEnd struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce *sync.Once
	leftover  []byte
}

func (p *pipeEnd) Read(b []byte) (int, error) {
	if len(p.leftover) == 0 {
		select {
		case data := <-p.in:
			p.leftover = data
		default:
			select {
			case data := <-p.in:
				p.leftover = data
			case <-p.closed:
				// Serve anything already buffered before reporting EOF.
				select {
				case data := <-p.in:
					p.leftover = data
				default:
					return 0, io.EOF
				}
			}
		}
	}
	n := copy(b, p.leftover)
	p.leftover = p.leftover[n:]
	return n, nil
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	data := make([]byte, len(b))
	copy(data, b)
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- data:
		return len(b), nil
	case <-p.closed:
		return 0, io.ErrClosedPipe
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
