package router

import (
	"sync"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/wire"
)

// frameReader buffers bytes arriving on an UnderlyingConnection and
// delivers complete length-prefixed frames one at a time, for handshake
// steps that need to "read one packet then proceed."
type frameReader struct {
	mu     sync.Mutex
	buf    []byte
	frames chan []byte
	closed bool
}

func newFrameReader(conn meshnet.UnderlyingConnection) *frameReader {
	fr := &frameReader{frames: make(chan []byte, 8)}
	conn.OnData(fr.feed)
	conn.OnClose(func(error) { fr.closeChan() })
	return fr
}

func (fr *frameReader) feed(b []byte) {
	fr.mu.Lock()
	fr.buf = append(fr.buf, b...)
	frames, rest := wire.SplitFrames(fr.buf)
	fr.buf = rest
	closed := fr.closed
	fr.mu.Unlock()

	if closed {
		return
	}
	for _, f := range frames {
		fr.frames <- f
	}
}

func (fr *frameReader) closeChan() {
	fr.mu.Lock()
	if fr.closed {
		fr.mu.Unlock()
		return
	}
	fr.closed = true
	fr.mu.Unlock()
	close(fr.frames)
}

// ReadOne blocks for the next complete frame, returning ErrTransportClosed
// if the connection closes before one arrives.
func (fr *frameReader) ReadOne() ([]byte, error) {
	f, ok := <-fr.frames
	if !ok {
		return nil, ErrTransportClosed
	}
	return f, nil
}
