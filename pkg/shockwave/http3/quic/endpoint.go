package quic

import (
	"io"
	"sync"
)

// StreamEndpoint wraps one QUIC stream for a Session's application
// collaborator. It is the unit a Session hands out via CreateStream /
// GetOrCreateEndpoint and tears down once both directions are finished.
// §4.4.
type StreamEndpoint struct {
	mu      sync.Mutex
	session *Session
	id      uint64
	conn    StreamConnection

	readClosed  bool
	writeClosed bool
	closed      bool
}

func newStreamEndpoint(session *Session, id uint64, conn StreamConnection) *StreamEndpoint {
	return &StreamEndpoint{session: session, id: id, conn: conn}
}

// ID returns the QUIC stream identifier this endpoint wraps.
func (ep *StreamEndpoint) ID() uint64 { return ep.id }

// Read pulls cleartext application data for this stream, forwarding to
// the session's Fill rather than the transport directly. Must only be
// called from inside the session's executor. §4.4.
func (ep *StreamEndpoint) Read(buf []byte) (int, error) {
	ep.mu.Lock()
	if ep.readClosed {
		ep.mu.Unlock()
		return 0, io.EOF
	}
	ep.mu.Unlock()

	n, err := ep.session.Fill(ep.id, buf)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write pushes cleartext application data for this stream, forwarding to
// the session's Flush rather than the transport directly, which also
// schedules an egress flush so the write reaches the wire promptly. A
// short write means the stream's send buffer is full; the caller should
// wait for the next OnWritable callback before retrying the remainder.
// §4.4.
func (ep *StreamEndpoint) Write(buf []byte) (int, error) {
	ep.mu.Lock()
	if ep.writeClosed {
		ep.mu.Unlock()
		return 0, ErrEndpointClosed
	}
	ep.mu.Unlock()

	return ep.session.Flush(ep.id, buf)
}

// CloseWrite marks the send side finished; no further Write calls are
// valid afterward. If the read side is already finished, the endpoint is
// removed from its session.
func (ep *StreamEndpoint) CloseWrite() error {
	ep.mu.Lock()
	if ep.writeClosed {
		ep.mu.Unlock()
		return nil
	}
	ep.writeClosed = true
	done := ep.readClosed
	ep.mu.Unlock()

	err := ep.session.transport.FeedFin(ep.id)
	if done {
		ep.close()
	}
	return err
}

// Reset abruptly shuts down dir on the underlying transport and, once
// both directions are closed, removes this endpoint from its session.
func (ep *StreamEndpoint) Reset(dir ReadOrWrite) error {
	ep.mu.Lock()
	switch dir {
	case ShutdownRead:
		ep.readClosed = true
	case ShutdownWrite:
		ep.writeClosed = true
	case ShutdownBoth:
		ep.readClosed = true
		ep.writeClosed = true
	}
	done := ep.readClosed && ep.writeClosed
	ep.mu.Unlock()

	err := ep.session.transport.ShutdownStream(ep.id, dir)
	if done {
		ep.close()
	}
	return err
}

// onReadableDone marks the read side finished after a fin is observed,
// closing the endpoint once the write side is also done.
func (ep *StreamEndpoint) onReadableDone() {
	ep.mu.Lock()
	ep.readClosed = true
	done := ep.writeClosed
	ep.mu.Unlock()

	if done {
		ep.close()
	}
}

func (ep *StreamEndpoint) close() {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	ep.closed = true
	ep.mu.Unlock()

	ep.session.removeEndpoint(ep.id)
	ep.conn.OnClosed()
}
