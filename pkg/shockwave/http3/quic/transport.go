package quic

import (
	"net"
)

// Transport is the opaque QUIC connection object a Session drives. It is
// not safe for concurrent use; every call into it happens from inside the
// session's task queue, which serializes access to a single transport
// instance at a time. §4.3.
type Transport interface {
	// FeedCipher hands a received ciphertext datagram to the connection.
	FeedCipher(datagram []byte) error
	// DrainCipher fills buf with the next ciphertext datagram to send,
	// returning the number of bytes written. Returns (0, nil) when there
	// is nothing to send right now.
	DrainCipher(buf []byte) (int, error)

	// FeedClear writes cleartext application data to stream, returning
	// the number of bytes accepted.
	FeedClear(stream uint64, buf []byte) (int, error)
	// DrainClear reads cleartext application data from stream into buf.
	DrainClear(stream uint64, buf []byte) (int, error)
	// FeedFin marks stream's send side as finished.
	FeedFin(stream uint64) error
	// ShutdownStream abruptly terminates one or both directions of stream.
	ShutdownStream(stream uint64, dir ReadOrWrite) error

	IsEstablished() bool
	ReadableStreamIDs() []uint64
	WritableStreamIDs() []uint64

	// NextTimeout returns the delay in milliseconds until the connection
	// next needs OnTimeout called, or a negative value if no timer is
	// needed.
	NextTimeout() int64
	OnTimeout()

	IsConnectionClosed() bool

	// Dispose releases any native resources. Must be safe to call exactly
	// once and must not be left to a finalizer.
	Dispose()
}

// ReadOrWrite selects a stream direction for ShutdownStream.
type ReadOrWrite int

const (
	ShutdownRead ReadOrWrite = iota
	ShutdownWrite
	ShutdownBoth
)

// Buffer is a pooled byte slice; its length is the valid region, its
// capacity the allocation backing it.
type Buffer = []byte

// BufferPool is the shared resource from which the flusher acquires
// cipher datagram buffers. Implementations must be thread-safe;
// every Acquire must be matched by exactly one Release. §6.
type BufferPool interface {
	Acquire(minCapacity int) (Buffer, error)
	Release(buf Buffer)
}

// Cancelable is a handle to a scheduled one-shot task.
type Cancelable interface {
	Cancel()
}

// Scheduler provides one-shot cancellable timers with millisecond
// resolution, standing in for the platform event loop's timer facility.
// §6.
type Scheduler interface {
	Schedule(delayMS int64, fn func()) Cancelable
}

// DatagramSink is where the flusher writes outgoing ciphertext. Write is
// asynchronous: it must invoke exactly one of onComplete(nil) or
// onComplete(err) once the datagram has left the sink (or failed to).
type DatagramSink interface {
	Write(remoteAddr net.Addr, datagram []byte, onComplete func(err error))
}

// ConnectionFactory builds the per-stream application connection (the
// HTTP/3 request/response state machine, in production) once a stream's
// ALPN-selected protocol is known. A nil return with a non-nil error
// closes the session with a protocol error. §4.3.
type ConnectionFactory func(streamID uint64) (StreamConnection, error)

// StreamConnection is the application-level collaborator driven by a
// StreamEndpoint's readability/writability callbacks.
type StreamConnection interface {
	// OnReadable is invoked when the endpoint has cleartext data
	// available; it returns a runnable the executor dispatches.
	OnReadable(ep *StreamEndpoint) func()
	// OnWritable wakes any write the connection had suspended.
	OnWritable(ep *StreamEndpoint)
	// OnClosed notifies the connection its endpoint was removed.
	OnClosed()
}
