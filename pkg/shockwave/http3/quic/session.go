package quic

import (
	"errors"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/shockwave/h3mux/pkg/shockwave/http3/herr"
)

// ErrEndpointClosed is returned by StreamEndpoint operations attempted
// after the endpoint's write side has been shut down.
var ErrEndpointClosed = errors.New("quic: endpoint closed")

// ErrStreamExists is returned by Session.CreateStream when streamID
// already has an endpoint. Reimplementations of this interface diverge
// on whether a duplicate create is an error or a silent get; this one
// treats CreateStream as a strict constructor and GetOrCreateEndpoint as
// the compute-if-absent accessor, so there is exactly one path
// (GetOrCreateEndpoint) that actually decides whether to allocate. §9.
var ErrStreamExists = errors.New("quic: stream already has an endpoint")

// Session owns one QUIC connection: it drives the transport's ingress,
// multiplexes readability/writability across a set of stream endpoints,
// and schedules egress through a Flusher. All mutation happens from
// inside its own executor, so transport calls are never concurrent with
// each other. §4.3.
type Session struct {
	mu        sync.Mutex
	transport Transport
	executor  Executor
	flusher   *Flusher
	factory   ConnectionFactory

	remote    net.Addr
	endpoints map[uint64]*StreamEndpoint
	closed    bool

	onSessionError func(error)
}

// NewSession wires transport to sink via a new Flusher, dispatching all
// work through executor. remote identifies the peer for outgoing
// datagrams until on_ingress observes a different source address
// (connection migration); factory builds the application connection for
// each new stream.
func NewSession(transport Transport, sink DatagramSink, pool BufferPool, scheduler Scheduler, executor Executor, factory ConnectionFactory, remote net.Addr) *Session {
	s := &Session{
		transport: transport,
		executor:  executor,
		factory:   factory,
		remote:    remote,
		endpoints: make(map[uint64]*StreamEndpoint),
	}
	s.flusher = NewFlusher(transport, sink, pool, scheduler, remote)
	s.flusher.OnConnectionClosed(func() { s.Close() })
	return s
}

// OnSessionError registers a callback invoked when the session closes
// itself due to a SessionException or TransportError.
func (s *Session) OnSessionError(fn func(error)) {
	s.mu.Lock()
	s.onSessionError = fn
	s.mu.Unlock()
}

// OnIngress records remoteAddr as the connection's current peer address
// (tracking QUIC connection migration across datagrams from a new source),
// feeds the ciphertext datagram to the transport, and dispatches the
// resulting readable/writable streams through the executor. Safe to call
// from any goroutine; the transport call and stream dispatch are
// submitted to the executor to serialize them with every other session
// operation. §4.3.
func (s *Session) OnIngress(remoteAddr net.Addr, datagram []byte) {
	s.mu.Lock()
	s.remote = remoteAddr
	s.mu.Unlock()
	s.flusher.SetRemote(remoteAddr)

	s.executor.Submit(func() {
		if err := s.transport.FeedCipher(datagram); err != nil {
			s.failLocked(herr.NewTransportError(herr.H3InternalError, err))
			return
		}
		s.pumpLocked()
	})
}

// pumpLocked drives one round of the transport's readable/writable stream
// sets through their endpoints and schedules an egress flush. While the
// handshake isn't established yet there are no streams to dispatch, so it
// triggers a flush directly instead. Must run on the executor. §4.3.
func (s *Session) pumpLocked() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.transport.IsEstablished() {
		s.mu.Unlock()
		s.flusher.FlushNow()
		return
	}
	writable := s.transport.WritableStreamIDs()
	readable := s.transport.ReadableStreamIDs()
	s.mu.Unlock()

	// Writable ids are dispatched as a single task, ahead of the readable
	// ids, and each readable id gets its own task -- enqueue order spec'd
	// for on_ingress dispatch (§4.3, E5).
	if len(writable) > 0 {
		ids := append([]uint64(nil), writable...)
		s.executor.Submit(func() { s.dispatchWritable(ids) })
	}

	for _, id := range readable {
		ep := s.getOrCreateEndpointForDispatch(id)
		if ep == nil {
			continue
		}
		if run := ep.conn.OnReadable(ep); run != nil {
			s.executor.Submit(run)
		}
	}

	s.flusher.Schedule()
}

func (s *Session) dispatchWritable(ids []uint64) {
	for _, id := range ids {
		ep := s.getOrCreateEndpointForDispatch(id)
		if ep == nil {
			continue
		}
		ep.conn.OnWritable(ep)
	}
}

func (s *Session) getOrCreateEndpointForDispatch(id uint64) *StreamEndpoint {
	ep, _, err := s.GetOrCreateEndpoint(id)
	if err != nil {
		s.failLocked(herr.NewSessionException(herr.H3IDError, err.Error()))
		return nil
	}
	return ep
}

// GetOrCreateEndpoint returns the existing endpoint for streamID, or
// builds one via the session's ConnectionFactory if none exists yet.
// created reports whether this call allocated a new endpoint. This is
// the single canonical creation site; CreateStream is a thin wrapper
// that rejects the case where an endpoint already existed. §9.
func (s *Session) GetOrCreateEndpoint(streamID uint64) (ep *StreamEndpoint, created bool, err error) {
	s.mu.Lock()
	if existing, ok := s.endpoints[streamID]; ok {
		s.mu.Unlock()
		return existing, false, nil
	}
	s.mu.Unlock()

	conn, err := s.factory(streamID)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if existing, ok := s.endpoints[streamID]; ok {
		s.mu.Unlock()
		return existing, false, nil
	}
	newEp := newStreamEndpoint(s, streamID, conn)
	s.endpoints[streamID] = newEp
	s.mu.Unlock()
	return newEp, true, nil
}

// CreateStream explicitly allocates a new endpoint for streamID and
// fails with ErrStreamExists if one is already present, for call sites
// that require "this is a brand new stream" rather than "give me
// whichever endpoint this stream has". §9.
func (s *Session) CreateStream(streamID uint64) (*StreamEndpoint, error) {
	ep, created, err := s.GetOrCreateEndpoint(streamID)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrStreamExists
	}
	return ep, nil
}

func (s *Session) removeEndpoint(id uint64) {
	s.mu.Lock()
	delete(s.endpoints, id)
	s.mu.Unlock()
}

// ShutdownInput half-closes streamID's read side at the transport level.
func (s *Session) ShutdownInput(streamID uint64) error {
	return s.transport.ShutdownStream(streamID, ShutdownRead)
}

// ShutdownOutput half-closes streamID's write side at the transport
// level and marks the stream's endpoint write-closed.
func (s *Session) ShutdownOutput(streamID uint64) error {
	s.mu.Lock()
	ep, ok := s.endpoints[streamID]
	s.mu.Unlock()
	if ok {
		return ep.CloseWrite()
	}
	return s.transport.ShutdownStream(streamID, ShutdownWrite)
}

// Fill reads cleartext application data for streamID into buf, forwarding
// to the transport. A StreamEndpoint's Read calls this rather than
// touching the transport itself, so every cleartext read goes through the
// session. Must only be called from inside the session's executor. §4.4.
func (s *Session) Fill(streamID uint64, buf []byte) (int, error) {
	return s.transport.DrainClear(streamID, buf)
}

// Flush writes cleartext application data for streamID to the transport
// and schedules an egress flush, so a local write reaches the wire
// without waiting for the next unrelated event to trigger one. A
// StreamEndpoint's Write calls this rather than touching the transport
// itself. §4.4.
func (s *Session) Flush(streamID uint64, buf []byte) (int, error) {
	n, err := s.transport.FeedClear(streamID, buf)
	s.flusher.Schedule()
	return n, err
}

// FlushFinished reports whether the most recent flush pass emptied the
// transport's outgoing ciphertext queue.
func (s *Session) FlushFinished() bool {
	return s.flusher.IsDrained()
}

// IsFinished reports whether the transport has completed its closing
// handshake and every stream endpoint has been torn down.
func (s *Session) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.IsConnectionClosed() && len(s.endpoints) == 0
}

// failLocked reports a connection-fatal error to the registered callback
// and closes the session. Must not be called while s.mu is held.
func (s *Session) failLocked(err error) {
	s.mu.Lock()
	cb := s.onSessionError
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
	s.Close()
}

// Close tears the session down: it cancels the flusher, closes every
// remaining stream endpoint, and disposes the transport exactly once.
// Safe to call more than once and from any goroutine; only the first
// call does any work. Errors from individual endpoint teardowns are
// collected rather than short-circuiting so transport.Dispose always
// runs. §4.3.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	endpoints := make([]*StreamEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		endpoints = append(endpoints, ep)
	}
	s.mu.Unlock()

	s.flusher.Cancel()

	var result *multierror.Error
	for _, ep := range endpoints {
		if err := ep.Reset(ShutdownBoth); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.transport.Dispose()

	return result.ErrorOrNil()
}
