package quic

import (
	"log"
	"net"
	"sync"

	"github.com/shockwave/h3mux/pkg/shockwave/http3/herr"
)

// flusherState is the Flusher's Idle/Scheduled state machine. §4.3.
type flusherState int

const (
	flusherIdle flusherState = iota
	flusherScheduled
)

// Flusher drains a transport's outgoing ciphertext into a DatagramSink on
// a single re-armable timer, coalescing however many packets a burst of
// session activity produced into one flush pass instead of one syscall
// per packet. It also owns the connection's sole protocol timer. §4.3.
type Flusher struct {
	mu      sync.Mutex
	state   flusherState
	timer   Cancelable
	drained bool

	transport Transport
	sink      DatagramSink
	pool      BufferPool
	scheduler Scheduler
	remote    net.Addr

	// protocolTimer is the single outstanding transport.NextTimeout timer;
	// re-armed at the end of every drain pass, never more than one live
	// at a time.
	protocolTimer Cancelable

	// onIdleClosed runs when a pass drains nothing and the transport
	// reports its connection closed. Session wires this to Close.
	onIdleClosed func()
}

// NewFlusher builds a Flusher for transport, writing to sink via buffers
// drawn from pool and re-arming delayed flushes on scheduler.
func NewFlusher(transport Transport, sink DatagramSink, pool BufferPool, scheduler Scheduler, remote net.Addr) *Flusher {
	return &Flusher{
		transport: transport,
		sink:      sink,
		pool:      pool,
		scheduler: scheduler,
		remote:    remote,
	}
}

// SetRemote updates the peer address outbound datagrams are written to.
// A Session calls this from on_ingress when a datagram arrives from a new
// source address, tracking QUIC connection migration. §4.3.
func (f *Flusher) SetRemote(remote net.Addr) {
	f.mu.Lock()
	f.remote = remote
	f.mu.Unlock()
}

// OnConnectionClosed registers fn to be called when a flush pass drains
// nothing and the transport reports the connection closed.
func (f *Flusher) OnConnectionClosed(fn func()) {
	f.mu.Lock()
	f.onIdleClosed = fn
	f.mu.Unlock()
}

// Schedule arms a flush on the next tick if one isn't already pending.
// Idempotent: calling it repeatedly while a flush is already scheduled is
// a no-op, which is what lets a burst of session work collapse into a
// single flush.
func (f *Flusher) Schedule() {
	f.mu.Lock()
	if f.state == flusherScheduled {
		f.mu.Unlock()
		return
	}
	f.state = flusherScheduled
	f.mu.Unlock()

	f.timer = f.scheduler.Schedule(0, f.runLocked)
}

// FlushNow runs a flush pass immediately, bypassing the scheduler. Used
// on the shutdown path, and when the transport isn't established yet and
// on_ingress triggers a flush directly rather than dispatching stream
// work. §4.3.
func (f *Flusher) FlushNow() {
	f.mu.Lock()
	f.state = flusherIdle
	f.mu.Unlock()
	f.drain()
}

func (f *Flusher) runLocked() {
	f.mu.Lock()
	f.state = flusherIdle
	f.mu.Unlock()
	f.drain()
}

// drain repeatedly pulls ciphertext datagrams from the transport and
// hands them to the sink until the transport reports nothing left to
// send. Each datagram borrows a buffer from pool and releases it once
// the sink's async write completes. At the end of the pass it re-arms
// the protocol timer and, if nothing was drained and the connection is
// closed, notifies the session. §4.3.
func (f *Flusher) drain() {
	count := 0
	emptied := false
	for {
		buf, err := f.pool.Acquire(maxDatagramSize)
		if err != nil {
			log.Printf("quic: %v", herr.NewResourceError("acquire cipher buffer", err))
			break
		}
		n, err := f.transport.DrainCipher(buf)
		if err != nil || n == 0 {
			f.pool.Release(buf)
			emptied = err == nil
			break
		}
		count++
		datagram := buf[:n]
		remote := f.currentRemote()
		f.sink.Write(remote, datagram, func(error) {
			f.pool.Release(buf)
		})
	}

	f.mu.Lock()
	f.drained = emptied
	closedHandler := f.onIdleClosed
	f.mu.Unlock()

	f.rearmTimer()

	if count == 0 && closedHandler != nil && f.transport.IsConnectionClosed() {
		closedHandler()
	}
}

func (f *Flusher) currentRemote() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

// rearmTimer re-arms the protocol timer to transport.NextTimeout,
// cancelling any still-pending timer first. A negative NextTimeout just
// cancels, leaving no timer outstanding. At most one protocol timer is
// ever live at a time. §4.3, E6.
func (f *Flusher) rearmTimer() {
	f.mu.Lock()
	if f.protocolTimer != nil {
		f.protocolTimer.Cancel()
		f.protocolTimer = nil
	}
	next := f.transport.NextTimeout()
	if next < 0 {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	timer := f.scheduler.Schedule(next, f.onProtocolTimeout)

	f.mu.Lock()
	f.protocolTimer = timer
	f.mu.Unlock()
}

func (f *Flusher) onProtocolTimeout() {
	f.mu.Lock()
	f.protocolTimer = nil
	f.mu.Unlock()

	f.transport.OnTimeout()
	f.drain()
}

// IsDrained reports whether the most recent flush pass emptied the
// transport's outgoing ciphertext queue.
func (f *Flusher) IsDrained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

// Cancel stops any pending scheduled flush and the protocol timer without
// running either.
func (f *Flusher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Cancel()
		f.timer = nil
	}
	if f.protocolTimer != nil {
		f.protocolTimer.Cancel()
		f.protocolTimer = nil
	}
	f.state = flusherIdle
}

// maxDatagramSize is the largest ciphertext datagram a flush pass will
// request from the buffer pool; QUIC datagrams never exceed the path MTU
// in practice, and 1500 covers Ethernet without fragmentation concerns.
const maxDatagramSize = 1500
