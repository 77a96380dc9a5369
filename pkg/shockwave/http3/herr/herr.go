// Package herr defines the HTTP/3 and QPACK error taxonomy shared by the
// qpack and quic packages: per-stream exceptions, connection-fatal session
// exceptions, and the transport/resource error kinds they wrap.
package herr

import "fmt"

// Code is an HTTP/3 or QPACK application error code, sent on
// CONNECTION_CLOSE or RESET_STREAM frames by a real QUIC transport.
type Code uint64

// Error codes named by the QPACK/HTTP3 error taxonomy this module
// implements. Values follow RFC 9114/RFC 9204's registry; only the codes
// this module can itself raise are enumerated.
const (
	H3GeneralProtocolError  Code = 0x101
	H3InternalError         Code = 0x102
	H3ClosedCriticalStream  Code = 0x104
	H3ExcessiveLoad         Code = 0x107
	H3IDError               Code = 0x108
	QPACKDecompressionFailed Code = 0x200
	QPACKEncoderStreamError Code = 0x201
	QPACKDecoderStreamError Code = 0x202
)

func (c Code) String() string {
	switch c {
	case H3GeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case H3InternalError:
		return "H3_INTERNAL_ERROR"
	case H3ClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case H3ExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case H3IDError:
		return "H3_ID_ERROR"
	case QPACKDecompressionFailed:
		return "QPACK_DECOMPRESSION_FAILED"
	case QPACKEncoderStreamError:
		return "QPACK_ENCODER_STREAM_ERROR"
	case QPACKDecoderStreamError:
		return "QPACK_DECODER_STREAM_ERROR"
	default:
		return fmt.Sprintf("H3_UNKNOWN_ERROR(0x%x)", uint64(c))
	}
}

// StreamException is per-stream and non-fatal to the connection: the
// offending stream aborts, the session continues. §7.
type StreamException struct {
	StreamID uint64
	Code     Code
	Reason   string
}

func (e *StreamException) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream %d: %s", e.StreamID, e.Code)
	}
	return fmt.Sprintf("stream %d: %s: %s", e.StreamID, e.Code, e.Reason)
}

// NewStreamException constructs a StreamException for streamID with code.
func NewStreamException(streamID uint64, code Code, reason string) *StreamException {
	return &StreamException{StreamID: streamID, Code: code, Reason: reason}
}

// SessionException is connection-fatal: a QPACK encoder/decoder-stream
// protocol violation, an unknown instruction, or any other condition that
// leaves the connection's shared state unrecoverable. Triggers session
// close with Code. §7.
type SessionException struct {
	Code   Code
	Reason string
}

func (e *SessionException) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("session closed: %s", e.Code)
	}
	return fmt.Sprintf("session closed: %s: %s", e.Code, e.Reason)
}

// NewSessionException constructs a SessionException with code.
func NewSessionException(code Code, reason string) *SessionException {
	return &SessionException{Code: code, Reason: reason}
}

// TransportError wraps a fatal error surfaced by the opaque QUIC transport
// collaborator; the session closes with its code and notifies the
// listener. §7.
type TransportError struct {
	Code Code
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error: %s", e.Code)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a connection-fatal transport error.
func NewTransportError(code Code, err error) *TransportError {
	return &TransportError{Code: code, Err: err}
}

// ResourceError covers buffer-acquisition/pool failures: logged, the
// current iteration fails, but the session stays open. §7.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error during %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// NewResourceError wraps err as a non-fatal resource error during op.
func NewResourceError(op string, err error) *ResourceError {
	return &ResourceError{Op: op, Err: err}
}
