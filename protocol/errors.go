package protocol

import "fmt"

// TransportError wraps a failure reading or writing the underlying
// connection: a closed socket, a TLS error, an io.EOF at an unexpected
// point. It is always fatal to the session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolViolation reports a structurally valid frame whose contents
// break a session invariant: a ClusterConfig received twice, or a decoded
// message of a kind the session's dispatcher does not handle. It is always
// fatal to the session.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string { return "protocol violation: " + e.Reason }

// unknownMessageError describes a frame whose msgType isn't recognized.
// Such frames are skipped rather than treated as an error: Connection.recv
// reports the skip by returning a nil message, and no function in this
// package returns this type.
type unknownMessageError struct {
	msgType int
}

func (e *unknownMessageError) Error() string {
	return fmt.Sprintf("unknown message type %d", e.msgType)
}

// InvalidDeviceIDError reports a malformed or check-character-failing
// device ID string.
type InvalidDeviceIDError struct {
	Input string
	Err   error
}

func (e *InvalidDeviceIDError) Error() string {
	return fmt.Sprintf("invalid device ID %q: %v", e.Input, e.Err)
}
func (e *InvalidDeviceIDError) Unwrap() error { return e.Err }

// NoSuchFileError and InvalidError are the Go-level counterparts of the
// ResponseCode values a Request handler can hand back to a RequestMessage;
// the session translates one into the other when building a
// ResponseMessage (see session.go).
type NoSuchFileError struct {
	Folder, Name string
}

func (e *NoSuchFileError) Error() string {
	return fmt.Sprintf("no such file: %s/%s", e.Folder, e.Name)
}

type InvalidError struct {
	Folder, Name, Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid request for %s/%s: %s", e.Folder, e.Name, e.Reason)
}

// StorageError wraps a failure from the backing Storage implementation
// while serving or persisting a Request, Index, or IndexUpdate.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// responseCodeFor maps an error returned from a Request handler to the
// ResponseCode carried back in the ResponseMessage. Any error not
// recognized here becomes CodeError.
func responseCodeFor(err error) ResponseCode {
	if err == nil {
		return CodeNoError
	}
	switch err.(type) {
	case *NoSuchFileError:
		return CodeNoSuchFile
	case *InvalidError:
		return CodeInvalid
	default:
		return CodeError
	}
}
