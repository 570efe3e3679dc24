package pulse

import (
	"fmt"
)

// ConnectError means the transport could not be opened.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadFault is a failed read. Function and Exception are set when the
// device answered with a Modbus exception response; otherwise the transport
// failed (timeout, reset, closed).
type ReadFault struct {
	Err       error
	Function  byte
	Exception byte
}

func (e *ReadFault) Error() string {
	if e.IsProtocol() {
		return fmt.Sprintf("modbus exception %d (function %d): %v", e.Exception, e.Function, e.Err)
	}
	return fmt.Sprintf("read failed: %v", e.Err)
}

func (e *ReadFault) Unwrap() error { return e.Err }

func (e *ReadFault) IsProtocol() bool { return e.Exception != 0 }

// SinkError wraps a persistence failure. It is logged, never published.
type SinkError struct {
	Path string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Path, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
