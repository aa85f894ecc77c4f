// Package connection wraps a duplex byte transport (Unix domain socket or
// WebSocket) in the gateway's frame codec, so internal/gateway can treat
// both transports identically.
package connection

import "github.com/fwdslsh/dispatch/internal/protocol"

// FrameReader reads protocol frames from a transport.
type FrameReader interface {
	ReadFrame() (*protocol.Frame, error)
	Close() error
}

// FrameWriter writes protocol frames to a transport. Implementations must
// be safe for concurrent use, since the gateway writes from both the
// connection's main loop and per-run forwarder goroutines.
type FrameWriter interface {
	WriteFrame(f *protocol.Frame) error
	SendJSON(v any) error
	Close() error
}
