package connection

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/fwdslsh/dispatch/internal/protocol"
)

// UnixReader reads protocol frames from a Unix socket connection.
type UnixReader struct {
	conn net.Conn
}

// NewUnixReader creates a new UnixReader wrapping the given connection.
func NewUnixReader(conn net.Conn) *UnixReader {
	return &UnixReader{conn: conn}
}

// ReadFrame reads a single protocol frame from the underlying connection.
// Returns (nil, nil) on clean EOF.
func (r *UnixReader) ReadFrame() (*protocol.Frame, error) {
	return protocol.ReadFrame(r.conn)
}

// Close closes the underlying connection.
func (r *UnixReader) Close() error {
	return r.conn.Close()
}

// UnixWriter writes protocol frames to a Unix socket connection.
// It is safe for concurrent use.
type UnixWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewUnixWriter creates a new UnixWriter wrapping the given connection.
func NewUnixWriter(conn net.Conn) *UnixWriter {
	return &UnixWriter{conn: conn}
}

// WriteFrame writes a single protocol frame to the underlying connection.
func (w *UnixWriter) WriteFrame(f *protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.WriteFrame(w.conn, f)
}

// SendJSON marshals v and sends it as a control frame.
func (w *UnixWriter) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteFrame(&protocol.Frame{Type: protocol.FrameControl, Payload: data})
}

// Close closes the underlying connection.
func (w *UnixWriter) Close() error {
	return w.conn.Close()
}
