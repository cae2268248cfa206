package relaywire

import (
	"bufio"
	"io"
	"sync"
)

// FrameConn is a bidirectional frame transport. ReadFrame is only ever called
// from one goroutine at a time; WriteFrame must be safe for concurrent use.
type FrameConn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

// StreamConn carries length-delimited frames over a byte stream
type StreamConn struct {
	rwc       io.ReadWriteCloser
	reader    *bufio.Reader
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn creates a FrameConn on top of rwc. Closing the StreamConn
// closes rwc.
func NewStreamConn(rwc io.ReadWriteCloser) *StreamConn {
	return &StreamConn{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// ReadFrame reads the next frame
func (c *StreamConn) ReadFrame() (*Frame, error) {
	return ReadDelimited(c.reader)
}

// WriteFrame writes a frame
func (c *StreamConn) WriteFrame(f *Frame) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return WriteDelimited(c.rwc, f)
}

// Close closes the underlying stream exactly once
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
