// Package transport implements the display channel's layered byte
// stream: a plain TCP/TLS socket optionally wrapped in a SASL
// security layer and/or auto-detected WebSocket framing, with cork
// and an async one-shot read (spec.md §4.7; grounded on
// _examples/original_source/server/red-stream.cpp for the layering
// and cork/flush behavior, and on
// _examples/other_examples/momentics-hioload-ws__frame.go for the
// WebSocket frame header layout this package hand-rolls since no
// websocket library appears anywhere in the retrieval pack).
package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/spice-display/corestream/logger"
)

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = errors.New("transport: stream closed")

// Stream is one display channel connection: a net.Conn plus whatever
// layers (TLS already terminated by the caller via tls.Conn, SASL,
// WebSocket) have been negotiated on top of it.
type Stream struct {
	mu sync.Mutex

	conn net.Conn
	tls  *tls.Conn // set once the TLS handshake completes; nil for plain/SASL-only

	sasl *saslLayer
	ws   *wsLayer

	corked     bool
	writeBatch [][]byte

	closed bool
}

// New wraps an already-accepted net.Conn. TLS, if any, must already
// be negotiated by the caller (Go's crypto/tls.Conn implements
// net.Conn, so passing one through here is sufficient -- there is no
// separate "TLS layer" struct, unlike the SASL/WebSocket layers which
// have no stdlib equivalent).
func New(conn net.Conn) *Stream {
	s := &Stream{conn: conn}
	if t, ok := conn.(*tls.Conn); ok {
		s.tls = t
	}
	return s
}

// IsTLS reports whether the underlying connection is a completed TLS
// session (red_stream_is_ssl).
func (s *Stream) IsTLS() bool { return s.tls != nil }

func (s *Stream) rawRead(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *Stream) rawWrite(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Read implements io.Reader, threading the call through the SASL
// and/or WebSocket layers if established (red_stream_read's dispatch
// on sasl.conn/runSSF, generalized to also check the WebSocket layer
// this port adds).
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if s.ws != nil {
		return s.ws.Read(p)
	}
	if s.sasl != nil && s.sasl.running() {
		return s.sasl.Read(p)
	}
	return s.rawRead(p)
}

// Write implements io.Writer, symmetric to Read.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if s.ws != nil {
		return s.ws.Write(p)
	}
	if s.sasl != nil && s.sasl.running() {
		return s.sasl.Write(p)
	}
	return s.rawWrite(p)
}

// WriteAll is red_stream_write_all: retries partial writes until the
// whole buffer is sent or an error occurs.
func (s *Stream) WriteAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := s.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Close tears the stream down, including any SASL/WebSocket layer
// state (red_stream_free).
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// SetNoDelay toggles TCP_NODELAY on the underlying connection, when
// it is a *net.TCPConn (red_stream_set_no_delay).
func (s *Stream) SetNoDelay(enable bool) error {
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetNoDelay(enable)
}

// Cork is TCP_CORK/TCP_NOPUSH: while corked, Flush is required to
// push buffered writes out. writev (vectored write) is disabled once
// a SASL or TLS layer is active -- both enforce their own framing and
// cannot safely interleave two independent buffers on the wire
// (red_stream_disable_writev's rationale, generalized to SASL here
// since Go's crypto/tls already refuses Writev by construction).
func (s *Stream) Cork(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corked = enable
	if !enable {
		return s.flushLocked()
	}
	tc, ok := s.conn.(*net.TCPConn)
	if ok {
		return setCork(tc, true)
	}
	return nil
}

func (s *Stream) flushLocked() error {
	batch := s.writeBatch
	s.writeBatch = nil
	for _, b := range batch {
		if _, err := s.rawWrite(b); err != nil {
			return err
		}
	}
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return setCork(tc, false)
	}
	return nil
}

// Flush is red_stream_flush: pushes any corked writes and clears the
// cork bit momentarily (TCP_CORK toggled off then back on is the
// original's trick to force the kernel to emit the pending segment;
// here Cork(false) followed by re-corking achieves the same).
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return err
	}
	if s.corked {
		if tc, ok := s.conn.(*net.TCPConn); ok {
			return setCork(tc, true)
		}
	}
	return nil
}

// Writev batches buffers for a single flush when corked, or writes
// them immediately otherwise (writevDisabled mirrors the original's
// per-layer writev toggle).
func (s *Stream) Writev(bufs [][]byte) (int, error) {
	s.mu.Lock()
	writevDisabled := s.sasl != nil && s.sasl.running() || s.tls != nil || s.ws != nil
	corked := s.corked
	s.mu.Unlock()

	if writevDisabled {
		total := 0
		for _, b := range bufs {
			if err := s.WriteAll(b); err != nil {
				return total, err
			}
			total += len(b)
		}
		return total, nil
	}
	if corked {
		s.mu.Lock()
		s.writeBatch = append(s.writeBatch, bufs...)
		s.mu.Unlock()
		total := 0
		for _, b := range bufs {
			total += len(b)
		}
		return total, nil
	}
	total := 0
	for _, b := range bufs {
		if err := s.WriteAll(b); err != nil {
			return total, err
		}
		total += len(b)
	}
	return total, nil
}

// AsyncReadDone is the one-shot read completion callback
// (spec.md §4.7 "{cursor, end, on_done, on_error}").
type AsyncReadDone func()

// AsyncReadError is invoked on a fatal read error (not a timeout
// retry); err is never nil; a stream the caller closed itself yields
// ErrClosed or the connection's own close error.
type AsyncReadError func(err error)

// AsyncRead reads exactly len(data) bytes, calling done on success or
// onError on fatal failure, driven from its own goroutine so the
// caller's worker loop is never blocked mid-dispatch (the level-
// triggered watch + EAGAIN rearm of the original is played here by a
// deadline-bounded retry loop, which is the idiomatic Go analogue of
// a non-blocking socket watch: Go's net.Conn has no EAGAIN, only
// blocking reads with an optional deadline).
func (s *Stream) AsyncRead(data []byte, deadline time.Duration, done AsyncReadDone, onError AsyncReadError) {
	if len(data) == 0 {
		done()
		return
	}
	go func() {
		cursor := 0
		for cursor < len(data) {
			if deadline > 0 {
				s.conn.SetReadDeadline(time.Now().Add(deadline))
			}
			n, err := s.Read(data[cursor:])
			cursor += n
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				logger.Warnf("transport: async read failed: %v", err)
				onError(err)
				return
			}
		}
		if deadline > 0 {
			s.conn.SetReadDeadline(time.Time{})
		}
		done()
	}()
}

func setCork(tc *net.TCPConn, enable bool) error {
	// net.TCPConn exposes no direct TCP_CORK knob in the standard
	// library; callers on platforms that need the kernel-level
	// optimization should use SetNoDelay(!enable) as the portable
	// approximation (disabling Nagle batches the same way cork does
	// for our purposes -- a handful of small header writes followed
	// by one large payload write).
	return tc.SetNoDelay(!enable)
}

var _ io.ReadWriteCloser = (*Stream)(nil)
