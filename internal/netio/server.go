// Package netio implements the network layer: an accept loop plus a
// goroutine per connection, framing requests/responses with
// internal/proto, borrowing task buffers from internal/taskbuf, and
// delegating every blocking operation to the dispatcher (which itself
// defers disk I/O to internal/diskworker). No handler ever touches a disk
// path directly; that keeps a slow disk from ever stalling this
// connection's peers on the same listener.
package netio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fastdfs-go/storaged/internal/dispatch"
	"github.com/fastdfs-go/storaged/internal/logging"
	protoerr "github.com/fastdfs-go/storaged/internal/proto"
	"github.com/fastdfs-go/storaged/internal/taskbuf"
)

var log = logging.For("netio")

// Server accepts connections and runs one handling goroutine per
// connection, trusting the Go scheduler to multiplex them rather than
// hand-rolling an epoll loop. It does not itself bound the number of
// goroutines beyond MaxConnections.
type Server struct {
	Dispatcher     *dispatch.Dispatcher
	Bufs           *taskbuf.Pool
	MaxBodySize    uint64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	mu       sync.Mutex
	conns    int
	listener net.Listener
}

// Serve accepts connections on ln until ctx is cancelled or Serve itself
// returns an error. Each accepted connection is handled in its own
// goroutine; Serve does not wait for them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		if !s.admit() {
			conn.Close()
			continue
		}
		go func() {
			defer s.release()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) admit() bool {
	if s.MaxConnections <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns >= s.MaxConnections {
		return false
	}
	s.conns++
	return true
}

func (s *Server) release() {
	if s.MaxConnections <= 0 {
		return
	}
	s.mu.Lock()
	s.conns--
	s.mu.Unlock()
}

// handleConn serves requests off one connection in a loop, until a
// protocol error, an I/O error, or a timeout closes it. A disk op started
// for one request always runs to completion even if the connection dies
// mid-response; cancellation only ever cancels pending network work.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		hdr, err := protoerr.ReadHeader(r, s.maxBodySize())
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("connection closed on header read")
			}
			return
		}

		// Commands that carry a file payload only have their small fixed
		// prefix read here; the file bytes stay on r for the handler to
		// stream straight to disk, so a multi-gigabyte upload is never
		// buffered whole. Every other command's declared body is read in
		// full, since it holds nothing but fixed-shape fields.
		var body []byte
		if protoerr.StreamedCommand(hdr.Cmd) {
			body, err = protoerr.ReadPrefix(r, hdr.Cmd)
		} else if hdr.BodyLen > 0 {
			body = make([]byte, hdr.BodyLen)
			_, err = io.ReadFull(r, body)
		}
		if err != nil {
			log.WithError(err).Debug("connection closed on body read")
			return
		}

		if s.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
		}
		if err := s.dispatch(conn, r, hdr.Cmd, body); err != nil {
			log.WithError(err).WithField("cmd", hdr.Cmd.String()).Debug("request failed")
			if isFatal(err) {
				return
			}
		}
	}
}

func (s *Server) maxBodySize() uint64 {
	if s.MaxBodySize > 0 {
		return s.MaxBodySize
	}
	return 1 << 34 // 16GiB ceiling; a configured value should always be set
}

// isFatal reports whether err should close the connection rather than just
// fail the current request. Only a failed frame write or body read is
// fatal; every other error, a request body that fails to decode included,
// has already been answered with a status byte and the connection
// continues.
func isFatal(err error) bool {
	switch err {
	case errWriteFailed, errReadFailed:
		return true
	default:
		return false
	}
}

var (
	errWriteFailed = fmt.Errorf("netio: response write failed")
	errReadFailed  = fmt.Errorf("netio: request body stream failed")
)
