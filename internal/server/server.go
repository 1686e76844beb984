// Package server implements the FDB connection manager and command
// dispatcher.
//
// The server accepts TCP connections up to a configured limit and runs one
// goroutine per connection. Each goroutine reads framed commands, dispatches
// them against the shared storage engine and writes one response per command,
// strictly in arrival order.
//
// Architecture:
//   - Admission control with a weighted semaphore; over-limit connections
//     receive a single error frame and are closed, never queued
//   - Binary framed protocol from pkg/protocol
//   - Read and write deadlines per connection
//   - Graceful shutdown that lets in-flight commands finish
//
// Example usage:
//
//	srv := server.New(eng, server.Options{Addr: "localhost:6380", MaxConnections: 100})
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fdbkv/fdb/internal/metrics"
	"github.com/fdbkv/fdb/pkg/engine"
	"github.com/fdbkv/fdb/pkg/protocol"
)

// Server defaults
const (
	DefaultMaxConnections = 100
	DefaultReadTimeout    = 5 * time.Minute
	DefaultWriteTimeout   = 10 * time.Second

	acceptBackoff = 50 * time.Millisecond
)

// RejectMessage is sent to connections refused by admission control.
const RejectMessage = protocol.RejectMessage

// Options configures a Server.
type Options struct {
	Logger         *zap.Logger      // Defaults to a no-op logger
	Metrics        *metrics.Metrics // Optional
	Addr           string           // host:port to listen on
	MaxConnections int              // Simultaneous connection limit
	ReadTimeout    time.Duration    // Idle time allowed between commands; negative disables
	WriteTimeout   time.Duration    // Time allowed to write one response; negative disables
}

// Stats summarises connection activity.
type Stats struct {
	Connections      int64
	TotalConnections uint64
	Rejected         uint64
	Commands         uint64
}

// Server is an FDB TCP server bound to one engine.
//
// Example:
//
//	srv := server.New(eng, opts)
//	if err := srv.Listen(); err != nil {
//		log.Fatal(err)
//	}
//	go srv.Serve()
//
//	// Later, to stop the server
//	srv.Stop(ctx)
type Server struct {
	engine   *engine.Engine
	metrics  *metrics.Metrics
	log      *zap.Logger
	sem      *semaphore.Weighted
	handlers map[protocol.CommandType]handler
	opts     Options

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	active   atomic.Int64
	total    atomic.Uint64
	rejected atomic.Uint64
	commands atomic.Uint64
}

// New creates a Server for eng. The server does not listen until Listen or
// Start is called.
//
// Parameters:
//   - eng: The storage engine shared by every connection
//   - opts: Listener, admission and timeout settings
//
// Returns:
//   - A new Server instance ready to be started
func New(eng *engine.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:  eng,
		metrics: opts.Metrics,
		log:     opts.Logger.Named("server"),
		sem:     semaphore.NewWeighted(int64(opts.MaxConnections)),
		opts:    opts,
		conns:   make(map[string]net.Conn),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.handlers = s.commandTable()
	return s
}

// Listen binds the configured address. A bind failure is a startup failure.
func (s *Server) Listen() error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", s.opts.MaxConnections))
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Stop is called. It returns nil after a
// clean stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("failed to accept connection", zap.Error(err))
			time.Sleep(acceptBackoff)
			continue
		}

		if !s.sem.TryAcquire(1) {
			s.reject(conn)
			continue
		}
		s.admit(conn)
	}
}

func (s *Server) reject(conn net.Conn) {
	s.rejected.Add(1)
	s.metrics.ConnectionRejected()
	s.log.Warn("max connections reached, rejecting connection",
		zap.String("remote", conn.RemoteAddr().String()))

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = protocol.WriteResponse(conn, protocol.ErrorResponse(RejectMessage))
	_ = conn.Close()
}

func (s *Server) admit(conn net.Conn) {
	id := uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.sem.Release(1)
		_ = conn.Close()
		return
	}
	s.conns[id] = conn
	s.wg.Add(1)
	s.mu.Unlock()

	s.active.Add(1)
	s.total.Add(1)
	s.metrics.ConnectionOpened()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, id)
			s.mu.Unlock()
			s.sem.Release(1)
			s.active.Add(-1)
			s.metrics.ConnectionClosed()
		}()
		s.handleConnection(id, conn)
	}()
}

// handleConnection runs the command loop for one connection. A frame that
// cannot be read closes the connection; a frame that cannot be decoded gets
// an error response and the loop continues.
func (s *Server) handleConnection(id string, conn net.Conn) {
	log := s.log.With(zap.String("conn", id), zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("connection opened")
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("error closing connection", zap.Error(err))
		}
		log.Debug("connection closed")
	}()

	for {
		if !s.armRead(conn) {
			return
		}

		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			s.logReadError(log, err)
			return
		}

		var resp *protocol.Response
		cmd, err := protocol.DeserializeCommand(frame)
		if err != nil {
			resp = protocol.ErrorResponse(errorMessage(err))
		} else {
			resp = s.execute(s.ctx, log, cmd)
		}

		if s.opts.WriteTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return
			}
		}
		if err := protocol.WriteResponse(conn, resp); err != nil {
			log.Debug("failed to write response", zap.Error(err))
			return
		}
	}
}

// armRead sets the idle deadline for the next command. It reports false once
// Stop has begun, so the deadline Stop set is never pushed back.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.opts.ReadTimeout > 0 {
		return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)) == nil
	}
	return true
}

func (s *Server) logReadError(log *zap.Logger, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.isClosed():
	case errors.As(err, &ne) && ne.Timeout():
		log.Debug("read timeout, closing connection")
	default:
		log.Warn("failed to read command", zap.Error(err))
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stop closes the listener and lets open connections finish the command they
// are executing. Idle connections are closed immediately. If ctx ends first
// the remaining connections are closed forcibly and in-flight engine calls
// are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	var err error
	if ln != nil {
		err = ln.Close()
	}
	// Unblock idle readers; a connection in the middle of a command still
	// writes its response before its next read fails.
	for _, c := range s.conns {
		err = multierr.Append(err, ignoreClosed(c.SetReadDeadline(time.Now())))
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for _, c := range s.conns {
			err = multierr.Append(err, ignoreClosed(c.Close()))
		}
		s.mu.Unlock()
		<-done
		err = multierr.Append(err, fmt.Errorf("connections did not drain: %w", ctx.Err()))
	}
	s.cancel()

	s.log.Info("server stopped", zap.Uint64("total_connections", s.total.Load()))
	return ignoreClosed(err)
}

// Stats returns connection and command counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:      s.active.Load(),
		TotalConnections: s.total.Load(),
		Rejected:         s.rejected.Load(),
		Commands:         s.commands.Load(),
	}
}

func ignoreClosed(err error) error {
	var out error
	for _, e := range multierr.Errors(err) {
		if !errors.Is(e, net.ErrClosed) {
			out = multierr.Append(out, e)
		}
	}
	return out
}
