// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/quarry-build/quarry/lib/codec"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/version"
)

const (
	// readTimeout bounds how long a connection may take to deliver
	// its request frame.
	readTimeout = 30 * time.Second

	// writeTimeout bounds each response or event frame write. A
	// subscriber that stops reading is dropped when a push exceeds
	// it.
	writeTimeout = 10 * time.Second
)

// HandlerFunc handles one request frame. The returned value is CBOR
// encoded as the OK payload; nil means an empty OK. Errors map onto
// statuses through the resource sentinels — ErrNotFound, ErrStale,
// ErrUnavailable — and everything else answers ERROR with the message
// preserved.
type HandlerFunc func(ctx context.Context, payload []byte) (any, error)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Listen is the TCP address to serve on ("host:port"). Empty
	// disables TCP.
	Listen string

	// Socket is the Unix socket path to serve on. Empty disables the
	// socket listener. At least one of Listen and Socket is required.
	Socket string

	// Events is the bus subscriptions are served from. Nil rejects
	// OpSubscribe.
	Events *event.Bus

	// Software identifies this daemon in HELLO responses. Empty means
	// "quarry/" plus the build version.
	Software string

	// Logger receives connection-scoped logs. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Server accepts frame-protocol connections and dispatches them to
// registered handlers. Each connection carries one request and one
// response; OpSubscribe instead upgrades its connection to a one-way
// event stream. A misbehaving connection is closed without affecting
// the daemon.
type Server struct {
	listen   string
	socket   string
	bus      *event.Bus
	software string
	logger   *slog.Logger

	handlers map[Opcode]HandlerFunc

	mu      sync.Mutex
	tcpAddr net.Addr

	ready chan struct{}
	conns sync.WaitGroup
}

// NewServer builds a Server from cfg. Handlers are registered with
// [Server.Handle] before calling [Server.Serve].
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Listen == "" && cfg.Socket == "" {
		return nil, fmt.Errorf("wire: server needs a TCP address or a socket path")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	software := cfg.Software
	if software == "" {
		software = "quarry/" + version.Short()
	}
	return &Server{
		listen:   cfg.Listen,
		socket:   cfg.Socket,
		bus:      cfg.Events,
		software: software,
		logger:   logger,
		handlers: make(map[Opcode]HandlerFunc),
		ready:    make(chan struct{}),
	}, nil
}

// Handle registers the handler for op. It panics on duplicates and on
// the opcodes the server answers itself (OpHello, OpSubscribe).
// Handle must not be called after Serve.
func (s *Server) Handle(op Opcode, h HandlerFunc) {
	switch op {
	case OpHello, OpSubscribe:
		panic(fmt.Sprintf("wire: %s is handled by the server", op))
	}
	if _, dup := s.handlers[op]; dup {
		panic(fmt.Sprintf("wire: duplicate handler for %s", op))
	}
	s.handlers[op] = h
}

// Ready is closed once every listener is accepting.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound TCP address, which is how callers learn the
// port of a ":0" listen. Nil before Ready and when TCP is disabled.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpAddr
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight connections — subscriptions included — to finish.
func (s *Server) Serve(ctx context.Context) error {
	var listeners []net.Listener
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}
	if s.socket != "" {
		// A stale socket from a crashed run blocks the listen; a
		// socket held by a live daemon fails the listen below
		// instead.
		if err := os.Remove(s.socket); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wire: remove stale socket %s: %w", s.socket, err)
		}
		l, err := net.Listen("unix", s.socket)
		if err != nil {
			return fmt.Errorf("wire: listen on socket %s: %w", s.socket, err)
		}
		defer os.Remove(s.socket)
		listeners = append(listeners, l)
	}
	if s.listen != "" {
		l, err := net.Listen("tcp", s.listen)
		if err != nil {
			closeAll()
			return fmt.Errorf("wire: listen on %s: %w", s.listen, err)
		}
		s.mu.Lock()
		s.tcpAddr = l.Addr()
		s.mu.Unlock()
		listeners = append(listeners, l)
	}
	close(s.ready)
	s.logger.Info("serving", "listen", s.listen, "socket", s.socket)

	go func() {
		<-ctx.Done()
		closeAll()
	}()

	var accepting sync.WaitGroup
	for _, l := range listeners {
		accepting.Add(1)
		go func(l net.Listener) {
			defer accepting.Done()
			s.acceptLoop(ctx, l)
		}(l)
	}
	accepting.Wait()
	s.conns.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	tag, payload, err := readFrame(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return // connected and left without asking anything
		}
		if errors.Is(err, resource.ErrProtocol) {
			s.respondError(conn, logger, err)
		}
		logger.Debug("request read failed", "error", err)
		return
	}

	op := Opcode(tag)
	switch op {
	case OpHello:
		s.answerHello(conn, logger, payload)
	case OpSubscribe:
		s.serveSubscription(ctx, conn, logger, payload)
	default:
		s.dispatch(ctx, conn, logger, op, payload)
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, logger *slog.Logger, op Opcode, payload []byte) {
	h, ok := s.handlers[op]
	if !ok {
		s.respondError(conn, logger, fmt.Errorf("wire: unknown opcode %s: %w", op, resource.ErrProtocol))
		return
	}
	start := time.Now()
	result, err := h(ctx, payload)
	if err != nil {
		logger.Debug("request failed", "op", op.String(), "error", err, "elapsed", time.Since(start))
		s.respondError(conn, logger, err)
		return
	}
	var body []byte
	if result != nil {
		if body, err = codec.Marshal(result); err != nil {
			logger.Warn("response encode failed", "op", op.String(), "error", err)
			s.respondError(conn, logger, fmt.Errorf("wire: encode %s response: %w", op, err))
			return
		}
	}
	logger.Debug("request served", "op", op.String(), "elapsed", time.Since(start))
	s.respond(conn, logger, StatusOK, body)
}

func (s *Server) answerHello(conn net.Conn, logger *slog.Logger, payload []byte) {
	if len(payload) > 0 {
		var client Hello
		if err := codec.Unmarshal(payload, &client); err != nil {
			s.respondError(conn, logger, fmt.Errorf("wire: hello payload: %w", resource.ErrProtocol))
			return
		}
		logger.Debug("hello", "protocol", client.Protocol, "software", client.Software)
	}
	body, err := codec.Marshal(Hello{Protocol: ProtocolVersion, Software: s.software})
	if err != nil {
		s.respondError(conn, logger, fmt.Errorf("wire: encode hello: %w", err))
		return
	}
	s.respond(conn, logger, StatusOK, body)
}

// serveSubscription upgrades the connection: after the OK response
// the server pushes StatusEvent frames until the subscriber leaves,
// the bus closes, or the server shuts down. The subscriber sends
// nothing after its request; any byte it does send drops it.
func (s *Server) serveSubscription(ctx context.Context, conn net.Conn, logger *slog.Logger, payload []byte) {
	if s.bus == nil {
		s.respondError(conn, logger, errors.New("wire: subscriptions are not served here"))
		return
	}
	var req SubscribeRequest
	if len(payload) > 0 {
		if err := codec.Unmarshal(payload, &req); err != nil {
			s.respondError(conn, logger, fmt.Errorf("wire: subscribe payload: %w", resource.ErrProtocol))
			return
		}
	}
	sub := s.bus.Subscribe(event.SubscribeOptions{IDs: req.IDs, Kinds: req.Kinds})
	defer sub.Close()
	if err := s.respond(conn, logger, StatusOK, nil); err != nil {
		return
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return
	}
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_, _ = conn.Read(make([]byte, 1))
	}()

	logger.Debug("subscribed", "ids", len(req.IDs), "kinds", uint32(req.Kinds))
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			logger.Debug("subscriber left")
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			body, err := codec.Marshal(ev)
			if err != nil {
				logger.Warn("event encode failed", "error", err)
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := writeFrame(conn, byte(StatusEvent), body); err != nil {
				logger.Debug("event push failed, dropping subscriber", "error", err)
				return
			}
		}
	}
}

func (s *Server) respondError(conn net.Conn, logger *slog.Logger, err error) {
	body, merr := codec.Marshal(detailFor(err))
	if merr != nil {
		body = nil
	}
	s.respond(conn, logger, statusFor(err), body)
}

func (s *Server) respond(conn net.Conn, logger *slog.Logger, status Status, body []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := writeFrame(conn, byte(status), body); err != nil {
		logger.Debug("response write failed", "status", status.String(), "error", err)
		return err
	}
	return nil
}
