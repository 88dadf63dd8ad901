// Package backend stores contact filters (CBFs) registered by positive
// users and answers exposure queries from nodes holding a query filter
// (QBF). It speaks the framed protocol of package wire over TCP, one
// request per connection.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dimy/internal/filter"
	"dimy/internal/wire"
)

type Config struct {
	Addr           string
	MaxConnections int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   int
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:55000",
		MaxConnections: 64,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   wire.MaxFrameSize,
	}
}

func (c Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("backend: max connections %d must be at least 1", c.MaxConnections)
	}
	if c.MaxFrameSize < 1 || c.MaxFrameSize > wire.MaxFrameSize {
		return fmt.Errorf("backend: max frame size %d outside [1, %d]", c.MaxFrameSize, wire.MaxFrameSize)
	}
	return nil
}

type Server struct {
	cfg     Config
	store   *Store
	matcher *Matcher
	metrics *Metrics
	log     *log.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
	ln  net.Listener

	mu     sync.Mutex
	closed bool
}

func NewServer(cfg Config, store *Store, metrics *Metrics, logger *log.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		matcher: NewMatcher(store),
		metrics: metrics,
		log:     logger,
		sem:     semaphore.NewWeighted(cfg.MaxConnections),
	}, nil
}

// Listen binds the configured address.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("backend: listen: %w", err)
	}
	s.ln = ln
	s.log.Printf("listening on %s\n", ln.Addr())
	return nil
}

// Addr returns the bound address; only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called. At
// most MaxConnections are served at once; further clients wait in the
// listen backlog.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := s.ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("backend: accept: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			s.sem.Release(1)
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		s.wg.Wait()
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

// #############################################################################

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer conn.Close()
	s.metrics.InFlight.Inc()
	defer s.metrics.InFlight.Dec()

	remote := conn.RemoteAddr()
	if s.cfg.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			s.log.Printf("%s: set read deadline: %v\n", remote, err)
			return
		}
	}
	req, err := wire.ReadRequest(conn, s.cfg.MaxFrameSize)
	var resp wire.Response
	switch {
	case errors.Is(err, io.EOF):
		// connected and hung up without a request
		return
	case err != nil:
		s.metrics.DecodeErrors.Inc()
		s.log.Printf("%s: read request: %v\n", remote, err)
		resp = wire.Response{Status: wire.StatusError, Message: err.Error()}
	default:
		start := time.Now()
		resp = s.dispatch(req)
		s.metrics.Latency.WithLabelValues(req.Op.String()).Observe(time.Since(start).Seconds())
		if resp.Status == wire.StatusError {
			s.log.Printf("%s: %s: %s\n", remote, req.Op, resp.Message)
		}
	}

	if s.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			s.log.Printf("%s: set write deadline: %v\n", remote, err)
			return
		}
	}
	if err := wire.WriteResponse(conn, resp); err != nil {
		s.log.Printf("%s: write response: %v\n", remote, err)
	}
}

func (s *Server) dispatch(req wire.Request) wire.Response {
	f, err := filter.Decode(req.Filter)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		return wire.Response{Status: wire.StatusError, Message: err.Error()}
	}

	switch req.Op {
	case wire.OpRegister:
		if !s.store.RegisterOnce(req.ID, NewContact(f)) {
			s.metrics.Duplicates.Inc()
			return wire.Response{Status: wire.StatusRegistered, Message: "already registered"}
		}
		s.metrics.Registrations.Inc()
		s.metrics.StoreSize.Set(float64(s.store.Len()))
		return wire.Response{Status: wire.StatusRegistered, Message: "registered"}
	case wire.OpQuery:
		matched := s.matcher.QueryExposure(f)
		s.metrics.ObserveQuery(matched)
		if matched {
			return wire.Response{Status: wire.StatusMatched, Message: "matched"}
		}
		return wire.Response{Status: wire.StatusNotMatched, Message: "not matched"}
	}
	return wire.Response{Status: wire.StatusError, Message: fmt.Sprintf("unknown %s", req.Op)}
}
