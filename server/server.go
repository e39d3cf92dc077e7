// Package server owns the listeners. In simulation mode every admitted
// connection, TCP or WebSocket, is handed to the session through Conns. In
// echo mode each connection gets a plain echo loop instead.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"swarmsim/config"
	"swarmsim/logging"
	"swarmsim/metrics"
	"swarmsim/middleware"

	"github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EchoBufferSize is the most an echo read returns at once.
const EchoBufferSize = 50

type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Status feeds /stats. It may be nil.
	Status func() interface{}
}

type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	status  func() interface{}
	limiter *middleware.AcceptLimiter
	conns   chan net.Conn
	// admitted counts admission attempts and never goes down
	admitted atomic.Int64

	tcp      net.Listener
	http     net.Listener
	httpSrv  *http.Server
	started  time.Time
	handlers sync.WaitGroup
}

func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	buf := cfg.ClientNumber
	if buf < 1 {
		buf = 1
	}
	return &Server{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "server")),
		metrics: deps.Metrics,
		status:  deps.Status,
		limiter: middleware.NewAcceptLimiter(cfg.AcceptRatePerSec, cfg.AcceptBurst, 16),
		conns:   make(chan net.Conn, buf),
	}
}

// Conns yields admitted connections in arrival order.
func (s *Server) Conns() <-chan net.Conn {
	return s.conns
}

// Listen binds the configured listeners without serving them.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	tcp, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.tcp = tcp

	if s.cfg.HTTPEnabled {
		hl, err := lc.Listen(ctx, "tcp", s.cfg.HTTPAddr())
		if err != nil {
			tcp.Close()
			return fmt.Errorf("listen %s: %w", s.cfg.HTTPAddr(), err)
		}
		s.http = hl
		s.httpSrv = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	s.started = time.Now()
	return nil
}

// Addr is the bound TCP address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// HTTPAddr is the bound HTTP address, nil when HTTP is disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.http == nil {
		return nil
	}
	return s.http.Addr()
}

// Start listens if needed and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.tcp == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)

	s.log.Info("listening", slog.String("addr", s.tcp.Addr().String()), slog.String("mode", s.cfg.Mode))
	g.Go(func() error { return s.acceptLoop(gctx) })

	if s.httpSrv != nil {
		s.log.Info("http listening", slog.String("addr", s.http.Addr().String()))
		g.Go(func() error {
			if err := s.httpSrv.Serve(s.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.tcp.Close()
		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err := g.Wait()
	s.handlers.Wait()
	s.limiter.Close()
	s.closeQueued()
	if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if !s.limiter.AllowAddr(conn.RemoteAddr()) {
			s.reject(conn, "rate limited")
			continue
		}
		if s.cfg.Mode == config.ModeEcho {
			s.handlers.Add(1)
			go func() {
				defer s.handlers.Done()
				s.echo(ctx, conn)
			}()
			continue
		}
		s.admit(conn)
	}
}

// admit queues conn for the session. A run takes exactly ClientNumber
// clients; every arrival after that is turned away, whether or not the
// session has drained the queue yet.
func (s *Server) admit(conn net.Conn) bool {
	if s.admitted.Add(1) > int64(s.cfg.ClientNumber) {
		s.reject(conn, "run full")
		return false
	}
	select {
	case s.conns <- conn:
		return true
	default:
		s.reject(conn, "queue full")
		return false
	}
}

// Admitted is the number of connections handed to the session so far.
func (s *Server) Admitted() int {
	n := int(s.admitted.Load())
	if n > s.cfg.ClientNumber {
		n = s.cfg.ClientNumber
	}
	return n
}

// closeQueued closes connections the session never picked up.
func (s *Server) closeQueued() {
	for {
		select {
		case conn := <-s.conns:
			s.log.Debug("closing unclaimed connection", slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
		default:
			return
		}
	}
}

func (s *Server) reject(conn net.Conn, reason string) {
	s.metrics.ConnRejected()
	s.log.Warn("connection rejected", slog.String("remote", conn.RemoteAddr().String()), slog.String("reason", reason))
	conn.Close()
}

// echo writes back whatever it reads until the peer goes away.
func (s *Server) echo(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	buf := make([]byte, EchoBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.log.Debug("message received", slog.String("remote", remote), slog.String("text", strings.ToValidUTF8(string(buf[:n]), "\uFFFD")))
			if _, werr := conn.Write(buf[:n]); werr != nil {
				if !isExpectedCloseError(werr) {
					s.log.Warn("echo write failed", slog.String("remote", remote), slog.String("error", werr.Error()))
				}
				return
			}
		}
		if err != nil {
			if !isExpectedCloseError(err) {
				s.log.Warn("echo read failed", slog.String("remote", remote), slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if s.cfg.MetricsEnabled && s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// watchedConn reports when the session closes it.
type watchedConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func (c *watchedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.Conn.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(middleware.HostOf(r.RemoteAddr)) {
		s.metrics.ConnRejected()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	conn := &watchedConn{
		Conn: websocket.NetConn(ctx, ws, websocket.MessageBinary),
		done: make(chan struct{}),
	}

	if s.cfg.Mode == config.ModeEcho {
		s.echo(ctx, conn)
		return
	}
	if !s.admit(conn) {
		return
	}
	// the request context backs the stream, so hold the handler open
	select {
	case <-conn.done:
	case <-ctx.Done():
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"mode":      s.cfg.Mode,
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	out := map[string]interface{}{
		"mode":          s.cfg.Mode,
		"group_size":    s.cfg.GroupSize,
		"client_number": s.cfg.ClientNumber,
		"cycles":        s.cfg.SimulationCycles,
		"queued":        len(s.conns),
		"admitted":      s.Admitted(),
		"limited_hosts": s.limiter.Tracked(),
	}
	if s.status != nil {
		out["session"] = s.status()
	}
	json.NewEncoder(w).Encode(out)
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	// context canceled = normal shutdown
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	// check for websocket close
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return true
	}
	// EOF / connection reset / broken pipe
	errStr := err.Error()
	if strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "use of closed") {
		return true
	}
	return false
}
