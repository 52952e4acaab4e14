// Package transport is the WebSocket front door: HTTP upgrade, handshake
// authorization, and the read/write pump pair per connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/syncserver/internal/identity"
	"github.com/adred-codev/syncserver/internal/logging"
	"github.com/adred-codev/syncserver/internal/metrics"
	"github.com/adred-codev/syncserver/internal/session"
	"github.com/adred-codev/syncserver/internal/store"
	"github.com/adred-codev/syncserver/internal/sync"
)

const (
	// writeWait bounds a single frame write, including pings and close frames.
	writeWait = 5 * time.Second

	// pongWait bounds how long the server waits for any client activity
	// before considering the connection dead.
	pongWait = 30 * time.Second

	// pingPeriod must stay comfortably under pongWait so a ping always has
	// time to provoke a pong before the read deadline expires.
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 256
)

// Config configures the transport server.
type Config struct {
	Addr             string
	MaxConnections   int
	MessageRateLimit float64 // sustained messages/sec per connection
	MessageRateBurst int

	PullChunkSize int
	AdminSecret   string
}

// Server owns the HTTP listener, the upgrade handshake, and every live
// connection's pump goroutines.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	sessions *session.Manager
	store    store.EventStore
	verifier identity.Verifier

	httpServer *http.Server
	connSem    chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// NewServer wires together the pieces a transport server needs to turn raw
// WebSocket frames into Sync Handler calls.
func NewServer(cfg Config, logger zerolog.Logger, sessions *session.Manager, es store.EventStore, verifier identity.Verifier) *Server {
	if cfg.MessageRateLimit <= 0 {
		cfg.MessageRateLimit = 20
	}
	if cfg.MessageRateBurst <= 0 {
		cfg.MessageRateBurst = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		store:    es,
		verifier: verifier,
		connSem:  make(chan struct{}, cfg.MaxConnections),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.cfg.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Int("max_connections", s.cfg.MaxConnections).Msg("transport server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("transport: accept loop error")
		}
	}()

	return nil
}

// Shutdown stops accepting new connections, closes the HTTP listener, and
// waits for every pump goroutine to exit or for ctx to be done, whichever
// comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	storeID := r.URL.Query().Get("storeId")
	if storeID == "" {
		http.Error(w, "storeId query parameter is required", http.StatusBadRequest)
		return
	}

	select {
	case s.connSem <- struct{}{}:
	default:
		metrics.ConnectionsRejected.Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		metrics.ConnectionsRejected.Inc()
		s.logger.Debug().Err(err).Msg("transport: websocket upgrade failed")
		return
	}

	rawPayload := r.URL.Query().Get("payload")
	payload, err := url.QueryUnescape(rawPayload)
	if err != nil {
		payload = rawPayload
	}

	auth, authErr := s.verifier.VerifyPayload([]byte(payload))
	if authErr != nil {
		code := closeCodeFor(authErr)
		metrics.HandshakeRejectedTotal.WithLabelValues(strconv.Itoa(int(code))).Inc()
		s.logger.Warn().Str("store_id", storeID).Str("reason", closeReason[code]).Err(authErr).Msg("transport: handshake rejected")
		sendClose(conn, code, authErr.Error())
		conn.Close()
		<-s.connSem
		return
	}

	connID := uuid.NewString()
	c := newConnection(connID, conn, sendBufferSize, s.cfg.MessageRateLimit, s.cfg.MessageRateBurst)

	handler := sync.NewHandler(storeID, c, s.sessions, s.store, auth, sync.Config{
		AdminSecret:   s.cfg.AdminSecret,
		PullChunkSize: s.cfg.PullChunkSize,
	}, s.logger)

	connCtx, cancel := context.WithCancel(s.ctx)

	if err := handler.Attach(connCtx); err != nil {
		s.logger.Error().Err(err).Str("store_id", storeID).Msg("transport: attach failed")
		sendClose(conn, ws.StatusInternalServerError, "internal error")
		conn.Close()
		cancel()
		<-s.connSem
		return
	}

	metrics.ConnectionsTotal.Inc()
	s.logger.Info().Str("conn_id", connID).Str("store_id", storeID).Bool("authenticated", auth.Authenticated).Msg("transport: connection attached")

	s.wg.Add(2)
	go s.writePump(c, cancel)
	go s.readPump(connCtx, c, handler, cancel)
}

func (s *Server) readPump(ctx context.Context, c *Connection, h *sync.Handler, cancel context.CancelFunc) {
	defer func() {
		h.Detach()
		c.closeUnderlying()
		cancel()
		<-s.connSem
		s.wg.Done()
	}()
	defer func() {
		// An unhandled panic anywhere in message dispatch (HandleMessage,
		// doPush, JSON marshaling) unwinds to here rather than the process;
		// best-effort tell the client why before the deferred cleanup above
		// detaches and closes the connection.
		if logging.RecoverPanic(s.logger, "readPump") {
			sendClose(c.conn, ws.StatusInternalServerError, "internal error")
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !c.Allow() {
				continue
			}
			h.HandleMessage(ctx, data)
		case ws.OpClose:
			return
		case ws.OpPing, ws.OpPong:
			// gobwas answers pings automatically; pongs just reset the
			// read deadline above.
		}
	}
}

func (s *Server) writePump(c *Connection, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeUnderlying()
		cancel()
		s.wg.Done()
	}()
	defer func() {
		if logging.RecoverPanic(s.logger, "writePump") {
			sendClose(c.conn, ws.StatusInternalServerError, "internal error")
		}
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// closeCodeFor maps a Verifier error to a close code: malformed JSON is
// 1003 (unsupported data), anything else carrying an authorization
// rejection is 1008 (policy violation).
func closeCodeFor(err error) ws.StatusCode {
	var malformed *identity.MalformedPayloadError
	if errors.As(err, &malformed) {
		return ws.StatusUnsupportedData
	}

	return ws.StatusPolicyViolation
}

// sendClose writes a close frame carrying a status code and a human-readable
// reason before the underlying connection is torn down.
func sendClose(conn net.Conn, code ws.StatusCode, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(code, reason)
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
}
