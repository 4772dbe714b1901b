// Package wslink carries controller commands over a WebSocket on the Wi-Fi link and serves the
// telemetry stream next to it. Only one controller socket is accepted at a time.
package wslink

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"autobbb/session"
	"autobbb/streamer"
)

const (
	SERVER_ADDRESS   = ":1337"
	WRITE_TIMEOUT    = time.Second
	SHUTDOWN_TIMEOUT = 2 * time.Second
)

var ErrNotConnected = errors.New("no controller connected")

// TelemetrySource hands out subscriptions to encoded telemetry frames.
type TelemetrySource interface {
	Subscribe() *streamer.Client[[]byte]
}

type Config struct {
	Address string
	// StaticDir is served at / when set.
	StaticDir string
}

type Server struct {
	cfg       Config
	telemetry TelemetrySource
	logger    *zap.SugaredLogger
	upgrader  websocket.Upgrader

	controller sync.Mutex
	connMu     sync.Mutex
	conn       *websocket.Conn
}

// New builds the server. telemetry may be nil, in which case /telemetry is not routed.
func New(cfg Config, telemetry TelemetrySource, logger *zap.SugaredLogger) *Server {
	if cfg.Address == "" {
		cfg.Address = SERVER_ADDRESS
	}
	return &Server{
		cfg:       cfg,
		telemetry: telemetry,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router routes /ws to the controller socket, /telemetry to the frame stream and the rest to
// static files.
func (s *Server) Router(events session.Events) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.serveController(events))
	if s.telemetry != nil {
		r.Get("/telemetry", s.serveTelemetry)
	}
	if s.cfg.StaticDir != "" {
		fileServer(r, "/", http.Dir(s.cfg.StaticDir))
	}
	return r
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context, events session.Events) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Router(events),
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()
		if err := s.Drop(shutdownCtx); err != nil && !errors.Is(err, ErrNotConnected) {
			s.logger.Debugw("closing controller socket", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("http shutdown", "error", err)
		}
	}()

	s.logger.Infow("listening", "address", s.cfg.Address)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return errors.Wrap(err, "unable to start HTTP server")
}

// Send writes one text message to the connected controller.
func (s *Server) Send(ctx context.Context, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(WRITE_TIMEOUT)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Drop closes the controller socket. Its read loop then reports the disconnect.
func (s *Server) Drop(context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "link dropped"),
		time.Now().Add(WRITE_TIMEOUT))
	return s.conn.Close()
}

func (s *Server) serveController(events session.Events) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.controller.TryLock() {
			s.logger.Warnw("websocket multiple connections are not allowed", "remote", r.RemoteAddr)
			http.Error(w, "controller already connected", http.StatusConflict)
			return
		}
		defer s.controller.Unlock()
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warnw("websocket upgrade error", "error", err)
			return
		}
		s.logger.Infow("websocket connection established", "remote", r.RemoteAddr)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		events.OnConnect()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debugw("websocket read error", "error", err)
				}
				break
			}
			events.OnDataReceived(message)
		}

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
		events.OnDisconnect()
		s.logger.Infow("websocket connection terminated", "remote", r.RemoteAddr)
	}
}

func (s *Server) serveTelemetry(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	client := s.telemetry.Subscribe()
	if client == nil {
		return
	}
	defer client.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case frame, ok := <-client.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
			if err := conn.WriteMessage(websocket.TextMessage, *frame); err != nil {
				s.logger.Debugw("telemetry write error", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

// fileServer serves root under path on r.
func fileServer(r chi.Router, path string, root http.FileSystem) {
	if strings.ContainsAny(path, "{}*") {
		panic("fileServer does not permit URL parameters")
	}
	fs := http.StripPrefix(path, http.FileServer(root))
	if path != "/" && path[len(path)-1] != '/' {
		r.Get(path, http.RedirectHandler(path+"/", http.StatusMovedPermanently).ServeHTTP)
		path += "/"
	}
	r.Get(path+"*", fs.ServeHTTP)
}
