package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"xraydeck/internal/session"
)

const (
	maxBodyBytes = 64 << 10
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// DefaultOrigins are the browser origins allowed to call the API: the Steam
// client's loopback host serving plugin UIs.
var DefaultOrigins = []string{"https://steamloopback.host"}

// Event is pushed over the events socket.
type Event struct {
	Event string `json:"event"`
}

// ErrorResponse is returned for malformed calls.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerOptions configure the HTTP binding.
type ServerOptions struct {
	Addr    string
	Origins []string
}

// Server serves the dispatcher over HTTP and pushes events over WebSocket.
type Server struct {
	dispatcher *Dispatcher
	events     *session.Broadcaster
	origins    []string
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	http       *http.Server
}

// NewServer creates the HTTP binding.
func NewServer(d *Dispatcher, events *session.Broadcaster, opts ServerOptions, logger *zap.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:10880"
	}
	if len(opts.Origins) == 0 {
		opts.Origins = DefaultOrigins
	}
	s := &Server{
		dispatcher: d,
		events:     events,
		origins:    opts.Origins,
		logger:     logger.Named("api"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	r.Get("/rpc", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, s.dispatcher.Methods())
	})
	r.With(requireJSON).Post("/rpc/{method}", s.handleCall)
	r.Get("/events", s.handleEvents)
	return r
}

// requireJSON rejects anything but application/json so that browsers must
// preflight cross-origin calls, which CORS then refuses.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			render.Status(r, http.StatusUnsupportedMediaType)
			render.JSON(w, r, ErrorResponse{Error: "content type must be application/json"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: err.Error()})
		return
	}

	res, err := s.dispatcher.Call(r.Context(), method, json.RawMessage(body))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnknownMethod) {
			status = http.StatusNotFound
		}
		render.Status(r, status)
		render.JSON(w, r, ErrorResponse{Error: err.Error()})
		return
	}
	render.JSON(w, r, res)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.origins, origin) || slices.Contains(s.origins, "*")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.events.Subscribe()
	defer cancel()

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case name, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(Event{Event: name}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Serve listens and serves until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("control API listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
