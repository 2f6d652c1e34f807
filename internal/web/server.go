package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/extractor"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/session"
	"image-compressor-go/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"
)

//go:embed static
var staticFiles embed.FS

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]string // connection -> session ID
	wsMutex    sync.Mutex

	compressor compressor.Compressor
	extractor  extractor.MetadataExtractor
	sessions   *session.Store
	stats      *statistics.Statistics

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, comp compressor.Compressor, ext extractor.MetadataExtractor) *Server {
	s := &Server{
		cfg:         cfg,
		log:         log,
		router:      mux.NewRouter(),
		wsClients:   make(map[*websocket.Conn]string),
		compressor:  comp,
		extractor:   ext,
		sessions:    session.NewStore(cfg.Session.TTL),
		stats:       statistics.NewStatistics(),
		stopCleanup: make(chan struct{}),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/upload", s.handleUpload).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/sessions/{id}/original", s.handleOriginal).Methods("GET")
	api.HandleFunc("/sessions/{id}/compressed", s.handleCompressed).Methods("GET")
	api.HandleFunc("/sessions/{id}/download", s.handleDownload).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Static files
	static, _ := fs.Sub(staticFiles, "static")
	s.router.PathPrefix("/static/").Handler(
		http.StripPrefix("/static/", http.FileServer(http.FS(static))),
	)

	// Main page
	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return alice.New(s.recoverPanic, s.logRequests).Then(s.router)
}

// Stats exposes the service counters.
func (s *Server) Stats() *statistics.Statistics {
	return s.stats
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	go s.cleanupLoop()

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })

	s.wsMutex.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// cleanupLoop drops expired sessions until Stop is called.
func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.Session.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.sessions.CleanupExpired(); n > 0 {
				s.stats.AddSessionsExpired(n)
				s.log.Debugf("Removed %d expired sessions", n)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		s.writeError(w, "Index page missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Server.AllowedOrigin == "" {
		return true
	}
	return r.Header.Get("Origin") == s.cfg.Server.AllowedOrigin
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if _, err := s.sessions.Get(sessionID); err != nil {
		s.writeError(w, "Session not found", http.StatusNotFound)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = sessionID
	s.wsMutex.Unlock()

	logger.WithSession(s.log, sessionID).Debug("WebSocket client connected")

	// Remove client on disconnect
	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		logger.WithSession(s.log, sessionID).Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// publish sends an event to every WebSocket client watching sessionID.
func (s *Server) publish(sessionID, messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// gorilla connections allow one concurrent writer, so writes happen under the lock.
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn, id := range s.wsClients {
		if id != sessionID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, compressor.ErrInvalidQuality):
		return http.StatusBadRequest
	case errors.Is(err, compressor.ErrDecode), errors.Is(err, compressor.ErrInvalidDimensions):
		return http.StatusUnprocessableEntity
	case errors.Is(err, compressor.ErrNoSource), errors.Is(err, session.ErrStaleResult):
		return http.StatusConflict
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
