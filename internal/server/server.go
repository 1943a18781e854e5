package server

import (
	"net/http"

	"webship/internal/config"
	"webship/internal/database"
	"webship/internal/handlers"
	"webship/internal/logger"
	"webship/internal/runner"

	"github.com/gorilla/mux"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

type Server struct {
	config  *config.Config
	handler *handlers.Handler
	router  *mux.Router
	logger  *logrus.Entry
}

func NewServer(cfg *config.Config, store *database.Store, nrApp *newrelic.Application) *Server {
	// Initialize the global logger
	logger.Initialize()

	// Get a logger instance with the server module context
	serverLogger := logger.WithModule("server")

	pipelineRunner := runner.New(cfg, store, nrApp)
	handler := handlers.NewHandler(cfg, store, pipelineRunner)

	s := &Server{
		config:  cfg,
		handler: handler,
		router:  mux.NewRouter(),
		logger:  serverLogger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health endpoint (unprotected)
	s.router.HandleFunc("/health", s.handler.Health).Methods("GET")

	// Protected routes with secret key validation
	protectedRouter := s.router.PathPrefix("").Subrouter()
	protectedRouter.Use(s.authMiddleware)

	// Trigger a pipeline run
	protectedRouter.HandleFunc("/run", s.handler.Run).Methods("POST")

	// Run status endpoint
	protectedRouter.HandleFunc("/runs/{build_number}", s.handler.Status).Methods("GET")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get secret key from header
		secretKey := r.Header.Get("X-Secret-Key")

		// Validate secret key
		if secretKey != s.config.ValidSecret {
			s.logger.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"method": r.Method,
				"ip":     r.RemoteAddr,
			}).Warn("Invalid secret key provided")
			http.Error(w, "Invalid secret key", http.StatusUnauthorized)
			return
		}

		// Continue to next handler
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.logger.WithField("port", s.config.Port).Info("Server starting")
	return http.ListenAndServe(":"+s.config.Port, s.router)
}
