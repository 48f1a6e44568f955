package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/storage"
)

// DefaultMaxUploadBytes bounds package uploads
const DefaultMaxUploadBytes = 32 << 20

// PluginService is the installer surface used by the handlers
type PluginService interface {
	Install(ctx context.Context, source string, content io.Reader, force bool) (*plugins.InstallResult, error)
	Uninstall(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*storage.Record, error)
	List(ctx context.Context) ([]*storage.Record, error)
	Live(key string) bool
	Invoke(ctx context.Context, key, method string, args ...interface{}) ([]interface{}, error)
	Inspect(ctx context.Context, content io.Reader) (*plugins.Manifest, error)
}

// Server represents our API server
type Server struct {
	service        PluginService
	router         *mux.Router
	log            *logrus.Logger
	maxUploadBytes int64
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMaxUploadBytes bounds package uploads
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithRouter mounts the API on an existing router
func WithRouter(router *mux.Router) Option {
	return func(s *Server) {
		if router != nil {
			s.router = router
		}
	}
}

// NewServer creates a new API server
func NewServer(service PluginService, opts ...Option) *Server {
	s := &Server{
		service:        service,
		router:         mux.NewRouter(),
		log:            logrus.New(),
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/plugins", s.installPlugin).Methods(http.MethodPost)
	v1.HandleFunc("/plugins", s.listPlugins).Methods(http.MethodGet)
	v1.HandleFunc("/plugins/{key}", s.getPlugin).Methods(http.MethodGet)
	v1.HandleFunc("/plugins/{key}", s.uninstallPlugin).Methods(http.MethodDelete)
	v1.HandleFunc("/plugins/{key}/invoke", s.invokePlugin).Methods(http.MethodPost)

	v1.HandleFunc("/packages/inspect", s.inspectPackage).Methods(http.MethodPost)
}

// Router returns the router so other packages can register routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}
