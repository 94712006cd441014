package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"lightpoll/internal/api"
	"lightpoll/internal/observability/logging"
	"lightpoll/internal/observability/metrics"
	"lightpoll/internal/polling"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr string
	TLS  TLSConfig
	// PublicDir is served under PublicPath when set. Leave it empty when no
	// files are published.
	PublicDir  string
	PublicPath string
	// DynamicPath prefixes the rendered projection endpoint.
	DynamicPath string
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	router, err := newRouter(handler, cfg, recorder)
	if err != nil {
		return nil, err
	}

	handlerChain := http.Handler(router)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

func newRouter(handler *api.Handler, cfg Config, recorder *metrics.Recorder) (*mux.Router, error) {
	dynamicPath, err := cleanPrefix(cfg.DynamicPath, "/connections")
	if err != nil {
		return nil, fmt.Errorf("dynamic path: %w", err)
	}

	router := mux.NewRouter()
	router.Use(cycleMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, routeTemplate, next)
	})

	router.HandleFunc("/healthz", handler.Health).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/fetchConnection/{id}", handler.FetchConnection).Methods(http.MethodGet)
	router.HandleFunc("/page-data", handler.PageData).Methods(http.MethodGet)
	router.HandleFunc(dynamicPath+"/{id}", handler.Projection).Methods(http.MethodGet, http.MethodHead)

	admin := router.PathPrefix("/api").Subrouter()
	admin.Use(handler.RequireAdmin)
	admin.HandleFunc("/connections/{id}/init", handler.InitConnection).Methods(http.MethodPost)
	admin.HandleFunc("/connections/{id}/channels/{channel}", handler.AddChannel).Methods(http.MethodPut)
	admin.HandleFunc("/connections/{id}/channels/{channel}", handler.DeleteChannel).Methods(http.MethodDelete)
	admin.HandleFunc("/connections/{id}/channels/{channel}/ping", handler.PingChannel).Methods(http.MethodPost)
	admin.HandleFunc("/connections/{id}/channels/{channel}/messages", handler.AddMessage).Methods(http.MethodPost)
	admin.HandleFunc("/connections/{id}", handler.DeleteConnection).Methods(http.MethodDelete)
	admin.HandleFunc("/flush", handler.Flush).Methods(http.MethodPost)

	if strings.TrimSpace(cfg.PublicDir) != "" {
		publicPath, err := cleanPrefix(cfg.PublicPath, "/pub")
		if err != nil {
			return nil, fmt.Errorf("public path: %w", err)
		}
		if publicPath == dynamicPath {
			return nil, fmt.Errorf("public path and dynamic path must differ, both are %q", publicPath)
		}
		router.PathPrefix(publicPath + "/").Handler(publishedFiles(cfg.PublicDir, publicPath)).Methods(http.MethodGet, http.MethodHead)
	}
	return router, nil
}

func cleanPrefix(prefix, fallback string) (string, error) {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = fallback
	}
	if !strings.HasPrefix(prefix, "/") {
		return "", fmt.Errorf("%q must start with /", prefix)
	}
	return prefix, nil
}

// routeTemplate labels metrics with the matched route pattern so identifiers
// stay out of label values.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	if tpl, err := route.GetPathTemplate(); err == nil {
		return tpl
	}
	return ""
}

// cycleMiddleware starts a fresh requested-connections cycle per request.
func cycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(polling.WithCycle(r.Context(), polling.NewCycle())))
	})
}

// publishedFiles serves the publish directory. Responses must be revalidated
// on every poll, and carry an ETag built from the file's nanosecond mtime and
// size: http.FileServer then prefers If-None-Match over the one second
// resolution of If-Modified-Since.
func publishedFiles(dir, prefix string) http.Handler {
	root := http.Dir(dir)
	files := http.StripPrefix(prefix, http.FileServer(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		if f, err := root.Open(strings.TrimPrefix(r.URL.Path, prefix)); err == nil {
			if info, err := f.Stat(); err == nil && !info.IsDir() {
				w.Header().Set("ETag", fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size()))
			}
			f.Close()
		}
		files.ServeHTTP(w, r)
	})
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration, ready chan<- struct{}) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	s.logger.Info("listening", "addr", s.httpServer.Addr, "tls", s.tlsCertFile != "")
	return Run(ctx, RunConfig{
		Server:          s.httpServer,
		TLS:             TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile},
		ShutdownTimeout: shutdownTimeout,
		Ready:           ready,
	})
}
