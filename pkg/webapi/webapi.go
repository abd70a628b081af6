// This file is to handle things such as metrics/health/status, etc

package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hpcbootstrap/slurmctld-converger/pkg/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Board         *StatusBoard

	// MetricsHandler defaults to the prometheus default registry.
	MetricsHandler http.Handler
}

type WebServer struct {
	logger         *zap.Logger
	logLevel       *zap.AtomicLevel
	listenAddress  string
	board          *StatusBoard
	metricsHandler http.Handler
	httpServer     *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	board := opts.Board
	if board == nil {
		board = NewStatusBoard()
	}

	w := &WebServer{
		logger:         logger,
		logLevel:       opts.LogLevel,
		listenAddress:  opts.ListenAddress,
		board:          board,
		metricsHandler: metricsHandler,
	}

	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the " + version.Application + " internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	if _, evaluated := w.board.Report(); !evaluated {
		http.Error(rw, "not evaluated yet", http.StatusServiceUnavailable)
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (w *WebServer) handleStatus(rw http.ResponseWriter, r *http.Request) {
	report, _ := w.board.Report()

	rw.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(rw).Encode(report)
	if err != nil {
		w.logger.Debug("failed to write status response", zap.Error(err))
	}
}

func (w *WebServer) handleDocument(rw http.ResponseWriter, r *http.Request) {
	doc := w.board.Document()
	if doc == nil {
		http.Error(rw, "no configuration has been emitted", http.StatusNotFound)
		return
	}

	data, err := doc.RenderYAML()
	if err != nil {
		w.logger.Warn("failed to render document", zap.Error(err))
		http.Error(rw, "failed to render document", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/yaml")
	_, err = rw.Write(data)
	if err != nil {
		w.logger.Debug("failed to write document response", zap.Error(err))
	}
}

// Handler builds the routed, instrumented handler served by the web server.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", w.metricsHandler)
	r.HandleFunc("/healthz", w.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", w.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/document", w.handleDocument).Methods(http.MethodGet)
	if w.logLevel != nil {
		// zap's AtomicLevel serves GET and PUT of {"level":"..."}
		r.Handle("/loglevel", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})

	return otelhttp.NewHandler(c.Handler(r), "webapi")
}

func (w *WebServer) Serve(l net.Listener) error {
	err := w.httpServer.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *WebServer) ListenAndServe() error {
	l, err := net.Listen("tcp", w.listenAddress)
	if err != nil {
		return err
	}

	w.logger.Info("web api listening", zap.String("address", l.Addr().String()))
	return w.Serve(l)
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.httpServer.Shutdown(ctx)
}
