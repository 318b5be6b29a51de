// Package server exposes the detection service over HTTP with a REST API,
// prometheus metrics and a live MJPEG view of the annotated stream.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yiqisoft/mjpeg"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/preprocess"
)

// Detector is the part of the detection service the HTTP handlers use
type Detector interface {
	Detect(ctx context.Context, img *preprocess.Image) (detserve.DetectionSet, error)
	DetectBatch(ctx context.Context, imgs []*preprocess.Image) ([]detserve.DetectionSet, error)
}

// Server serves the detection REST API
type Server struct {
	detector Detector
	cfg      detserve.ServerConfig
	logger   *zap.Logger
	router   *mux.Router
	view     *mjpeg.Stream
}

// New builds the server and its routes.  A nil gatherer disables the
// metrics endpoint.
func New(detector Detector, cfg detserve.ServerConfig, logger *zap.Logger,
	gatherer prometheus.Gatherer) *Server {

	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		detector: detector,
		cfg:      cfg,
		logger:   logger,
		router:   mux.NewRouter(),
		view:     mjpeg.NewStream(),
	}

	s.router.HandleFunc("/detect", s.handleDetect).Methods("POST")
	s.router.HandleFunc("/detect/batch", s.handleDetectBatch).Methods("POST")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/", s.handleDashboard).Methods("GET")
	s.router.Handle("/stream.mjpeg", s.view).Methods("GET")

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer,
			promhttp.HandlerOpts{})).Methods("GET")
	}

	return s
}

// Handler returns the route handler, used directly in tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving the API on the configured address
func (s *Server) ListenAndServe() error {

	srv := &http.Server{
		Handler:      s.router,
		Addr:         s.cfg.Listen,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("http server listening", zap.String("addr", s.cfg.Listen))

	return srv.ListenAndServe()
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleDashboard serves a minimal page embedding the live stream
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>detserve</title></head>
<body style="margin:0;background:#111;color:#eee;font-family:monospace">
<p style="padding:8px">detserve live view</p>
<img src="/stream.mjpeg" style="max-width:100%">
</body>
</html>
`))
}
