/*
Copyright 2025 Slotwatch Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package healthcheck serves the optional diagnostics endpoint: GET /health
// reports whether the upstream timetable is reachable, and /metrics exposes
// Prometheus collectors when metrics are enabled.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slotwatch/slotwatch/lib/defaults"
)

// Config configures the diagnostics server.
type Config struct {
	// Port to listen on.
	Port int
	// BaseURL is the upstream page whose reachability /health reports.
	BaseURL string
	// Timeout bounds the reachability probe.
	Timeout time.Duration
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// Log receives server diagnostics.
	Log *slog.Logger
	// Client overrides the probe HTTP client, used in tests.
	Client *resty.Client
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port <= 0 || c.Port > 65535 {
		return trace.BadParameter("health check port %v is out of range", c.Port)
	}
	if c.BaseURL == "" {
		return trace.BadParameter("missing upstream base URL")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.HealthCheckTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Client == nil {
		c.Client = resty.New().SetTimeout(c.Timeout)
	}
	return nil
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg      Config
	server   *http.Server
	listener net.Listener
}

// NewServer builds the server without starting it.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start begins listening and serving. It returns once the listener is bound;
// serving continues in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.cfg.Log.Error("Diagnostics server failed.", "error", err)
		}
	}()
	s.cfg.Log.Info("Diagnostics server listening.", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleHealth probes the upstream base URL and reports 200 when it answered
// within the timeout, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	resp, err := s.cfg.Client.R().SetContext(ctx).Head(s.cfg.BaseURL)
	if err != nil || resp.StatusCode() >= 500 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "upstream unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// Close stops the server gracefully.
func (s *Server) Close(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return trace.Wrap(s.server.Shutdown(ctx))
}
