package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server serves /metrics and /health. A second bot instance on the same
// host must not fail startup on a port collision, so Start walks forward
// through portRange ports until one binds.
type Server struct {
	basePort  int
	portRange int
	server    *http.Server
	boundPort int
	log       zerolog.Logger
}

// NewServer creates a metrics server that tries ports
// [basePort, basePort+portRange].
func NewServer(basePort, portRange int, logger zerolog.Logger) *Server {
	if portRange < 0 {
		portRange = 0
	}
	return &Server{
		basePort:  basePort,
		portRange: portRange,
		log:       logger.With().Str("component", "metrics_server").Logger(),
	}
}

// Start binds the first free port in the range and serves in the
// background. Returns the bound port.
func (s *Server) Start() (int, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	var listener net.Listener
	var err error
	for port := s.basePort; port <= s.basePort+s.portRange; port++ {
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			s.boundPort = port
			break
		}
		s.log.Warn().Int("port", port).Err(err).Msg("Metrics port busy, trying next")
	}
	if listener == nil {
		return 0, fmt.Errorf("no free metrics port in [%d, %d]: %w", s.basePort, s.basePort+s.portRange, err)
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Int("port", s.boundPort).Msg("Starting metrics server")
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return s.boundPort, nil
}

// Port returns the bound port, zero before Start.
func (s *Server) Port() int { return s.boundPort }

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("Shutting down metrics server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}
