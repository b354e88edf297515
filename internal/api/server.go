package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/wulonghui/dea-ng/internal/logger"
)

type Server struct {
	http *http.Server
}

func NewServer(deps Deps, addr string) *Server {
	mux := http.NewServeMux()
	AddRoutes(mux, deps)

	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	logger.Logger.Info().Str("addr", s.http.Addr).Msg("Starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
