// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package health

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"marathon-autoscaler/internal/telemetry"
)

// Server is the side HTTP server bound to PORT0: /healthz, /readyz, and
// /metrics, all on one listener as Marathon only exposes a single port
// per task unless additional ports are declared.
type Server struct {
	httpServer *http.Server
	checker    *Checker
}

// NewServer builds a Server listening on port, wired to checker.
func NewServer(port int, checker *Checker) *Server {
	mux := http.NewServeMux()
	checker.RegisterHandlers(mux)
	mux.Handle("/metrics", telemetry.Handler())

	return &Server{
		checker: checker,
		httpServer: &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe starts the server, blocking until it exits. main runs
// it in its own goroutine beside the supervisor loop.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
