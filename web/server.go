/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package web serves the member endpoints over echo.
package web

import (
	"context"
	"fmt"
	"net/http"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/tomoncle/datajpa"
	"github.com/tomoncle/datajpa/config"
	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/members"
	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/utils"
)

// Deps are the collaborators the handlers use.
type Deps struct {
	Factory *session.Factory
	Repos   *members.Repositories
	// Metrics may be nil when statements are not counted.
	Metrics *database.StatementMetrics
}

// Server is the HTTP server of the application.
type Server struct {
	echo     *echo.Echo
	config   config.ServerConfig
	logger   *logrus.Logger
	requests *vm.Set
	deps     Deps
}

// NewServer builds the echo instance and registers every route.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	s := &Server{
		echo:     e,
		config:   cfg,
		logger:   utils.NewLogger("web"),
		requests: vm.NewSet(),
		deps:     deps,
	}
	e.Validator = NewValidator()
	e.HTTPErrorHandler = s.handleError
	e.Use(s.accessLog, s.recoverPanic)
	s.routes()
	return s
}

func (s *Server) routes() {
	h := NewMemberHandler(
		datajpa.NewService[model.Member](s.deps.Factory, s.deps.Repos.Members),
		s.config.DefaultPageSize, s.config.MaxPageSize)

	s.echo.GET("/members/:id", h.FindMember)
	s.echo.GET("/members2/:id", h.FindMember2, h.BindMember("id"))
	s.echo.GET("/members", h.List)

	s.echo.GET("/health", s.health)
	s.echo.GET("/metrics", s.metrics)
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Infof("listening on %s", s.config.Address())
	if err := s.echo.Start(s.config.Address()); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting at most the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.echo.Shutdown(ctx)
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	if err := s.deps.Factory.DB().PingContext(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "down", Database: "unhealthy", Message: err.Error()})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "up", Database: "healthy"})
}

func (s *Server) metrics(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4")
	c.Response().WriteHeader(http.StatusOK)
	w := c.Response().Writer
	if s.deps.Metrics != nil {
		s.deps.Metrics.WritePrometheus(w)
	}
	s.requests.WritePrometheus(w)
	database.WriteProcessMetrics(w)
	return nil
}
