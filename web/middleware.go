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

package web

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/tomoncle/datajpa/types"
	"github.com/tomoncle/datajpa/utils"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// statusOf maps an error to its HTTP status and code.
func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, http.StatusText(he.Code)
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, types.ErrConstraintViolation):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, types.ErrLockTimeout):
		return http.StatusConflict, "LOCK_TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code := statusOf(err)
	body := ErrorBody{Code: code, Message: err.Error()}

	var he *echo.HTTPError
	var ve *ValidationError
	switch {
	case errors.As(err, &he):
		body.Message = fmt.Sprintf("%v", he.Message)
	case errors.As(err, &ve):
		body.Message = "validation failed"
		body.Details = ve.Fields
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("req_uri", c.Request().RequestURI).Error("request failed")
		body.Message = "internal server error"
	}
	if types.IsRetryable(err) {
		c.Response().Header().Set("Retry-After", "1")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, ErrorResponse{Error: body})
	}
	if err != nil {
		s.logger.WithError(err).Warn("write error response")
	}
}

// accessLog writes one entry per request with the fields the JSON log
// formatter lifts to the top level.
func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		status := c.Response().Status
		s.requests.GetOrCreateCounter(fmt.Sprintf(`datajpa_http_requests_total{path=%q,code="%d"}`, c.Path(), status)).Inc()
		entry := s.logger.WithFields(logrus.Fields{
			"req_uri":      c.Request().RequestURI,
			"req_method":   c.Request().Method,
			"client_ip":    c.RealIP(),
			"latency_time": utils.Elapsed(start),
			"status_code":  status,
		})
		if status >= http.StatusInternalServerError {
			entry.Error("request")
		} else {
			entry.Info("request")
		}
		return nil
	}
}

func (s *Server) recoverPanic(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				s.logger.WithField("stack", string(buf[:n])).Errorf("panic recovered: %v", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return next(c)
	}
}
