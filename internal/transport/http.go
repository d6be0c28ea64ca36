package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/avvvet/intentpilot/internal/handlers"
	"github.com/avvvet/intentpilot/internal/models"
)

type HTTPServer struct {
	echo     *echo.Echo
	service  *Service
	endpoint string
	logger   *logrus.Entry
}

// NewHTTPServer serves the query endpoint, its history and a health check.
func NewHTTPServer(service *Service, endpoint string, logger *logrus.Entry) *HTTPServer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &HTTPServer{
		echo:     e,
		service:  service,
		endpoint: strings.TrimRight(endpoint, "/"),
		logger:   logger,
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.WithFields(logrus.Fields{
				"method":   v.Method,
				"uri":      v.URI,
				"status":   v.Status,
				"latency":  v.Latency,
				"clientIP": c.RealIP(),
			}).Debug("Request handled")
			return nil
		},
	}))

	s.registerRoutes()
	return s
}

func (s *HTTPServer) registerRoutes() {
	s.echo.POST(s.endpoint, s.handleQuery)
	s.echo.GET(s.endpoint+"/history", s.handleHistory)
	s.echo.GET("/health", s.handleHealth)
}

// Handler exposes the router, mostly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

func (s *HTTPServer) Start(addr string) error {
	s.logger.WithFields(logrus.Fields{"addr": addr, "endpoint": s.endpoint}).Info("HTTP server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *HTTPServer) handleQuery(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:  "Invalid request body",
			Status: statusError,
			Code:   models.ErrorBadRequest,
		})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody(handlers.ErrEmptyQuery))
	}

	resp, err := s.service.Resolve(c.Request().Context(), req)
	if err != nil {
		status := StatusFor(err)
		s.logger.WithError(err).WithField("status", status).Warn("Query failed")
		return c.JSON(status, ErrorBody(err))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) handleHistory(c echo.Context) error {
	entries, err := s.service.History(c.Request().Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list history")
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:  err.Error(),
			Status: statusError,
		})
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "healthy",
		"store":  s.service.Store() != nil,
	})
}

// handleError renders router failures with the same JSON bodies as the
// query endpoint.
func (s *HTTPServer) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := models.ErrorResponse{Error: err.Error(), Status: statusError}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch he.Code {
		case http.StatusMethodNotAllowed:
			body = models.ErrorResponse{Error: "Method not allowed"}
		case http.StatusNotFound:
			body = models.ErrorResponse{Error: "Not found"}
		default:
			body = models.ErrorResponse{Error: fmt.Sprint(he.Message), Status: statusError}
		}
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		s.logger.WithError(writeErr).Error("Failed to write error response")
	}
}
