package rekrut

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/transcript"
	"github.com/harunnryd/rekrut/pkg/transports"
)

// Server is the HTTP surface: the interview API plus the routes the
// transports need mounted (webhooks, media, SDP offers).
type Server struct {
	Router *echo.Echo
	engine *Engine
	logger *slog.Logger
}

func NewServer(engine *Engine, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{Router: e, engine: engine, logger: logging.NewComponentLogger(logger, "http")}
	if engine.cfg.Server.AccessLog {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:  true,
			LogURI:     true,
			LogStatus:  true,
			LogLatency: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				s.logger.Info("http_request",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds())
				return nil
			},
		}))
	}
	s.register()
	return s
}

func (s *Server) register() {
	e := s.Router
	e.GET("/healthz", s.health)
	e.POST("/interviews/web", s.startWeb)
	e.POST("/interviews/phone", s.startPhone)
	e.GET("/interviews/:id", s.session)
	e.DELETE("/interviews/:id", s.terminate)
	e.GET("/logs", s.logs)
	e.GET("/logs/:id", s.log)

	for _, tr := range []any{s.engine.web, s.engine.phone} {
		rp, ok := tr.(transports.RouteProvider)
		if !ok {
			continue
		}
		for _, rt := range rp.Routes() {
			h := echo.WrapHandler(rt.Handler)
			if rt.Method == "" {
				e.Any(rt.Path, h)
			} else {
				e.Add(rt.Method, rt.Path, h)
			}
			s.logger.Debug("route_mounted", "method", rt.Method, "path", rt.Path)
		}
	}
}

func (s *Server) Start(addr string) error {
	if err := s.Router.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Router.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) health(c echo.Context) error {
	h, err := s.engine.Health()
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, h)
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) startWeb(c echo.Context) error {
	var req InterviewRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	out, err := s.engine.StartWeb(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) startPhone(c echo.Context) error {
	var req InterviewRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	out, err := s.engine.StartPhone(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) session(c echo.Context) error {
	view, err := s.engine.Session(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// terminate answers 202 for a live session and for one that ended
// recently, so a retried DELETE gets the same response. Unknown ids are 404.
func (s *Server) terminate(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Terminate(id); err != nil {
		return s.fail(c, err)
	}
	status := "terminating"
	if s.engine.Ended(id) {
		status = "ended"
	}
	return c.JSON(http.StatusAccepted, map[string]string{"session_id": id, "status": status})
}

func (s *Server) logs(c echo.Context) error {
	list, err := s.engine.Logs(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) log(c echo.Context) error {
	l, err := s.engine.Log(c.Request().Context(), c.Param("id"))
	if errors.Is(err, transcript.ErrLogNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Log not found"})
	}
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var dup *errorsx.DuplicateSessionError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, errorsx.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.As(err, &dup):
		status = http.StatusConflict
	case errors.Is(err, ErrWebUnavailable), errors.Is(err, ErrPhoneUnavailable),
		errorsx.HasReason(err, errorsx.ReasonSessionDraining):
		status = http.StatusServiceUnavailable
	case errorsx.HasReason(err, errorsx.ReasonTransportAttach):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", "path", c.Path(), "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
