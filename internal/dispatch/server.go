package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	logx "rollout/pkg/logx"
)

// HTTPServer exposes a Dispatcher's procedures over HTTP for Client processes.
type HTTPServer struct {
	d    *Dispatcher
	e    *echo.Echo
	addr string
	log  logx.Logger
}

func NewHTTPServer(d *Dispatcher, addr string, log logx.Logger) *HTTPServer {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &HTTPServer{d: d, addr: addr, log: log}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		log.Warn("http error", logx.String("path", c.Request().URL.Path), logx.Err(err))
	}
	e.Use(middleware.Recover())

	// server-side latency
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)
			log.Debug("request served",
				logx.String("method", c.Request().Method),
				logx.String("path", c.Request().URL.Path),
				logx.Int("status", c.Response().Status),
				logx.Duration("took", time.Since(begin)),
			)
			return err
		}
	})

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "layer": d.Layer().String()})
	})
	e.GET(APIRoot, s.listProcedures)
	e.POST(APIRoot+"/:module/:procedure", s.handleCall)

	s.e = e
	return s
}

// Handler is the underlying router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler { return s.e }

// Mount serves h for GET requests on path, e.g. a metrics endpoint.
func (s *HTTPServer) Mount(path string, h http.Handler) {
	s.e.GET(path, echo.WrapHandler(h))
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.addr))
		errCh <- s.e.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shCtx); err != nil {
		s.log.Warn("http server shutdown", logx.Err(err))
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *HTTPServer) listProcedures(c echo.Context) error {
	return c.JSON(http.StatusOK, s.d.Procedures())
}

func (s *HTTPServer) handleCall(c echo.Context) error {
	req := Request{Module: c.Param("module"), Procedure: c.Param("procedure")}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxResponseBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorPayload{Error: err.Error(), Kind: KindBadInput})
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req.Input); err != nil {
			return c.JSON(http.StatusBadRequest, errorPayload{Error: "decode input: " + err.Error(), Kind: KindBadInput})
		}
	}

	out, err := s.d.Call(c.Request().Context(), req)
	if err != nil {
		kind, status := s.d.classify(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("procedure failed", logx.String("procedure", req.key().String()), logx.Err(err))
		}
		return c.JSON(status, errorPayload{Error: err.Error(), Kind: kind})
	}
	return c.JSON(http.StatusOK, out)
}
