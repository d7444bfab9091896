package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ilievs/motorsim/core"
)

// SessionCounter reports how many MQTT clients hold a session.
type SessionCounter interface {
	Connected() int
}

type ErrorResponse struct {
	Result core.Result `json:"result"`
	Error  string      `json:"error"`
}

type FaultRequest struct {
	Reason string `json:"reason"`
}

type Health struct {
	Status      string `json:"status"`
	Devices     int    `json:"devices"`
	MqttClients int    `json:"mqttClients"`
}

// Server exposes the device manager over HTTP.
type Server struct {
	echo     *echo.Echo
	devices  core.DeviceManager
	sessions SessionCounter
	log      *slog.Logger
}

func NewServer(devices core.DeviceManager, sessions SessionCounter, log *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		devices:  devices,
		sessions: sessions,
		log:      log.With("component", "http"),
	}

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			s.log.Log(c.Request().Context(), level, "request",
				"method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Routes
	e.GET("/health", s.health)
	e.GET("/devices", s.listDevices)
	e.GET("/devices/:deviceId", s.readDevice)
	e.POST("/devices/:deviceId/command", s.sendCommand)
	e.POST("/devices/:deviceId/fault", s.injectFault)
	e.GET("/devices/:deviceId/watch", s.watch)

	return s
}

// Handler is the router, for serving from tests or a custom listener.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on address until Shutdown.
func (s *Server) Start(address string) error {
	s.log.Info("http server started", "address", address)
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func statusFor(result core.Result) int {
	switch result {
	case core.ResultOk:
		return http.StatusOK
	case core.ResultNotFound:
		return http.StatusNotFound
	case core.ResultInvalidArgument:
		return http.StatusBadRequest
	case core.ResultIllegalState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func failure(c echo.Context, err error) error {
	result := core.ResultOf(err)
	return c.JSON(statusFor(result), ErrorResponse{Result: result, Error: err.Error()})
}

func (s *Server) health(c echo.Context) error {
	clients := 0
	if s.sessions != nil {
		clients = s.sessions.Connected()
	}
	return c.JSON(http.StatusOK, Health{
		Status:      "ok",
		Devices:     len(s.devices.ListDevices()),
		MqttClients: clients,
	})
}

func (s *Server) listDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.devices.ListDevices())
}

func (s *Server) readDevice(c echo.Context) error {
	snap, err := s.devices.Read(c.Param("deviceId"))
	if err != nil {
		return failure(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) sendCommand(c echo.Context) error {
	var command core.Command
	if err := c.Bind(&command); err != nil {
		return failure(c, fmt.Errorf("%w: malformed command body", core.ErrInvalidArgument))
	}
	snap, err := s.devices.SendCommand(c.Param("deviceId"), command)
	if err != nil {
		return failure(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) injectFault(c echo.Context) error {
	var request FaultRequest
	if err := c.Bind(&request); err != nil {
		return failure(c, fmt.Errorf("%w: malformed fault body", core.ErrInvalidArgument))
	}
	if request.Reason == "" {
		request.Reason = "injected"
	}
	snap, err := s.devices.InjectFault(c.Param("deviceId"), request.Reason)
	if err != nil {
		return failure(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// watch streams snapshots as server-sent events until the client goes away.
func (s *Server) watch(c echo.Context) error {
	ctx := c.Request().Context()
	w, err := s.devices.Watch(ctx, c.Param("deviceId"))
	if err != nil {
		return failure(c, err)
	}
	defer w.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for snap := range w.C() {
		payload, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
			return nil
		}
		res.Flush()
	}
	return nil
}
