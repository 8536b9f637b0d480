package transport

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes collects the handlers mounted on the HTTP server.
type Routes struct {
	Websocket echo.HandlerFunc
	Health    echo.HandlerFunc
	Gatherer  prometheus.Gatherer
}

// NewServer builds the echo instance serving the websocket entry, health and metrics.
func NewServer(routes Routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	if routes.Websocket != nil {
		e.GET("/ws", routes.Websocket)
		e.GET("/ws/:token", routes.Websocket)
	}
	if routes.Health != nil {
		e.GET("/healthz", routes.Health)
	}
	if routes.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(routes.Gatherer, promhttp.HandlerOpts{})))
	}
	return e
}
