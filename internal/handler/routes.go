package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filegate/internal/config"
	"filegate/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Fixed
// routes go first; the download route is a catch-all and takes everything
// else.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, download *DownloadHandler, sign *SignHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)
	e.POST("/api/sign", sign.Mint)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", download.Handle)
}
