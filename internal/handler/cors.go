package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	corsMethods  = "GET,HEAD,POST,OPTIONS"
	allowMethods = "GET, HEAD, POST, OPTIONS"
	corsMaxAge   = "86400"
)

// setCORS marks a response readable from any origin. The requesting origin is
// echoed back when present so credentialed fetches work, and Vary keeps
// shared caches from serving one origin's grant to another. Set replaces any
// Access-Control-Allow-Origin copied from storage.
func setCORS(h http.Header, origin string) {
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
}

// handleOptions answers OPTIONS locally. A request carrying both Origin and
// Access-Control-Request-Method is a CORS preflight and gets the grant
// headers; anything else gets a plain capability listing.
func (h *DownloadHandler) handleOptions(c echo.Context) error {
	req := c.Request()
	hdr := c.Response().Header()

	if req.Header.Get("Origin") != "" && req.Header.Get("Access-Control-Request-Method") != "" {
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", corsMethods)
		hdr.Set("Access-Control-Max-Age", corsMaxAge)
		if reqHeaders := req.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			hdr.Set("Access-Control-Allow-Headers", reqHeaders)
		}
		return c.NoContent(http.StatusOK)
	}

	hdr.Set("Allow", allowMethods)
	return c.NoContent(http.StatusOK)
}
