package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"filegate/internal/fetcher"
	"filegate/internal/model"
	"filegate/internal/resolver"
	"filegate/internal/service"
	"filegate/internal/signer"
)

// signPattern matches sign tokens in URLs embedded in error messages.
var signPattern = regexp.MustCompile(`(?i)(sign=)[^&\s"]+`)

// errorBody is the JSON error envelope, matching the backend's own format so
// clients see one shape regardless of where a download failed.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// skippedResponseHeaders are never copied from storage responses: Set-Cookie
// would leak storage session state to clients, hop-by-hop headers are
// connection-local, and nosniff is owned by the gateway's own middleware.
var skippedResponseHeaders = map[string]bool{
	"Set-Cookie":             true,
	"Connection":             true,
	"Keep-Alive":             true,
	"Proxy-Authenticate":     true,
	"Proxy-Authorization":    true,
	"Te":                     true,
	"Trailer":                true,
	"Transfer-Encoding":      true,
	"Upgrade":                true,
	"X-Content-Type-Options": true,
}

// DownloadHandler serves signed download requests on the catch-all route.
type DownloadHandler struct {
	service *service.Gateway
	logger  *slog.Logger
}

// NewDownloadHandler creates a DownloadHandler.
func NewDownloadHandler(svc *service.Gateway, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		service: svc,
		logger:  logger.With("component", "download_handler"),
	}
}

// Handle runs the download pipeline for the requested path and streams the
// storage response back. OPTIONS requests are answered locally and never
// reach the backend.
func (h *DownloadHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		return h.handleOptions(c)
	}

	origin := req.Header.Get("Origin")

	// The body is buffered so it can be replayed on every redirect hop; the
	// BodyLimit middleware bounds how much can accumulate here.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		setCORS(c.Response().Header(), origin)
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    http.StatusBadRequest,
			Message: "failed to read request body",
		})
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Sign:   c.QueryParam("sign"),
		Header: req.Header,
		Body:   body,
	}

	resp, err := h.service.Download(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	copySanitized(c.Response().Header(), resp.Header)
	setCORS(c.Response().Header(), origin)

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the storage body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. This is an inherent trade-off of
	// streaming proxies — we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// mapError converts pipeline errors into client responses. Error responses
// carry CORS headers too, so browser scripts can read them.
func (h *DownloadHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("download error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	setCORS(c.Response().Header(), c.Request().Header.Get("Origin"))

	switch {
	case errors.Is(err, signer.ErrMissingExpiry),
		errors.Is(err, signer.ErrInvalidExpiry),
		errors.Is(err, signer.ErrExpired),
		errors.Is(err, signer.ErrSignMismatch):
		// The sentinel text is the whole client-facing message; nothing
		// about the expected signature leaks.
		return c.JSON(http.StatusUnauthorized, errorBody{
			Code:    http.StatusUnauthorized,
			Message: err.Error(),
		})
	}

	var njErr *resolver.NonJSONError
	if errors.As(err, &njErr) {
		return c.JSON(njErr.Status, errorBody{
			Code:    njErr.Status,
			Message: fmt.Sprintf("Request failed with status: %d", njErr.Status),
		})
	}

	var apiErr *resolver.APIError
	if errors.As(err, &apiErr) {
		return c.JSONBlob(apiErr.Code, apiErr.Body)
	}

	if errors.Is(err, resolver.ErrEmptyLink) {
		return c.JSON(http.StatusBadGateway, errorBody{
			Code:    http.StatusBadGateway,
			Message: "backend returned empty link",
		})
	}

	if errors.Is(err, fetcher.ErrTooManyRedirects) {
		return c.JSON(http.StatusLoopDetected, errorBody{
			Code:    http.StatusLoopDetected,
			Message: "too many redirects",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, errorBody{
			Code:    http.StatusGatewayTimeout,
			Message: "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, errorBody{
			Code:    http.StatusBadGateway,
			Message: "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, errorBody{
			Code:    http.StatusBadGateway,
			Message: "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, errorBody{
			Code:    http.StatusBadGateway,
			Message: "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, errorBody{
		Code:    http.StatusBadGateway,
		Message: "upstream request failed",
	})
}

// copySanitized copies storage response headers onto the outgoing response,
// dropping the skip set.
func copySanitized(dst, src http.Header) {
	for key, vals := range src {
		if skippedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// sanitizeError redacts sign tokens from error messages that may contain
// request URLs.
func sanitizeError(err error) string {
	return signPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
