package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"filegate/internal/config"
	"filegate/internal/signer"
)

// signRequest is the mint request body. ExpiresIn is a pointer so an absent
// field (use the configured default) can be told apart from an explicit 0
// (never expires).
type signRequest struct {
	Path      string `json:"path"`
	ExpiresIn *int64 `json:"expires_in"`
}

type signData struct {
	Sign string `json:"sign"`
	URL  string `json:"url"`
}

// signResponse mirrors the backend's success envelope.
type signResponse struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    signData `json:"data"`
}

// SignHandler mints signed download URLs for administrators.
type SignHandler struct {
	signer *signer.Signer
	cfg    *config.Config
	logger *slog.Logger
}

// NewSignHandler creates a SignHandler.
func NewSignHandler(sg *signer.Signer, cfg *config.Config, logger *slog.Logger) *SignHandler {
	return &SignHandler{
		signer: sg,
		cfg:    cfg,
		logger: logger.With("component", "sign_handler"),
	}
}

// Mint issues a signed URL for a storage path. The endpoint is disabled
// unless an admin token is configured, and the caller must present it in the
// Authorization header.
func (h *SignHandler) Mint(c echo.Context) error {
	if h.cfg.Sign.AdminToken == "" {
		return c.JSON(http.StatusForbidden, errorBody{
			Code:    http.StatusForbidden,
			Message: "signing endpoint is disabled",
		})
	}

	auth := c.Request().Header.Get("Authorization")
	if subtle.ConstantTimeCompare([]byte(auth), []byte(h.cfg.Sign.AdminToken)) != 1 {
		return c.JSON(http.StatusUnauthorized, errorBody{
			Code:    http.StatusUnauthorized,
			Message: "invalid admin token",
		})
	}

	var req signRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    http.StatusBadRequest,
			Message: "invalid request body",
		})
	}

	if !strings.HasPrefix(req.Path, "/") {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    http.StatusBadRequest,
			Message: "path must begin with /",
		})
	}

	ttl := h.cfg.Sign.DefaultTTLSeconds
	if req.ExpiresIn != nil {
		ttl = *req.ExpiresIn
	}
	if ttl < 0 {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    http.StatusBadRequest,
			Message: "expires_in must not be negative",
		})
	}

	var token string
	if ttl == 0 {
		token = h.signer.Sign(req.Path, 0)
	} else {
		token = h.signer.SignFor(req.Path, time.Duration(ttl)*time.Second)
	}

	signed := h.cfg.Gateway.PublicBase() +
		(&url.URL{Path: req.Path}).EscapedPath() +
		"?" + url.Values{"sign": {token}}.Encode()

	h.logger.Info("minted signed URL",
		"path", req.Path,
		"ttl_seconds", ttl,
	)

	return c.JSON(http.StatusOK, signResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data: signData{
			Sign: token,
			URL:  signed,
		},
	})
}
