// Package resolver turns verified download paths into direct storage links
// via the backend API.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"filegate/internal/client"
	"filegate/internal/config"
	"filegate/internal/model"
)

// linkEndpoint is the backend route that resolves a path to a storage link.
const linkEndpoint = "/api/fs/link"

// maxLinkResponseBytes bounds how much of a resolve response is read. Link
// payloads are a URL plus a handful of headers; anything larger is malformed.
const maxLinkResponseBytes = 4 << 20

// ErrEmptyLink reports a success payload whose data.url is empty.
var ErrEmptyLink = errors.New("backend returned empty link URL")

// NonJSONError reports a backend response whose body is not a JSON payload.
// The raw body never reaches the client; only the status code does.
type NonJSONError struct {
	Status int
}

func (e *NonJSONError) Error() string {
	return fmt.Sprintf("backend returned non-JSON response (status %d)", e.Status)
}

// APIError is an error payload authored by the backend. Body is forwarded to
// the client verbatim; Code is the HTTP status to serve it with, clamped to a
// valid range.
type APIError struct {
	Code int
	Body []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend declared error (status %d)", e.Code)
}

// linkRequest is the resolve call body.
type linkRequest struct {
	Path string `json:"path"`
}

// linkPayload is the backend response envelope for the resolve call.
type linkPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		URL    string              `json:"url"`
		Header map[string][]string `json:"header"`
	} `json:"data"`
}

// Resolver calls the backend link API.
type Resolver struct {
	client       *client.Client
	logger       *slog.Logger
	resolveURL   string
	token        string
	verifyHeader string
	verifyValue  string
	timeout      time.Duration
}

// New builds a Resolver against the configured backend.
func New(cfg *config.Config, cl *client.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:       cl,
		logger:       logger.With("component", "resolver"),
		resolveURL:   cfg.Backend.Base() + linkEndpoint,
		token:        cfg.Backend.Token,
		verifyHeader: cfg.Backend.VerifyHeader,
		verifyValue:  cfg.Backend.VerifyValue,
		timeout:      time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
	}
}

// Resolve asks the backend for the direct storage link of path. The returned
// Link carries the URL plus any headers the backend requires on the storage
// request. Backend-declared errors come back as *APIError, non-JSON responses
// as *NonJSONError.
func (r *Resolver) Resolve(ctx context.Context, path string) (*model.Link, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reqBody, err := json.Marshal(linkRequest{Path: path})
	if err != nil {
		return nil, fmt.Errorf("encode resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.resolveURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	if r.token != "" {
		req.Header.Set("Authorization", r.token)
	}
	if r.verifyHeader != "" {
		req.Header.Set(r.verifyHeader, r.verifyValue)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve link: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !isJSONContentType(resp.Header.Get("Content-Type")) {
		r.logger.Warn("backend returned non-JSON response",
			"status", resp.StatusCode,
			"content_type", resp.Header.Get("Content-Type"),
		)
		return nil, &NonJSONError{Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxLinkResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read resolve response: %w", err)
	}

	var payload linkPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		r.logger.Warn("backend response body is not valid JSON", "status", resp.StatusCode)
		return nil, &NonJSONError{Status: resp.StatusCode}
	}

	if payload.Code != http.StatusOK {
		r.logger.Debug("backend declared error",
			"code", payload.Code,
			"message", payload.Message,
			"path", path,
		)
		return nil, &APIError{Code: clampStatus(payload.Code), Body: raw}
	}

	if payload.Data.URL == "" {
		return nil, ErrEmptyLink
	}

	return &model.Link{
		URL:    payload.Data.URL,
		Header: http.Header(payload.Data.Header),
	}, nil
}

// clampStatus maps a backend error code onto a valid HTTP status. Backends
// reuse the envelope code as a status most of the time, but nothing stops
// them from sending application-specific codes outside the HTTP range.
func clampStatus(code int) int {
	if code < 100 || code > 599 {
		return http.StatusInternalServerError
	}
	return code
}

// isJSONContentType reports whether ct denotes a JSON payload.
func isJSONContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
