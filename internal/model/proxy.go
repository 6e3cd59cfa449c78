// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client download request to be resolved and
// forwarded to storage. Body is buffered so it can be replayed when the
// storage host redirects.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string // percent-decoded resource path, always begins with "/"
	Sign   string // access token from the sign query parameter
	Header http.Header
	Body   []byte
}

// ProxyResponse represents the storage response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Link is a resolved storage location: the direct URL plus headers the
// backend requires on the storage request.
type Link struct {
	URL    string
	Header http.Header
}
