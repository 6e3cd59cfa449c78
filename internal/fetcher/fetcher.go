// Package fetcher streams objects from storage hosts, following redirects
// manually so redirects back to the gateway can re-enter the download
// pipeline instead of being fetched over the network.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"filegate/internal/client"
	"filegate/internal/config"
	"filegate/internal/metrics"
	"filegate/internal/model"
)

// ErrTooManyRedirects reports an exhausted hop budget.
var ErrTooManyRedirects = errors.New("too many redirects")

// Result is the outcome of a fetch. Exactly one of Response or SelfRedirect
// is set: a response ready for streaming, or an absolute URL under the
// gateway's own base that the caller must re-enter as a fresh download.
// Hops counts the redirects consumed, including the self hop.
type Result struct {
	Response     *model.ProxyResponse
	SelfRedirect string
	Hops         int
}

// Fetcher fetches storage URLs and walks their redirect chains.
type Fetcher struct {
	client  *client.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	ownBase string
}

// New builds a Fetcher. The metrics parameter is optional; pass nil to
// disable redirect metrics recording.
func New(cfg *config.Config, cl *client.Client, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	return &Fetcher{
		client:  cl,
		logger:  logger.With("component", "fetcher"),
		metrics: m,
		ownBase: cfg.Gateway.PublicBase(),
	}
}

// Fetch requests target and follows redirects until it has a non-3xx
// response, a redirect pointing back at the gateway, or an exhausted budget.
// The body is replayed on every hop. Responses with a 3xx status but no
// usable Location (304 among them) are returned as-is.
func (f *Fetcher) Fetch(ctx context.Context, method, target string, header http.Header, body []byte, budget int) (*Result, error) {
	cur, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse storage URL: %w", err)
	}

	// A backend link pointing at the gateway itself is treated like a self
	// redirect. It still costs a hop so a misconfigured backend cannot loop
	// the pipeline forever.
	if f.isSelf(target) {
		if budget < 1 {
			return nil, ErrTooManyRedirects
		}
		f.logger.Warn("backend link points back at the gateway", "url", target)
		f.observeRedirect("self")
		return &Result{SelfRedirect: target, Hops: 1}, nil
	}

	resp, err := f.do(ctx, method, cur.String(), header, body)
	if err != nil {
		return nil, err
	}

	hops := 0
	for resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			break
		}
		next, perr := cur.Parse(loc)
		if perr != nil {
			f.logger.Warn("unfollowable Location header", "location", loc, "err", perr)
			break
		}

		_ = resp.Body.Close()
		hops++
		if hops > budget {
			return nil, ErrTooManyRedirects
		}

		nextURL := next.String()
		if f.isSelf(nextURL) {
			f.observeRedirect("self")
			f.logger.Debug("redirect back to gateway", "hops", hops)
			return &Result{SelfRedirect: nextURL, Hops: hops}, nil
		}

		f.observeRedirect("external")
		f.logger.Debug("following storage redirect", "host", next.Host, "hops", hops)
		cur = next
		resp, err = f.do(ctx, method, nextURL, header, body)
		if err != nil {
			return nil, err
		}
	}

	return &Result{Response: resp, Hops: hops}, nil
}

// do issues a single request with a fresh body reader.
func (f *Fetcher) do(ctx context.Context, method, target string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	var r io.Reader
	if len(body) > 0 {
		r = bytes.NewReader(body)
	}
	return f.client.DoStream(ctx, method, target, header, r)
}

// isSelf reports whether target lives under the gateway's public base URL.
// The comparison is textual, so public_url must be spelled the way storage
// hosts emit it in Location headers.
func (f *Fetcher) isSelf(target string) bool {
	return target == f.ownBase || strings.HasPrefix(target, f.ownBase+"/")
}

func (f *Fetcher) observeRedirect(kind string) {
	if f.metrics != nil {
		f.metrics.RedirectsFollowed.WithLabelValues(kind).Inc()
	}
}
