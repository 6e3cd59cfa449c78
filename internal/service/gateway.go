// Package service implements the download pipeline: signature check, link
// resolution, and the storage fetch with its redirect budget.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"filegate/internal/config"
	"filegate/internal/fetcher"
	"filegate/internal/metrics"
	"filegate/internal/model"
	"filegate/internal/resolver"
	"filegate/internal/signer"
)

// Gateway runs the download pipeline.
type Gateway struct {
	signer   *signer.Signer
	resolver *resolver.Resolver
	fetcher  *fetcher.Fetcher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	maxHops  int
}

// New creates a Gateway. The metrics parameter is optional; pass nil to
// disable signature failure metrics recording.
func New(cfg *config.Config, sg *signer.Signer, rs *resolver.Resolver, ft *fetcher.Fetcher, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		signer:   sg,
		resolver: rs,
		fetcher:  ft,
		logger:   logger.With("component", "gateway"),
		metrics:  m,
		maxHops:  cfg.Gateway.MaxRedirectHops,
	}
}

// Download verifies the request signature, resolves the path to a storage
// link, and fetches it. When storage redirects back to the gateway, the new
// path and sign are verified and resolved from scratch; the redirect budget
// spans all hops of the whole chain, self hops included. The caller is
// responsible for closing the response body.
func (g *Gateway) Download(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	path, sign := pr.Path, pr.Sign
	budget := g.maxHops

	for {
		if err := g.signer.Verify(path, sign); err != nil {
			g.observeSignFailure(err)
			g.logger.Debug("signature rejected", "path", path, "reason", err.Error())
			return nil, err
		}

		link, err := g.resolver.Resolve(pr.Ctx, path)
		if err != nil {
			return nil, err
		}

		header := buildOutboundHeader(pr.Header, link.Header)

		res, err := g.fetcher.Fetch(pr.Ctx, pr.Method, link.URL, header, pr.Body, budget)
		if err != nil {
			return nil, err
		}
		budget -= res.Hops

		if res.SelfRedirect != "" {
			path, sign, err = splitSignedURL(res.SelfRedirect)
			if err != nil {
				return nil, err
			}
			g.logger.Debug("re-entering download pipeline",
				"path", path,
				"remaining_hops", budget,
			)
			continue
		}

		return res.Response, nil
	}
}

// buildOutboundHeader merges backend-required headers over the client's own.
// Every value of a backend header is carried, and backend values replace
// client values of the same name rather than appending to them.
func buildOutboundHeader(src, extra http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for key, vals := range extra {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	return dst
}

// splitSignedURL extracts the download path and sign parameter from a
// redirect URL pointing at the gateway.
func splitSignedURL(raw string) (path, sign string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse self redirect URL: %w", err)
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	return path, u.Query().Get("sign"), nil
}

func (g *Gateway) observeSignFailure(err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.SignatureFailures.WithLabelValues(signFailureReason(err)).Inc()
}

// signFailureReason maps a signer error to a bounded metric label.
func signFailureReason(err error) string {
	switch {
	case errors.Is(err, signer.ErrMissingExpiry):
		return "expire_missing"
	case errors.Is(err, signer.ErrInvalidExpiry):
		return "expire_invalid"
	case errors.Is(err, signer.ErrExpired):
		return "expire_expired"
	case errors.Is(err, signer.ErrSignMismatch):
		return "sign_mismatch"
	default:
		return "other"
	}
}
