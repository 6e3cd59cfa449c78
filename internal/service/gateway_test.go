package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"

	"filegate/internal/client"
	"filegate/internal/config"
	"filegate/internal/fetcher"
	"filegate/internal/model"
	"filegate/internal/resolver"
	"filegate/internal/signer"
)

// farFuture is an expiry safely beyond any test run.
const farFuture = int64(9999999999)

// newBackend fakes the link-resolving backend. linkFor maps a download path
// to the storage URL and extra headers for that path.
func newBackend(t *testing.T, resolves *atomic.Int32, linkFor func(path string) (string, map[string][]string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolves.Add(1)
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode resolve request: %v", err)
		}
		storageURL, header := linkFor(req.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    200,
			"message": "success",
			"data":    map[string]any{"url": storageURL, "header": header},
		})
	}))
}

// newGateway wires a real pipeline against the given backend.
func newGateway(backendURL, ownBase string, maxHops int) (*Gateway, *signer.Signer) {
	cfg := &config.Config{
		Sign: config.SignConfig{Secret: "test-secret"},
		Backend: config.BackendConfig{
			BaseURL:         backendURL,
			Token:           "backend-token",
			TimeoutSeconds:  5,
			IdleConnections: 10,
		},
		Gateway: config.GatewayConfig{
			PublicURL:       ownBase,
			MaxRedirectHops: maxHops,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cl := client.New(cfg, logger, nil)
	sg := signer.New(cfg, clock.New())
	rs := resolver.New(cfg, cl, logger)
	ft := fetcher.New(cfg, cl, logger, nil)
	return New(cfg, sg, rs, ft, logger, nil), sg
}

func TestBuildOutboundHeader(t *testing.T) {
	src := http.Header{
		"User-Agent": {"curl/8.0"},
		"Range":      {"bytes=0-99"},
	}
	extra := http.Header{
		"User-Agent": {"storage-agent/1.0"},
		"Cookie":     {"a=1", "b=2"},
	}

	dst := buildOutboundHeader(src, extra)

	if got := dst.Values("User-Agent"); len(got) != 1 || got[0] != "storage-agent/1.0" {
		t.Errorf("User-Agent = %v, want backend value to replace the client's", got)
	}
	if got := dst.Values("Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Cookie = %v, want both backend values", got)
	}
	if got := dst.Get("Range"); got != "bytes=0-99" {
		t.Errorf("Range = %q, want client value preserved", got)
	}

	// The source must stay untouched for replay on pipeline re-entry.
	if got := src.Get("User-Agent"); got != "curl/8.0" {
		t.Errorf("source User-Agent mutated to %q", got)
	}
}

func TestBuildOutboundHeader_NilSource(t *testing.T) {
	dst := buildOutboundHeader(nil, http.Header{"Cookie": {"a=1"}})
	if got := dst.Get("Cookie"); got != "a=1" {
		t.Errorf("Cookie = %q, want %q", got, "a=1")
	}
}

func TestSplitSignedURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantPath string
		wantSign string
		wantErr  bool
	}{
		{
			name:     "path and sign",
			raw:      "https://dl.example.com/a/b.txt?sign=abc=:123",
			wantPath: "/a/b.txt",
			wantSign: "abc=:123",
		},
		{
			name:     "no path",
			raw:      "https://dl.example.com?sign=abc:0",
			wantPath: "/",
			wantSign: "abc:0",
		},
		{
			name:     "no sign",
			raw:      "https://dl.example.com/a",
			wantPath: "/a",
			wantSign: "",
		},
		{
			name:    "unparseable",
			raw:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, sign, err := splitSignedURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("splitSignedURL() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("splitSignedURL() error = %v", err)
			}
			if path != tt.wantPath {
				t.Errorf("path = %q, want %q", path, tt.wantPath)
			}
			if sign != tt.wantSign {
				t.Errorf("sign = %q, want %q", sign, tt.wantSign)
			}
		})
	}
}

func TestSignFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{signer.ErrMissingExpiry, "expire_missing"},
		{signer.ErrInvalidExpiry, "expire_invalid"},
		{signer.ErrExpired, "expire_expired"},
		{signer.ErrSignMismatch, "sign_mismatch"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := signFailureReason(tt.err); got != tt.want {
				t.Errorf("signFailureReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestDownload_HappyPath(t *testing.T) {
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Cookie"); got != "token=xyz" {
			t.Errorf("storage Cookie = %q, want backend-supplied value", got)
		}
		if got := r.Header.Get("Range"); got != "bytes=0-99" {
			t.Errorf("storage Range = %q, want client value forwarded", got)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("partial-bytes"))
	}))
	defer storage.Close()

	var resolves atomic.Int32
	backend := newBackend(t, &resolves, func(path string) (string, map[string][]string) {
		if path != "/files/a.bin" {
			t.Errorf("resolved path = %q, want %q", path, "/files/a.bin")
		}
		return storage.URL + "/obj/1", map[string][]string{"Cookie": {"token=xyz"}}
	})
	defer backend.Close()

	g, sg := newGateway(backend.URL, "https://dl.example.com", 10)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/files/a.bin",
		Sign:   sg.Sign("/files/a.bin", farFuture),
		Header: http.Header{"Range": {"bytes=0-99"}},
	}

	resp, err := g.Download(pr)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusPartialContent)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "partial-bytes" {
		t.Errorf("body = %q, want %q", string(body), "partial-bytes")
	}
	if resolves.Load() != 1 {
		t.Errorf("resolve calls = %d, want 1", resolves.Load())
	}
}

func TestDownload_SignatureRejected(t *testing.T) {
	var resolves atomic.Int32
	backend := newBackend(t, &resolves, func(path string) (string, map[string][]string) {
		return "https://storage.example.com/x", nil
	})
	defer backend.Close()

	g, sg := newGateway(backend.URL, "https://dl.example.com", 10)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/files/a.bin",
		Sign:   sg.Sign("/files/other.bin", farFuture),
		Header: http.Header{},
	}

	_, err := g.Download(pr)
	if !errors.Is(err, signer.ErrSignMismatch) {
		t.Fatalf("Download() error = %v, want ErrSignMismatch", err)
	}
	if resolves.Load() != 0 {
		t.Errorf("resolve calls = %d, want 0 before verification passes", resolves.Load())
	}
}

func TestDownload_SelfRedirect(t *testing.T) {
	const ownBase = "https://dl.example.com"
	var sg *signer.Signer

	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Client"); got != "inbound-value" {
			t.Errorf("second storage X-Client = %q, want original inbound header", got)
		}
		if got := r.Header.Get("Cookie"); got != "second=1" {
			t.Errorf("second storage Cookie = %q, want second link header", got)
		}
		_, _ = w.Write([]byte("moved-object"))
	}))
	defer second.Close()

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", ownBase+"/files/b.bin?sign="+sg.Sign("/files/b.bin", farFuture))
		w.WriteHeader(http.StatusFound)
	}))
	defer first.Close()

	var resolves atomic.Int32
	backend := newBackend(t, &resolves, func(path string) (string, map[string][]string) {
		switch path {
		case "/files/a.bin":
			return first.URL + "/obj/1", map[string][]string{"Cookie": {"first=1"}}
		case "/files/b.bin":
			return second.URL + "/obj/2", map[string][]string{"Cookie": {"second=1"}}
		default:
			t.Errorf("unexpected resolve path %q", path)
			return "", nil
		}
	})
	defer backend.Close()

	g, sg2 := newGateway(backend.URL, ownBase, 10)
	sg = sg2

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/files/a.bin",
		Sign:   sg.Sign("/files/a.bin", farFuture),
		Header: http.Header{"X-Client": {"inbound-value"}},
	}

	resp, err := g.Download(pr)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "moved-object" {
		t.Errorf("body = %q, want %q", string(body), "moved-object")
	}
	if resolves.Load() != 2 {
		t.Errorf("resolve calls = %d, want 2 (one per pipeline pass)", resolves.Load())
	}
}

func TestDownload_SelfRedirectReverifies(t *testing.T) {
	const ownBase = "https://dl.example.com"

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The token in the Location belongs to a different path, so the
		// second pipeline pass must reject it.
		w.Header().Set("Location", ownBase+"/files/b.bin?sign=forged:9999999999")
		w.WriteHeader(http.StatusFound)
	}))
	defer first.Close()

	var resolves atomic.Int32
	backend := newBackend(t, &resolves, func(path string) (string, map[string][]string) {
		return first.URL + "/obj/1", nil
	})
	defer backend.Close()

	g, sg := newGateway(backend.URL, ownBase, 10)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/files/a.bin",
		Sign:   sg.Sign("/files/a.bin", farFuture),
		Header: http.Header{},
	}

	_, err := g.Download(pr)
	if !errors.Is(err, signer.ErrSignMismatch) {
		t.Fatalf("Download() error = %v, want ErrSignMismatch for the re-entered path", err)
	}
	if resolves.Load() != 1 {
		t.Errorf("resolve calls = %d, want 1 (re-entry fails verification before resolving)", resolves.Load())
	}
}

func TestDownload_RedirectBudgetSpansReentries(t *testing.T) {
	const ownBase = "https://dl.example.com"
	var sg *signer.Signer

	var storageHits atomic.Int32
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		storageHits.Add(1)
		w.Header().Set("Location", ownBase+"/files/a.bin?sign="+sg.Sign("/files/a.bin", farFuture))
		w.WriteHeader(http.StatusFound)
	}))
	defer storage.Close()

	var resolves atomic.Int32
	backend := newBackend(t, &resolves, func(path string) (string, map[string][]string) {
		return storage.URL + "/obj", nil
	})
	defer backend.Close()

	g, sg2 := newGateway(backend.URL, ownBase, 2)
	sg = sg2

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/files/a.bin",
		Sign:   sg.Sign("/files/a.bin", farFuture),
		Header: http.Header{},
	}

	_, err := g.Download(pr)
	if !errors.Is(err, fetcher.ErrTooManyRedirects) {
		t.Fatalf("Download() error = %v, want ErrTooManyRedirects", err)
	}
	// Two passes consume the budget; the third fails on its first redirect.
	if resolves.Load() != 3 {
		t.Errorf("resolve calls = %d, want 3", resolves.Load())
	}
	if storageHits.Load() != 3 {
		t.Errorf("storage hits = %d, want 3", storageHits.Load())
	}
}

func TestDownload_BackendErrorPassesThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":404,"message":"object not found"}`))
	}))
	defer backend.Close()

	g, sg := newGateway(backend.URL, "https://dl.example.com", 10)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/gone",
		Sign:   sg.Sign("/gone", farFuture),
		Header: http.Header{},
	}

	_, err := g.Download(pr)
	var apiErr *resolver.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Download() error = %v, want *APIError", err)
	}
	if apiErr.Code != http.StatusNotFound {
		t.Errorf("APIError.Code = %d, want %d", apiErr.Code, http.StatusNotFound)
	}
	if string(apiErr.Body) != `{"code":404,"message":"object not found"}` {
		t.Errorf("APIError.Body = %s, want verbatim backend payload", apiErr.Body)
	}
}
