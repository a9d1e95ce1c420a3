// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"mirror-proxy-go/internal/client"
	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/metrics"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/rewrite"
)

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Cache-Control",
	"Cookie",
	"If-Modified-Since",
	"If-None-Match",
}

const (
	userAgent       = "mirror-proxy-go/1.0"
	formContentType = "application/x-www-form-urlencoded"
)

// ProxyService maps inbound requests onto the upstream origin, forwards them
// and rewrites the responses.
type ProxyService struct {
	client      *client.UpstreamClient
	logger      *slog.Logger
	metrics     *metrics.Metrics
	origin      string
	stripTokens []string
}

// NewProxyService creates a ProxyService for the configured upstream.
// The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:      c,
		logger:      logger.With("component", "proxy_service"),
		metrics:     m,
		origin:      strings.TrimRight(cfg.Upstream.BaseURL, "/"),
		stripTokens: cfg.Upstream.StripTokens,
	}
}

// Origin returns the upstream origin requests are forwarded to.
func (s *ProxyService) Origin() string {
	return s.origin
}

// Forward sends a ProxyRequest upstream and returns the rewritten response.
// Upstream failures match client.ErrUpstreamUnavailable.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.BuildUpstreamURL(pr.URI)
	header := s.filterRequestHeaders(pr.Header)

	body := pr.Body
	if pr.Form != nil {
		body = strings.NewReader(pr.Form.Encode())
		header.Set("Content-Type", formContentType)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"uri", pr.URI,
	)

	raw, err := s.client.Fetch(pr.Ctx, pr.Method, upstreamURL, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer raw.Release()

	resp, st := rewrite.Response(raw.Bytes(), model.RewriteContext{
		UpstreamOrigin: s.origin,
		CallerOrigin:   pr.CallerOrigin,
	})
	s.record(pr, st)

	return resp, nil
}

// BuildUpstreamURL appends the inbound request URI to the upstream origin
// verbatim, after removing any configured strip tokens from the URI.
func (s *ProxyService) BuildUpstreamURL(uri string) string {
	for _, tok := range s.stripTokens {
		uri = strings.ReplaceAll(uri, tok, "")
	}
	return s.origin + uri
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if ct := src.Get("Content-Type"); ct != "" {
		dst.Set("Content-Type", ct)
	}
	dst.Set("User-Agent", userAgent)
	// Bodies must arrive uncompressed to be rewritten.
	dst.Set("Accept-Encoding", "identity")
	return dst
}

func (s *ProxyService) record(pr *model.ProxyRequest, st rewrite.Stats) {
	if st.Degenerate {
		s.logger.Debug("upstream response has no header/body boundary",
			"method", pr.Method,
			"uri", pr.URI,
		)
	}
	if s.metrics == nil {
		return
	}
	s.metrics.Substitutions.Add(float64(st.Substitutions))
	if st.TransferEncoding > 0 {
		s.metrics.DroppedHeaderLines.WithLabelValues("transfer_encoding").Add(float64(st.TransferEncoding))
	}
	if st.Invalid > 0 {
		s.metrics.DroppedHeaderLines.WithLabelValues("invalid").Add(float64(st.Invalid))
	}
	if st.Degenerate {
		s.metrics.DegenerateResponses.Inc()
	}
}
