package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/metrics"
)

func newTestClient(m *metrics.Metrics) *UpstreamClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:   10,
			MaxResponseBytes: 1 << 20,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// rawServer accepts a single connection, consumes the request head and
// writes response verbatim. When hang is set it never answers.
func rawServer(t *testing.T, response string, hang bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		_ = ln.Close()
	})

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		if hang {
			<-done
			return
		}
		_, _ = conn.Write([]byte(response))
	}()

	return "http://" + ln.Addr().String()
}

func TestUpstreamClient_Fetch_RawBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/page", r.URL.Path)
		assert.Equal(t, "a=1&b=2", r.URL.RawQuery)
		w.Header().Set("X-Test", "yes")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL+"/page?a=1&b=2", http.Header{}, nil)
	require.NoError(t, err)
	defer resp.Release()

	raw := string(resp.Bytes())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"), "raw = %q", raw)
	assert.Contains(t, raw, "\r\nX-Test: yes\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nhello"), "raw = %q", raw)
}

func TestUpstreamClient_Fetch_ChunkedBodyDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello "))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("world"))
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	defer resp.Release()

	raw := string(resp.Bytes())
	assert.Contains(t, raw, "Transfer-Encoding: chunked\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nhello world"), "raw = %q", raw)
}

func TestUpstreamClient_Fetch_InterimBlockKept(t *testing.T) {
	url := rawServer(t, "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", false)

	c := newTestClient(nil)
	resp, err := c.Fetch(context.Background(), http.MethodGet, url, nil, nil)
	require.NoError(t, err)
	defer resp.Release()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", string(resp.Bytes()))
}

func TestUpstreamClient_Fetch_EarlyHintsDropped(t *testing.T) {
	url := rawServer(t, "HTTP/1.1 103 Early Hints\r\nLink: </a.css>; rel=preload\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 9\r\n\r\nreal body", false)

	c := newTestClient(nil)
	resp, err := c.Fetch(context.Background(), http.MethodGet, url, nil, nil)
	require.NoError(t, err)
	defer resp.Release()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 9\r\n\r\nreal body", string(resp.Bytes()))
}

func TestUpstreamClient_Fetch_TruncatedHead(t *testing.T) {
	url := rawServer(t, "HTTP/1.1 200 OK\r\nX-Partial: 1\r\n", false)

	c := newTestClient(nil)
	resp, err := c.Fetch(context.Background(), http.MethodGet, url, nil, nil)
	require.NoError(t, err)
	defer resp.Release()

	assert.Equal(t, "HTTP/1.1 200 OK\r\nX-Partial: 1\r\n", string(resp.Bytes()))
}

func TestUpstreamClient_Fetch_POSTBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "1", r.PostForm.Get("a"))
		assert.Equal(t, "2", r.PostForm.Get("b"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(nil)
	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	resp, err := c.Fetch(context.Background(), http.MethodPost, srv.URL, header, strings.NewReader("a=1&b=2"))
	require.NoError(t, err)
	defer resp.Release()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestUpstreamClient_Fetch_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	c := newTestClient(nil)
	c.tlsConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}

	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	defer resp.Release()

	assert.True(t, strings.HasSuffix(string(resp.Bytes()), "\r\n\r\nsecure"))
}

func TestUpstreamClient_Fetch_Unreachable(t *testing.T) {
	m := metrics.New()
	c := newTestClient(m)

	_, err := c.Fetch(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.NotEmpty(t, err.Error())

	var uerr *UpstreamUnavailableError
	require.True(t, errors.As(err, &uerr))
	assert.False(t, uerr.Timeout())
	assert.Equal(t, float64(1), counterValue(t, m.UpstreamFailures.WithLabelValues(uerr.Reason())))
}

func TestUpstreamClient_Fetch_Timeout(t *testing.T) {
	url := rawServer(t, "", true)

	c := newTestClient(nil)
	c.timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := c.Fetch(context.Background(), http.MethodGet, url, nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var uerr *UpstreamUnavailableError
	require.True(t, errors.As(err, &uerr))
	assert.True(t, uerr.Timeout())
	assert.Equal(t, "timeout", uerr.Reason())
}

func TestUpstreamClient_Fetch_CanceledContext(t *testing.T) {
	url := rawServer(t, "", true)

	c := newTestClient(nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.Fetch(ctx, http.MethodGet, url, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
}

func TestUpstreamClient_Fetch_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	c := newTestClient(nil)
	c.maxResponse = 1024

	_, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResponseTooLarge))

	var uerr *UpstreamUnavailableError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "too_large", uerr.Reason())
}

func TestUpstreamClient_Fetch_RecordsResponseMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(m)

	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	resp.Release()

	assert.Equal(t, float64(1), counterValue(t, m.UpstreamResponses.WithLabelValues("GET", "418")))
}

func TestUpstreamClient_Fetch_BadURL(t *testing.T) {
	c := newTestClient(nil)

	_, err := c.Fetch(context.Background(), http.MethodGet, "http://bad host/", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
}
