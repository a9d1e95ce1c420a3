// Package client provides the upstream HTTP client. It captures responses as
// raw bytes: the header blocks exactly as sent on the wire followed by the
// decoded body.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/valyala/bytebufferpool"

	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/metrics"
	"mirror-proxy-go/internal/rewrite"
)

// maxHeadBytes bounds the status line and header blocks of one response.
const maxHeadBytes = 1 << 20

// ErrResponseTooLarge is returned when an upstream body exceeds the configured limit.
var ErrResponseTooLarge = errors.New("upstream response too large")

// RawResponse holds an upstream response as received. Bytes stay valid until Release.
type RawResponse struct {
	// StatusCode of the final (non-interim) response, 0 when it could not be parsed.
	StatusCode int

	buf *bytebufferpool.ByteBuffer
}

// Bytes returns the raw status line, headers and body.
func (r *RawResponse) Bytes() []byte { return r.buf.B }

// Release returns the underlying buffer to the pool.
func (r *RawResponse) Release() {
	if r.buf != nil {
		bytebufferpool.Put(r.buf)
		r.buf = nil
	}
}

// UpstreamClient sends one request per call over a dedicated connection.
// It holds no per-request state and is safe for concurrent use.
type UpstreamClient struct {
	dialer      *net.Dialer
	tlsConfig   *tls.Config
	timeout     time.Duration
	maxResponse int64
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient bounded by the configured timeout.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	maxResponse := cfg.Upstream.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = 64 * humanize.MiByte
	}
	return &UpstreamClient{
		dialer: &net.Dialer{
			Timeout:   cfg.Upstream.Timeout(),
			KeepAlive: -1,
		},
		timeout:     cfg.Upstream.Timeout(),
		maxResponse: maxResponse,
		logger:      logger.With("component", "upstream_client"),
		metrics:     m,
	}
}

// Fetch builds a request and executes it with Do.
func (c *UpstreamClient) Fetch(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*RawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &UpstreamUnavailableError{Err: fmt.Errorf("build upstream request: %w", err)}
	}
	if header != nil {
		req.Header = header
	}
	return c.Do(req)
}

// Do sends req and returns the raw response. Every failure is an
// *UpstreamUnavailableError. The caller must Release the result.
func (c *UpstreamClient) Do(req *http.Request) (*RawResponse, error) {
	ctx := req.Context()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req = req.WithContext(ctx)

	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := c.roundTrip(ctx, req)
	duration := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		uerr := &UpstreamUnavailableError{Err: err}
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamFailures.WithLabelValues(uerr.Reason()).Inc()
		}
		return nil, uerr
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	c.logger.Debug("upstream response",
		"status", resp.StatusCode,
		"size", humanize.Bytes(uint64(len(resp.Bytes()))),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return resp, nil
}

func (c *UpstreamClient) roundTrip(ctx context.Context, req *http.Request) (*RawResponse, error) {
	conn, err := c.dial(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	// Unblock pending reads and writes when the context ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	req.Close = true
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("write request: %w", withCause(ctx, err))
	}

	buf := bytebufferpool.Get()
	resp, err := c.readResponse(bufio.NewReader(conn), req, buf)
	if err != nil {
		bytebufferpool.Put(buf)
		return nil, withCause(ctx, err)
	}
	return resp, nil
}

// readResponse copies the header blocks verbatim into buf, keeping 100
// Continue blocks and discarding other interim responses, then appends the
// decoded body.
func (c *UpstreamClient) readResponse(br *bufio.Reader, req *http.Request, buf *bytebufferpool.ByteBuffer) (*RawResponse, error) {
	out := &RawResponse{buf: buf}

	var final int
	for {
		final = buf.Len()
		code, complete, err := readHead(br, buf)
		if err != nil {
			return nil, err
		}
		out.StatusCode = code
		if !complete {
			// Connection closed before the blank line; relay what arrived.
			return out, nil
		}
		if code < 100 || code >= 200 || code == http.StatusSwitchingProtocols {
			break
		}
		// Only 100 Continue blocks are relayed to the rewriter; other interim
		// heads such as 103 Early Hints are dropped here.
		if code != http.StatusContinue {
			buf.B = buf.B[:final]
		}
	}

	head := bytes.Clone(buf.B[final:])
	resp, err := http.ReadResponse(bufio.NewReader(io.MultiReader(bytes.NewReader(head), br)), req)
	if err != nil {
		// Unparseable head: relay the remaining bytes undecoded.
		c.logger.Debug("upstream head not parseable, relaying raw", "err", err)
		if err := c.copyBody(buf, br); err != nil {
			return nil, err
		}
		return out, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.copyBody(buf, resp.Body); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *UpstreamClient) copyBody(buf *bytebufferpool.ByteBuffer, r io.Reader) error {
	n, err := io.Copy(buf, io.LimitReader(r, c.maxResponse+1))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if n > c.maxResponse {
		return fmt.Errorf("%w: more than %s", ErrResponseTooLarge, humanize.IBytes(uint64(c.maxResponse)))
	}
	return nil
}

// readHead appends one header block (status line through blank line) to buf.
// complete is false when the stream ended before the blank line.
func readHead(br *bufio.Reader, buf *bytebufferpool.ByteBuffer) (int, bool, error) {
	start := buf.Len()
	code := 0
	first := true
	for {
		line, err := br.ReadBytes('\n')
		_, _ = buf.Write(line)
		if buf.Len()-start > maxHeadBytes {
			return 0, false, fmt.Errorf("read response head: larger than %s", humanize.IBytes(maxHeadBytes))
		}
		if first && len(line) > 0 {
			code, _ = rewrite.ParseStatusLine(strings.TrimSpace(string(line)))
			first = false
		}
		if err == io.EOF {
			if buf.Len() == start {
				return 0, false, fmt.Errorf("read response head: %w", io.ErrUnexpectedEOF)
			}
			return code, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("read response head: %w", err)
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return code, true, nil
		}
	}
}

func (c *UpstreamClient) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	host := u.Hostname()
	port := u.Port()

	switch u.Scheme {
	case "http":
		if port == "" {
			port = "80"
		}
		conn, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("dial upstream: %w", err)
		}
		return conn, nil
	case "https":
		if port == "" {
			port = "443"
		}
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if c.tlsConfig != nil {
			tlsConfig = c.tlsConfig.Clone()
		}
		tlsConfig.ServerName = host
		tlsConfig.NextProtos = []string{"http/1.1"}
		d := &tls.Dialer{NetDialer: c.dialer, Config: tlsConfig}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("dial upstream: %w", err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("dial upstream: unsupported scheme %q", u.Scheme)
	}
}

// withCause attaches the context error when the context ended the call, so
// deadline-induced I/O errors are reported as timeouts.
func withCause(ctx context.Context, err error) error {
	cerr := ctx.Err()
	if cerr == nil || errors.Is(err, cerr) {
		return err
	}
	return fmt.Errorf("%w: %w", cerr, err)
}
