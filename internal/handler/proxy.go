package handler

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/client"
	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/service"
)

// framingHeaders describe the upstream message framing. The server computes
// its own for the rewritten body, so these are never relayed.
var framingHeaders = map[string]bool{
	"Content-Length": true,
	"Connection":     true,
	"Keep-Alive":     true,
}

// ProxyHandler forwards every non-reserved request to the upstream origin.
type ProxyHandler struct {
	service        *service.ProxyService
	logger         *slog.Logger
	trustForwarded bool
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:        svc,
		logger:         logger.With("component", "proxy_handler"),
		trustForwarded: cfg.Server.TrustForwardedProto,
	}
}

// Handle proxies the request upstream and writes the rewritten response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:          req.Context(),
		Method:       req.Method,
		URI:          requestURI(req),
		Header:       req.Header,
		CallerOrigin: h.callerOrigin(c),
	}
	if err := readBody(c, pr); err != nil {
		return err
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	// HTTP/1.x connections are written by hand so header lines keep the
	// upstream order; net/http would sort them by name.
	if req.ProtoMajor == 1 {
		conn, rw, err := http.NewResponseController(c.Response().Writer).Hijack()
		if err == nil {
			h.writeRaw(c, conn, rw, resp)
			return nil
		}
	}
	h.writeHeaderMap(c, resp)
	return nil
}

// writeRaw sends resp over a hijacked HTTP/1.x connection and closes it.
func (h *ProxyHandler) writeRaw(c echo.Context, conn net.Conn, rw *bufio.ReadWriter, resp *model.ProxyResponse) {
	defer func() { _ = conn.Close() }()

	req := c.Request()
	w := rw.Writer
	hasBody := bodyAllowed(resp.StatusCode)

	_, _ = w.WriteString("HTTP/1.1 " + strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode) + "\r\n")
	for _, line := range resp.Headers {
		if framingHeaders[http.CanonicalHeaderKey(line.Name)] {
			continue
		}
		_, _ = w.WriteString(line.Name + ": " + line.Value + "\r\n")
	}
	// Headers set by middleware, such as X-Request-Id, follow the upstream's.
	_ = c.Response().Header().Write(w)
	if hasBody && req.Method != http.MethodHead {
		_, _ = w.WriteString("Content-Length: " + strconv.Itoa(len(resp.Body)) + "\r\n")
	}
	_, _ = w.WriteString("Connection: close\r\n\r\n")

	var n int
	if hasBody && req.Method != http.MethodHead {
		n, _ = w.Write(resp.Body)
	}

	res := c.Response()
	res.Status = resp.StatusCode
	res.Size = int64(n)
	res.Committed = true

	// The status has already been sent, so a failed write can only be logged.
	if err := w.Flush(); err != nil {
		h.logger.Error("writing response",
			"err", err,
			"uri", requestURI(req),
		)
	}
}

// writeHeaderMap emits resp through the regular ResponseWriter. Used for
// HTTP/2 callers and writers that cannot be hijacked.
func (h *ProxyHandler) writeHeaderMap(c echo.Context, resp *model.ProxyResponse) {
	req := c.Request()
	header := c.Response().Header()
	for _, line := range resp.Headers {
		if framingHeaders[http.CanonicalHeaderKey(line.Name)] {
			continue
		}
		header.Add(line.Name, line.Value)
	}
	// A nil value stops net/http from sniffing a Content-Type the upstream never sent.
	if _, ok := header[echo.HeaderContentType]; !ok {
		header[echo.HeaderContentType] = nil
	}
	hasBody := bodyAllowed(resp.StatusCode) && req.Method != http.MethodHead
	if hasBody {
		header.Set(echo.HeaderContentLength, strconv.Itoa(len(resp.Body)))
	}

	c.Response().WriteHeader(resp.StatusCode)

	if !hasBody || len(resp.Body) == 0 {
		return
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"uri", requestURI(req),
		)
	}
}

// callerOrigin is the origin the caller used to reach the proxy. Forwarded
// scheme headers count only when the deployment trusts them.
func (h *ProxyHandler) callerOrigin(c echo.Context) string {
	scheme := "http"
	if c.IsTLS() {
		scheme = "https"
	}
	if h.trustForwarded {
		scheme = c.Scheme()
	}
	return scheme + "://" + c.Request().Host
}

func bodyAllowed(code int) bool {
	return code >= http.StatusOK && code != http.StatusNoContent && code != http.StatusNotModified
}

// mapError writes the upstream failure description as a plain-text body.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"uri", requestURI(c.Request()),
	)

	var uerr *client.UpstreamUnavailableError
	if errors.As(err, &uerr) {
		code := http.StatusBadGateway
		if uerr.Timeout() {
			code = http.StatusGatewayTimeout
		}
		return c.String(code, uerr.Error())
	}

	return c.String(http.StatusBadGateway, err.Error())
}

// requestURI returns the inbound request target as sent by the client.
func requestURI(req *http.Request) string {
	if len(req.RequestURI) > 0 && req.RequestURI[0] == '/' {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}

// readBody attaches the inbound body to pr. POST forms are parsed so their
// fields can be re-encoded; anything else is forwarded byte for byte.
func readBody(c echo.Context, pr *model.ProxyRequest) error {
	req := c.Request()

	if req.Method == http.MethodPost && isForm(req.Header.Get(echo.HeaderContentType)) {
		if _, err := c.FormParams(); err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return err
			}
			return echo.NewHTTPError(http.StatusBadRequest, "malformed form body").SetInternal(err)
		}
		pr.Form = req.PostForm
		return nil
	}

	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		pr.Body = bytes.NewReader(data)
	}
	return nil
}

func isForm(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == echo.MIMEApplicationForm || mt == echo.MIMEMultipartForm
}
