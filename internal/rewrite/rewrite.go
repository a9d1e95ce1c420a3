// Package rewrite turns a raw upstream HTTP response into the response relayed
// to the caller. Header lines are relayed in order with Transfer-Encoding
// removed, and every occurrence of the upstream origin in headers and body is
// replaced with the caller-facing origin.
//
// Substitution is a plain substring replacement, not URL-aware. Text that
// merely contains the upstream origin is rewritten too.
package rewrite

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"mirror-proxy-go/internal/model"
)

var headerBoundary = []byte("\r\n\r\n")

const transferEncoding = "Transfer-Encoding"

// Stats describes what a rewrite did, for logging and metrics.
type Stats struct {
	// Substitutions counts upstream origin occurrences replaced in headers and body.
	Substitutions int
	// TransferEncoding counts dropped Transfer-Encoding lines.
	TransferEncoding int
	// Invalid counts lines that were neither a status line nor a valid header field.
	Invalid int
	// Degenerate is set when the response had no header/body boundary.
	Degenerate bool
}

// Response rewrites raw, the status line, header block and body exactly as
// received from the upstream. It never fails: a response without a blank line
// after the headers is treated as all headers and an empty body.
func Response(raw []byte, rc model.RewriteContext) (*model.ProxyResponse, Stats) {
	var st Stats

	header, body, ok := Split(StripInterim(raw))
	st.Degenerate = !ok

	resp := &model.ProxyResponse{StatusCode: http.StatusOK}

	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if hasPrefixFold(line, transferEncoding) {
			st.TransferEncoding++
			continue
		}

		var n int
		line, n = replaceString(line, rc)
		st.Substitutions += n

		if strings.HasPrefix(line, "HTTP/") {
			code, ok := ParseStatusLine(line)
			if !ok {
				st.Invalid++
				continue
			}
			resp.StatusCode = code
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		if !ok || !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			st.Invalid++
			continue
		}
		resp.Headers = append(resp.Headers, model.HeaderLine{Name: name, Value: value})
	}

	var n int
	resp.Body, n = replaceBytes(body, rc)
	st.Substitutions += n

	return resp, st
}

// StripInterim removes every leading interim block such as "100 Continue"
// or "103 Early Hints" (status line through the first blank line). A 101
// Switching Protocols head is final and kept, as is anything else.
func StripInterim(raw []byte) []byte {
	for {
		end := bytes.IndexByte(raw, '\n')
		if end < 0 {
			return raw
		}
		code, ok := ParseStatusLine(strings.TrimSpace(string(raw[:end])))
		if !ok || code >= http.StatusOK || code == http.StatusSwitchingProtocols {
			return raw
		}
		i := bytes.Index(raw, headerBoundary)
		if i < 0 {
			return raw
		}
		raw = raw[i+len(headerBoundary):]
	}
}

// Split cuts raw at the first CRLF CRLF. When there is none, the whole input
// is the header block, body is empty and ok is false.
func Split(raw []byte) (header, body []byte, ok bool) {
	header, body, ok = bytes.Cut(raw, headerBoundary)
	if !ok {
		return raw, nil, false
	}
	return header, body, true
}

// ParseStatusLine extracts the code from "HTTP/x.y NNN reason".
func ParseStatusLine(line string) (int, bool) {
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields[1]) != 3 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func replaceString(s string, rc model.RewriteContext) (string, int) {
	if rc.UpstreamOrigin == "" {
		return s, 0
	}
	n := strings.Count(s, rc.UpstreamOrigin)
	if n == 0 {
		return s, 0
	}
	return strings.ReplaceAll(s, rc.UpstreamOrigin, rc.CallerOrigin), n
}

// replaceBytes always returns a fresh slice; raw may live in a pooled buffer.
func replaceBytes(b []byte, rc model.RewriteContext) ([]byte, int) {
	if rc.UpstreamOrigin == "" {
		return bytes.Clone(b), 0
	}
	old := []byte(rc.UpstreamOrigin)
	n := bytes.Count(b, old)
	if n == 0 {
		return bytes.Clone(b), 0
	}
	return bytes.ReplaceAll(b, old, []byte(rc.CallerOrigin)), n
}
