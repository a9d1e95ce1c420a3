// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// URI is the inbound request target: raw path plus "?" and raw query when present.
	URI    string
	Header http.Header
	Body   io.Reader
	// Form holds parsed POST form fields. When non-nil it replaces Body upstream.
	Form url.Values
	// CallerOrigin is the scheme and host the client used to reach the proxy.
	CallerOrigin string
}

// RewriteContext is the substitution pair applied to upstream responses.
type RewriteContext struct {
	UpstreamOrigin string
	CallerOrigin   string
}

// HeaderLine is a single response header in emission order.
type HeaderLine struct {
	Name  string
	Value string
}

// ProxyResponse is the rewritten response to be written back to the caller.
type ProxyResponse struct {
	StatusCode int
	Headers    []HeaderLine
	Body       []byte
}
