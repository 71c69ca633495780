package proxy

import (
	"net/http"
	"strings"
)

// ServerName is the value written into the Server response header.
const ServerName = "wharf"

// Hop-by-hop headers per RFC 9110 section 7.6.1. These describe one
// connection and never cross the proxy in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders strips the hop-by-hop set plus anything the Connection
// header itself names.
func removeHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// appendForwardedFor appends the client address to any existing
// X-Forwarded-For chain.
func appendForwardedFor(h http.Header, clientAddr string) {
	if clientAddr == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientAddr)
	} else {
		h.Set("X-Forwarded-For", clientAddr)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// stripPrefix removes prefix from path on whole-segment boundaries.
// stripPrefix("/billing/invoices", "/billing") is "/invoices";
// stripPrefix("/billingx", "/billing") is unchanged.
func stripPrefix(path, prefix string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	rest, found := strings.CutPrefix(path, prefix)
	if !found {
		return path
	}
	if rest == "" {
		return "/"
	}
	if rest[0] != '/' {
		return path
	}
	return rest
}
