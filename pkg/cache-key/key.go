package cachekey

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = " "

// CacheKeyer maps requests for one site origin to storage keys.
// Keys have the form `GET <origin><request uri>`; only GET requests are keyed.
type CacheKeyer struct {
	// Site origin in `scheme://host[:port]` form, as seen by browsers.
	Origin string
	scheme string
	host   string
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	return CacheKeyer{
		Origin: origin.Scheme + "://" + origin.Host,
		scheme: strings.ToLower(origin.Scheme),
		host:   normalizeHost(origin.Scheme, origin.Host),
	}
}

// Key returns the storage key for a request.
// The key depends on path and query only; the fragment is never sent by clients.
func (c CacheKeyer) Key(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.KeyForPath(r.URL.RequestURI()), nil
}

// KeyForPath returns the storage key for a GET of the given same-origin path (with optional query).
func (c CacheKeyer) KeyForPath(uri string) string {
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return http.MethodGet + methodSeparator + c.Origin + uri
}

// GetRequestFromKey generates a request equal (caching-wise) to the request that resulted in the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	if !strings.HasPrefix(rawURL, c.Origin+"/") {
		return nil, fmt.Errorf("Key and origin do not match")
	}
	return http.NewRequest(method, rawURL, nil)
}

// URL returns the absolute URL the client requested.
// Relative request targets are resolved against the request's Host and the site scheme.
func (c CacheKeyer) URL(r *http.Request) *url.URL {
	u := *r.URL
	u.Fragment = ""
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = requestScheme(r, c.scheme)
	}
	return &u
}

// SameOrigin reports whether the request targets the site origin.
// The scheme is compared only when the request states it explicitly
// (absolute-form target, TLS, or X-Forwarded-Proto).
func (c CacheKeyer) SameOrigin(r *http.Request) bool {
	scheme := requestScheme(r, "")
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if scheme != "" && scheme != c.scheme {
		return false
	}
	if scheme == "" {
		scheme = c.scheme
	}
	return normalizeHost(scheme, host) == c.host
}

func requestScheme(r *http.Request, fallback string) string {
	if r.URL.Scheme != "" {
		return strings.ToLower(r.URL.Scheme)
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	if r.TLS != nil {
		return "https"
	}
	return fallback
}

// normalizeHost lower-cases the host and strips the default port of the scheme.
func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			return h
		}
	}
	return host
}
