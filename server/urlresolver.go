package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// ErrUnresolvedURL is returned when no base URL can be derived for a request.
var ErrUnresolvedURL = errors.New("unable to resolve server url from headers")

// URLResolver builds the base URL embedded in upload and download links.
//
// Sources, in order: the configured URL, the first entry of an RFC 7239
// Forwarded header carrying both proto and host, the first values of
// X-Forwarded-Proto, X-Forwarded-Host and X-Forwarded-Port, and finally the
// Host header. The leftmost proxy entry is used since it describes the
// client's original request.
type URLResolver struct {
	fixed *url.URL
}

// NewURLResolver creates a resolver. An empty fixed URL resolves from
// request headers.
func NewURLResolver(fixed string) (*URLResolver, error) {
	if fixed == "" {
		return &URLResolver{}, nil
	}
	u, err := url.Parse(fixed)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("server url must be absolute")
	}
	return &URLResolver{fixed: u}, nil
}

// Resolve returns the base URL for r without a trailing slash.
func (u *URLResolver) Resolve(r *http.Request) (string, error) {
	if u.fixed != nil {
		return strings.TrimRight(u.fixed.String(), "/"), nil
	}
	for _, from := range []func(*http.Request) string{fromForwarded, fromXForwarded, fromHost} {
		if base := from(r); base != "" {
			return base, nil
		}
	}
	return "", ErrUnresolvedURL
}

// Join resolves the base URL and appends path segments.
func (u *URLResolver) Join(r *http.Request, elem ...string) (string, error) {
	base, err := u.Resolve(r)
	if err != nil {
		return "", err
	}
	for i, e := range elem {
		elem[i] = url.PathEscape(e)
	}
	return base + "/" + strings.Join(elem, "/"), nil
}

func fromForwarded(r *http.Request) string {
	value := r.Header.Get("Forwarded")
	if value == "" {
		return ""
	}
	first, _, _ := strings.Cut(value, ",")

	var proto, host string
	for _, directive := range strings.Split(first, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok {
			continue
		}
		val = strings.Trim(val, `"`)
		switch strings.ToLower(key) {
		case "proto":
			proto = val
		case "host":
			host = val
		}
	}
	if proto == "" || host == "" {
		return ""
	}
	return build(proto, host)
}

func fromXForwarded(r *http.Request) string {
	host := firstValue(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		return ""
	}
	proto := firstValue(r.Header.Get("X-Forwarded-Proto"))
	if proto == "" {
		proto = "http"
	}
	if port := firstValue(r.Header.Get("X-Forwarded-Port")); port != "" {
		host += ":" + port
	}
	return build(proto, host)
}

func fromHost(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if strings.HasSuffix(r.Host, ":443") || firstValue(r.Header.Get("X-Forwarded-Proto")) == "https" {
		scheme = "https"
	}
	return build(scheme, r.Host)
}

// build validates scheme://host and returns it, or "" if it does not parse.
func build(scheme, host string) string {
	u, err := url.Parse(scheme + "://" + host)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimRight(u.String(), "/")
}

func firstValue(header string) string {
	first, _, _ := strings.Cut(header, ",")
	return strings.TrimSpace(first)
}
