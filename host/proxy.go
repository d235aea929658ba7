package host

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// Proxy describes the HTTP proxy remote hosts are reached through.
type Proxy struct {
	// URL of the proxy, such as "http://proxy.example.com:3128". Empty
	// means the proxy is taken from the environment.
	URL      string `toml:"url" yaml:"url"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`

	// Excludes lists host names reached directly. A leading "*" matches
	// any prefix, so "*.example.com" excludes every host in the domain.
	Excludes []string `toml:"excludes" yaml:"excludes"`
}

// Func returns the proxy selection function for an http.Transport.
func (p *Proxy) Func() (func(*http.Request) (*url.URL, error), error) {
	if p == nil || p.URL == "" {
		return http.ProxyFromEnvironment, nil
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" {
		return nil, errors.Errorf("invalid proxy url %q", p.URL)
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return func(r *http.Request) (*url.URL, error) {
		if p.Excluded(r.URL.Hostname()) {
			return nil, nil
		}
		return u, nil
	}, nil
}

// Excluded is true if requests to hostname bypass the proxy.
func (p *Proxy) Excluded(hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, pattern := range p.Excludes {
		if ok, _ := path.Match(strings.ToLower(pattern), hostname); ok {
			return true
		}
	}
	return false
}
