package host

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/certifi/gocertifi"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/ttlcache"
)

// HTTPHost fetches artifacts from a remote web server.
//
// The set of groups the host is known to carry is read from the optional
// index document when the host is created. It is either a JSON object with
// a "groups" string array, or a text file with one group per line.
type HTTPHost struct {
	info
	base   *url.URL
	token  string
	client *http.Client
	log    *zap.Logger
	conns  *ConnectionCache
	locks  keyedMutex

	m      sync.RWMutex // protects groups
	groups map[string]struct{}
}

var (
	_ Host     = &HTTPHost{}
	_ Disposer = &HTTPHost{}
	_ Checker  = &HTTPHost{}
)

// NewHTTP creates an HTTP host and loads its index, if it has one.
func NewHTTP(ctx context.Context, m Model, opts Options) (*HTTPHost, error) {
	in, err := newInfo(m, opts.Layouts)
	if err != nil {
		return nil, err
	}
	base, err := m.BaseURL()
	if err != nil {
		return nil, err
	}
	h := &HTTPHost{
		info:   in,
		base:   base,
		token:  m.Token,
		log:    opts.logger().With(zap.String("host", m.ID)),
		conns:  NewConnectionCache(0, ttlcache.WithLogger(opts.logger())),
		groups: make(map[string]struct{}),
	}
	h.client, err = newClient(base, m.Trusted, m.timeout(), opts.Proxy)
	if err != nil {
		return nil, err
	}
	index, err := m.IndexURL()
	if err != nil {
		return nil, err
	}
	if index != nil {
		if err := h.LoadIndex(ctx, index.String()); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// newClient builds the client and its transport. Requests go through the
// configured proxy, or the one from the environment. Certificates are
// checked against the certifi root bundle unless the host is trusted, in
// which case they are not checked.
func newClient(base *url.URL, trusted bool, timeout time.Duration, proxy *Proxy) (*http.Client, error) {
	pf, err := proxy.Func()
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = pf
	if base.Scheme == "https" {
		config := &tls.Config{InsecureSkipVerify: trusted}
		if !trusted {
			pool, err := gocertifi.CACerts()
			if err != nil {
				return nil, errors.Wrap(err, "loading root certificates")
			}
			config.RootCAs = pool
		}
		tr.TLSClientConfig = config
	}
	return &http.Client{Timeout: timeout, Transport: tr}, nil
}

// Base returns the host's base URL.
func (h *HTTPHost) Base() string { return h.base.String() }

// URL returns the remote location of a.
func (h *HTTPHost) URL(a artifact.Artifact) string {
	ref := &url.URL{Path: h.layout.Path(a)}
	return h.base.ResolveReference(ref).String()
}

// LoadIndex replaces the known groups with those listed at href.
func (h *HTTPHost) LoadIndex(ctx context.Context, href string) error {
	resp, err := h.get(ctx, href)
	if err != nil {
		return errors.Wrapf(err, "unable to read the groups from %s", href)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return errors.Errorf("unable to read the groups from %s: %s", href, resp.Status)
	}
	groups, err := parseIndex(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "unable to read the groups from %s", href)
	}
	h.SetGroups(groups)
	h.log.Debug("loaded index", zap.String("index", href), zap.Int("groups", len(groups)))
	return nil
}

func parseIndex(r io.Reader) ([]string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if t := bytes.TrimSpace(content); len(t) > 0 && t[0] == '{' {
		v, err := jason.NewObjectFromBytes(t)
		if err != nil {
			return nil, err
		}
		return v.GetStringArray("groups")
	}
	var groups []string
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		groups = append(groups, line)
	}
	return groups, scanner.Err()
}

// SetGroups replaces the known groups.
func (h *HTTPHost) SetGroups(groups []string) {
	m := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		m[g] = struct{}{}
	}
	h.m.Lock()
	h.groups = m
	h.m.Unlock()
}

// Known is true if the host's index lists the artifact's group.
func (h *HTTPHost) Known(a artifact.Artifact) bool {
	h.m.RLock()
	defer h.m.RUnlock()
	_, ok := h.groups[a.Group()]
	return ok
}

// Has answers knownOnly checks from the index. Otherwise it asks the
// server, keeping the open response for the download that follows.
func (h *HTTPHost) Has(ctx context.Context, a artifact.Artifact, knownOnly bool) (bool, error) {
	if knownOnly {
		return h.Known(a), nil
	}
	resp, err := h.open(ctx, a)
	if errors.Cause(err) == ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	h.conns.Put(a, resp)
	return true, nil
}

// Exists asks the server with a HEAD request. Nothing is kept for a later
// download.
func (h *HTTPHost) Exists(ctx context.Context, a artifact.Artifact) (bool, error) {
	resp, err := h.do(ctx, "HEAD", h.URL(a))
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		return true, nil
	case 404:
		return false, nil
	case 401, 403:
		return false, errors.Wrapf(ErrUnauthorized, "%s", h.URL(a))
	}
	return false, fmt.Errorf("%s: unexpected status %s", h.URL(a), resp.Status)
}

// Download copies the artifact to w. Downloads of the same artifact from
// this host are serialized.
func (h *HTTPHost) Download(ctx context.Context, a artifact.Artifact, w io.Writer) (time.Time, error) {
	key := a.String()
	h.locks.Lock(key)
	defer h.locks.Unlock(key)

	resp := h.conns.Take(a)
	if resp == nil {
		var err error
		resp, err = h.open(ctx, a)
		if err != nil {
			return time.Time{}, err
		}
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return time.Time{}, errors.Wrapf(err, "downloading %s", h.URL(a))
	}
	var modified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		modified, _ = http.ParseTime(lm)
	}
	return modified, nil
}

// open makes a GET request for a and classifies the response.
func (h *HTTPHost) open(ctx context.Context, a artifact.Artifact) (*http.Response, error) {
	resp, err := h.get(ctx, h.URL(a))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case 200:
		return resp, nil
	case 401, 403:
		resp.Body.Close()
		return nil, errors.Wrapf(ErrUnauthorized, "%s", h.URL(a))
	case 404:
		resp.Body.Close()
		return nil, errors.Wrapf(ErrNotFound, "%s", h.URL(a))
	}
	resp.Body.Close()
	return nil, fmt.Errorf("%s: unexpected status %s", h.URL(a), resp.Status)
}

func (h *HTTPHost) get(ctx context.Context, href string) (*http.Response, error) {
	return h.do(ctx, "GET", href)
}

func (h *HTTPHost) do(ctx context.Context, method, href string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, href, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("X-Api-Key", h.token)
	}
	return h.client.Do(req)
}

// Upload PUTs the content to the artifact's URL.
func (h *HTTPHost) Upload(ctx context.Context, a artifact.Artifact, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, "PUT", h.URL(a), r)
	if err != nil {
		return err
	}
	if h.token != "" {
		req.Header.Set("X-Api-Key", h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		raven.CaptureError(err, map[string]string{"host": h.id, "artifact": a.String()})
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200, 201, 204:
		return nil
	case 401, 403:
		return errors.Wrapf(ErrUnauthorized, "%s", h.URL(a))
	case 409:
		return errors.Wrapf(ErrExists, "%s", h.URL(a))
	}
	return fmt.Errorf("uploading to %s: unexpected status %s", h.URL(a), resp.Status)
}

// Dispose closes any responses kept from presence checks.
func (h *HTTPHost) Dispose() error {
	return h.conns.Close()
}
