package server

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/cache"
	"github.com/dpml/transit/host"
)

var (
	core     = artifact.MustParse("artifact:jar:acme/widgets/core#1.0")
	modified = time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)
)

// newDepot returns a test server over a cache whose single upstream host
// holds core.
func newDepot(t *testing.T, s *Server) (*httptest.Server, *cache.Handler) {
	upstream, err := host.NewMemory(host.Model{ID: "upstream", URL: "mem:"}, host.Options{})
	if err != nil {
		t.Fatal(err)
	}
	upstream.Put(core, []byte("core content"), modified)
	h, err := cache.New(context.Background(), cache.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Register(upstream); err != nil {
		t.Fatal(err)
	}
	s.Cache = h
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		h.Dispose()
	})
	return ts, h
}

func do(t *testing.T, verb, u string, body string, header map[string]string) (int, string, http.Header) {
	req, err := http.NewRequest(verb, u, strings.NewReader(body))
	if err != nil {
		t.Fatal("Problem creating request", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(u, err)
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(u, err)
	}
	return resp.StatusCode, string(b), resp.Header
}

func TestArtifactRoutes(t *testing.T) {
	ts, h := newDepot(t, &Server{})
	layoutPath := "/artifact/" + h.Layout().Path(core)

	if status, _, _ := do(t, "GET", ts.URL+layoutPath, "", nil); status != 404 {
		t.Errorf("got %d for an uncached artifact, expected 404", status)
	}

	resolve := ts.URL + "/resolve?uri=" + url.QueryEscape(core.String())
	status, body, header := do(t, "GET", resolve, "", nil)
	if status != 200 || body != "core content" {
		t.Fatalf("got %d %q from resolve", status, body)
	}
	if lm := header.Get("Last-Modified"); lm != modified.Format(http.TimeFormat) {
		t.Errorf("got Last-Modified %q", lm)
	}

	status, body, _ = do(t, "GET", ts.URL+layoutPath, "", nil)
	if status != 200 || body != "core content" {
		t.Errorf("got %d %q after resolve", status, body)
	}
	if status, _, _ := do(t, "HEAD", ts.URL+layoutPath, "", nil); status != 200 {
		t.Errorf("got %d from HEAD", status)
	}

	missing := url.QueryEscape("artifact:jar:acme/widgets/missing#1.0")
	if status, _, _ := do(t, "GET", ts.URL+"/resolve?uri="+missing, "", nil); status != 404 {
		t.Errorf("got %d for a missing artifact, expected 404", status)
	}
	if status, _, _ := do(t, "GET", ts.URL+"/resolve?uri=bogus", "", nil); status != 400 {
		t.Errorf("got %d for a bad uri, expected 400", status)
	}
}

func TestUpload(t *testing.T) {
	ts, h := newDepot(t, &Server{})
	extra := artifact.MustParse("artifact:jar:acme/widgets/extra#2.0")
	u := ts.URL + "/artifact/" + h.Layout().Path(extra)

	if status, _, _ := do(t, "PUT", u, "extra content", nil); status != 405 {
		t.Errorf("got %d from a read only depot, expected 405", status)
	}

	ts, h = newDepot(t, &Server{Writable: true})
	u = ts.URL + "/artifact/" + h.Layout().Path(extra)
	if status, _, _ := do(t, "PUT", u, "extra content", nil); status != 201 {
		t.Fatalf("got %d from upload, expected 201", status)
	}
	if status, _, _ := do(t, "PUT", u, "again", nil); status != 409 {
		t.Errorf("got %d from a second upload, expected 409", status)
	}
	b, err := os.ReadFile(h.LocalPath(extra))
	if err != nil || string(b) != "extra content" {
		t.Errorf("got %q, %v in the cache", b, err)
	}
}

func TestIndex(t *testing.T) {
	ts, h := newDepot(t, &Server{})
	if _, err := h.File(context.Background(), core); err != nil {
		t.Fatal(err)
	}
	status, body, _ := do(t, "GET", ts.URL+"/index", "", nil)
	if status != 200 {
		t.Fatalf("got %d", status)
	}
	v, err := jason.NewObjectFromBytes([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	groups, err := v.GetStringArray("groups")
	if err != nil || len(groups) != 1 || groups[0] != "acme/widgets" {
		t.Errorf("got groups %v, %v", groups, err)
	}
}

func TestAuthorization(t *testing.T) {
	users, err := ReadUsersFile("testdata/users")
	if err != nil {
		t.Fatal(err)
	}
	ts, h := newDepot(t, &Server{Writable: true, Users: users})
	u := ts.URL + "/artifact/" + h.Layout().Path(core)
	tool := artifact.MustParse("artifact:jar:acme/tools/ant#1.0")
	var table = []struct {
		verb   string
		url    string
		key    string
		status int
	}{
		{"GET", u, "", 401},
		{"GET", u, "1234", 404},
		{"PUT", u, "1234", 401},
		// dave may only publish to acme/tools and groups under acme/widgets
		{"PUT", u, "ffff", 403},
		{"PUT", u, "abcd", 201},
		{"GET", u, "abcd", 200},
		{"PUT", ts.URL + "/artifact/" + h.Layout().Path(tool), "ffff", 201},
	}
	for _, row := range table {
		status, _, _ := do(t, row.verb, row.url, "uploaded", map[string]string{"X-Api-Key": row.key})
		if status != row.status {
			t.Errorf("%s %s with %q: got %d, expected %d", row.verb, row.url, row.key, status, row.status)
		}
	}
	if status, _, _ := do(t, "GET", ts.URL+"/", "", nil); status != 200 {
		t.Errorf("got %d from the welcome page", status)
	}
}

// A second cache using the depot through an HTTP host sees the depot's
// artifacts and can upload new ones.
func TestDepotAsHost(t *testing.T) {
	ts, depot := newDepot(t, &Server{Writable: true})
	if _, err := depot.File(context.Background(), core); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	remote, err := host.NewHTTP(ctx, host.Model{
		ID:    "depot",
		URL:   ts.URL + "/artifact/",
		Index: "../index",
	}, host.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !remote.Known(core) {
		t.Errorf("depot index does not list %s", core.Group())
	}
	h, err := cache.New(ctx, cache.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()
	if err := h.Register(remote); err != nil {
		t.Fatal(err)
	}
	rc, err := h.Open(ctx, core)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := ioutil.ReadAll(rc)
	rc.Close()
	if string(b) != "core content" {
		t.Errorf("got %q", b)
	}
	fi, err := os.Stat(h.LocalPath(core))
	if err != nil {
		t.Fatal(err)
	}
	if !fi.ModTime().Equal(modified) {
		t.Errorf("got mtime %v, expected %v", fi.ModTime(), modified)
	}

	extra := artifact.MustParse("artifact:jar:acme/widgets/extra#2.0")
	if err := remote.Upload(ctx, extra, bytes.NewReader([]byte("pushed"))); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(depot.LocalPath(extra)); err != nil {
		t.Errorf("upload did not land in the depot: %v", err)
	}
}

func TestServeAndStop(t *testing.T) {
	h, err := cache.New(context.Background(), cache.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{Cache: h, StopTimeout: time.Second}
	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	var status int
	for i := 0; i < 50; i++ {
		resp, err := http.Get("http://" + l.Addr().String() + "/")
		if err == nil {
			status = resp.StatusCode
			resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != 200 {
		t.Fatalf("got status %d from the welcome page", status)
	}
	// Serve may not have recorded the server yet
	for i := 0; i < 50; i++ {
		s.m.Lock()
		ready := s.server != nil
		s.m.Unlock()
		if ready {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
