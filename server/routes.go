// Package server serves a local artifact cache over HTTP, so that other
// transit instances can use it as a resource host.
package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/cache"
)

// Version is reported by the welcome page.
var Version = "2.0.0"

// Server serves an artifact cache.
//
// Set the public fields and then call Run. Do not change any fields after
// calling Run.
type Server struct {
	// Addr is the listen address. Defaults to ":14000".
	Addr string

	// Cache is the cache being served. Run will panic if Cache is nil.
	Cache *cache.Handler

	// Writable allows uploads with PUT.
	Writable bool

	// Users authenticates the X-Api-Key header. If nil every request is
	// allowed.
	Users Authenticator

	Log   *zap.Logger
	Stats stats.Client
	Clock clock.Clock

	// StopTimeout bounds how long Stop waits for requests in progress.
	StopTimeout time.Duration

	m      sync.Mutex
	server httpdown.Server
}

func (s *Server) init() {
	if s.Cache == nil {
		panic("No cache given. Cache is nil.")
	}
	if s.Addr == "" {
		s.Addr = ":14000"
	}
	if s.Users == nil {
		s.Users = OpenAccess{}
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Stats == nil {
		s.Stats = &stats.HookClient{}
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = 10 * time.Second
	}
}

func (s *Server) downer() httpdown.HTTP {
	return httpdown.HTTP{
		StopTimeout: s.StopTimeout,
		KillTimeout: s.StopTimeout,
		Stats:       s.Stats,
		Clock:       s.Clock,
	}
}

// Run listens on Addr and blocks handling requests until Stop is called.
func (s *Server) Run() error {
	s.init()
	s.Log.Info("starting depot",
		zap.String("version", Version),
		zap.String("addr", s.Addr),
		zap.String("cache", s.Cache.CacheDir()),
		zap.Bool("writable", s.Writable))
	hs, err := s.downer().ListenAndServe(&http.Server{
		Addr:    s.Addr,
		Handler: s.Handler(),
	})
	if err != nil {
		s.Log.Error("listen", zap.Error(err))
		return err
	}
	return s.wait(hs)
}

func (s *Server) wait(hs httpdown.Server) error {
	s.m.Lock()
	s.server = hs
	s.m.Unlock()
	return hs.Wait()
}

// Serve is Run on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.init()
	hs := s.downer().Serve(&http.Server{Handler: s.Handler()}, l)
	return s.wait(hs)
}

// Stop closes the listener and returns once requests in progress are done.
func (s *Server) Stop() error {
	s.m.Lock()
	hs := s.server
	s.m.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Stop()
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	s.init()
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		{"GET", "/artifact/*path", RoleRead, s.ArtifactHandler},
		{"HEAD", "/artifact/*path", RoleRead, s.ArtifactHandler},
		{"PUT", "/artifact/*path", RoleWrite, s.UploadHandler},
		{"GET", "/resolve", RoleRead, s.ResolveHandler},
		{"HEAD", "/resolve", RoleRead, s.ResolveHandler},
		{"GET", "/index", RoleUnknown, s.IndexHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			s.logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// ArtifactHandler serves the cached file at a layout path. It does not
// fetch missing artifacts.
func (s *Server) ArtifactHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, err := s.Cache.Path(ps.ByName("path"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, err)
		return
	}
	s.serveFile(w, r, p)
}

// ResolveHandler resolves the artifact named by the uri query parameter
// through the cache, downloading it if needed, and serves it.
func (s *Server) ResolveHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	a, err := artifact.Parse(r.URL.Query().Get("uri"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, err)
		return
	}
	p, err := s.Cache.File(r.Context(), a)
	if errors.Cause(err) == cache.ErrNotFound {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, err)
		return
	} else if err != nil {
		s.Log.Error("resolve", zap.Stringer("artifact", a), zap.Error(err))
		raven.CaptureError(err, map[string]string{"artifact": a.String()})
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, err)
		return
	}
	s.serveFile(w, r, p)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p string) {
	f, err := os.Open(p)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, "Not Found")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, "Not Found")
		return
	}
	s.Stats.BumpSum("depot.serve", 1)
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// UploadHandler stores the request body at a layout path. Existing files
// are never replaced.
func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.Writable {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprintln(w, "Depot is read only")
		return
	}
	rel := ps.ByName("path")
	if u := RequestUser(r.Context()); u != nil && !u.CanPublish(s.Cache.GroupOf(rel)) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintf(w, "%s may not publish to %s\n", u.Name, s.Cache.GroupOf(rel))
		return
	}
	wc, err := s.Cache.CreatePath(rel)
	switch errors.Cause(err) {
	case nil:
	case cache.ErrAlreadyExists:
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintln(w, err)
		return
	case cache.ErrBadPath:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, err)
		return
	default:
		s.Log.Error("upload", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, err)
		return
	}
	n, err := io.Copy(wc, r.Body)
	if err != nil {
		if a, ok := wc.(interface{ Abort() error }); ok {
			a.Abort()
		}
		s.Log.Warn("upload", zap.String("path", ps.ByName("path")), zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, err)
		return
	}
	if err := wc.Close(); err != nil {
		s.Log.Error("upload", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, err)
		return
	}
	s.Stats.BumpSum("depot.upload", 1)
	s.Stats.BumpSum("depot.upload.bytes", float64(n))
	w.WriteHeader(http.StatusCreated)
}

// IndexHandler lists the groups present in the cache, in the format
// HTTP hosts read as an index.
func (s *Server) IndexHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	groups, err := s.Cache.Groups()
	if err != nil {
		s.Log.Error("index", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, err)
		return
	}
	if groups == nil {
		groups = []string{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(struct {
		Groups []string `json:"groups"`
	}{groups})
}

// WelcomeHandler names the server.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Transit Depot (%s)\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// authzWrapper returns a Handler which first authenticates the API key
// and checks the user has at least the given Role. The user is put in the
// request context; see RequestUser.
func (s *Server) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if leastRole == RoleUnknown {
			handler(w, r, ps)
			return
		}
		u, err := s.Users.Authenticate(r.Header.Get("X-Api-Key"))
		if err != nil {
			s.Log.Error("authenticate", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintln(w, err)
			return
		}
		if u == nil || u.Role < leastRole {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintln(w, "Forbidden")
			return
		}
		s.Log.Debug("authenticated", zap.String("user", u.Name), zap.Stringer("role", u.Role))
		handler(w, r.WithContext(withUser(r.Context(), u)), ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func (s *Server) logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s.Log.Debug("request", zap.String("method", r.Method), zap.Stringer("url", r.URL))
		handler(w, r, ps)
	}
}
