package cache

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/stats"
	"github.com/pkg/errors"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/host"
	"github.com/dpml/transit/layout"
)

var core = artifact.MustParse("artifact:jar:acme/widgets/core#1.0")

// recorder is a Monitor which remembers the events it sees.
type recorder struct {
	m      sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.m.Lock()
	r.events = append(r.events, s)
	r.m.Unlock()
}

func (r *recorder) ResourceRequested(a artifact.Artifact)         { r.add("requested " + a.String()) }
func (r *recorder) AddedToLocalCache(a artifact.Artifact, h string) { r.add("added " + h) }
func (r *recorder) UpdatedLocalCache(a artifact.Artifact, h string) { r.add("updated " + h) }
func (r *recorder) FailedDownloadFromHost(a artifact.Artifact, h string, err error) {
	r.add("failed " + h)
}
func (r *recorder) FailedDownload(a artifact.Artifact) { r.add("failed") }

func (r *recorder) has(s string) bool {
	r.m.Lock()
	defer r.m.Unlock()
	for _, e := range r.events {
		if e == s {
			return true
		}
	}
	return false
}

func newHandler(t *testing.T, opts ...Option) *Handler {
	h, err := New(context.Background(), Config{Dir: t.TempDir()}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Dispose() })
	return h
}

func memHost(t *testing.T, id string, priority int) *host.MemoryHost {
	h, err := host.NewMemory(host.Model{ID: id, URL: "mem:", Priority: priority}, host.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestFileIsIdempotent(t *testing.T) {
	var hits, misses float64
	hook := &stats.HookClient{BumpSumHook: func(key string, val float64) {
		switch key {
		case "cache.hit":
			hits += val
		case "cache.miss":
			misses += val
		}
	}}
	h := newHandler(t, WithStats(hook))
	remote := memHost(t, "remote", 1)
	modified := time.Date(2015, 6, 7, 8, 9, 10, 0, time.UTC)
	remote.Put(core, []byte("jar content"), modified)
	if err := h.Register(remote); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	path, err := h.File(ctx, core)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(filepath.ToSlash(path), "acme/widgets/jars/core-1.0.jar") {
		t.Errorf("Got path %s", path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !fi.ModTime().Equal(modified) {
		t.Errorf("Got modification time %v, expected %v", fi.ModTime(), modified)
	}
	checks := remote.Checks()
	if _, err := h.File(ctx, core); err != nil {
		t.Fatal(err)
	}
	if remote.Downloads() != 1 || remote.Checks() != checks {
		t.Errorf("second resolution touched the host: %d downloads, %d checks", remote.Downloads(), remote.Checks())
	}
	if hits != 1 || misses != 1 {
		t.Errorf("Got %v hits and %v misses", hits, misses)
	}
}

func TestFallback(t *testing.T) {
	rec := &recorder{}
	h := newHandler(t, WithMonitor(rec))
	broken := memHost(t, "broken", 1)
	broken.Put(core, []byte("never read"), time.Time{})
	broken.Fail = errors.New("connection reset")
	good := memHost(t, "good", 2)
	good.Put(core, []byte("good content"), time.Time{})
	h.Register(good)
	h.Register(broken)

	rc, err := h.Open(context.Background(), core)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	content, _ := io.ReadAll(rc)
	if string(content) != "good content" {
		t.Errorf("Got %q", content)
	}
	if broken.Downloads() != 1 {
		t.Errorf("broken host tried %d times, expected 1", broken.Downloads())
	}
	if !rec.has("failed broken") || !rec.has("added good") {
		t.Errorf("Got events %v", rec.events)
	}
}

func TestNotFound(t *testing.T) {
	rec := &recorder{}
	h := newHandler(t, WithMonitor(rec))
	h.Register(memHost(t, "empty", 1))
	path, err := h.File(context.Background(), core)
	if errors.Cause(err) != ErrNotFound {
		t.Fatalf("Got %v, expected ErrNotFound", err)
	}
	if path != h.LocalPath(core) {
		t.Errorf("Got path %s", path)
	}
	if !rec.has("failed") {
		t.Errorf("FailedDownload not reported: %v", rec.events)
	}
	if _, err := h.Open(context.Background(), core); errors.Cause(err) != ErrNotFound {
		t.Errorf("Open returned %v, expected ErrNotFound", err)
	}
}

// slowHost writes half the content and then waits to be released.
type slowHost struct {
	*host.MemoryHost
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   int
	m       sync.Mutex
}

func (s *slowHost) Has(ctx context.Context, a artifact.Artifact, knownOnly bool) (bool, error) {
	return true, nil
}

func (s *slowHost) Download(ctx context.Context, a artifact.Artifact, w io.Writer) (time.Time, error) {
	s.m.Lock()
	s.calls++
	s.m.Unlock()
	io.WriteString(w, "first half ")
	if f, ok := w.(interface{ Flush() error }); ok {
		f.Flush()
	}
	s.once.Do(func() { close(s.started) })
	<-s.release
	_, err := io.WriteString(w, "second half")
	return time.Time{}, err
}

func newSlowHost(t *testing.T) *slowHost {
	return &slowHost{
		MemoryHost: memHost(t, "slow", 1),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func TestDownloadIsAtomic(t *testing.T) {
	h := newHandler(t)
	slow := newSlowHost(t)
	h.Register(slow)
	done := make(chan error)
	go func() {
		_, err := h.File(context.Background(), core)
		done <- err
	}()
	<-slow.started
	dest := h.LocalPath(core)
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("destination visible before the download finished")
	}
	temps, _ := filepath.Glob(filepath.Join(filepath.Dir(dest), tempPrefix+"*"+tempSuffix))
	if len(temps) != 1 {
		t.Errorf("Got temp files %v", temps)
	}
	close(slow.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	content, _ := os.ReadFile(dest)
	if string(content) != "first half second half" {
		t.Errorf("Got %q", content)
	}
	temps, _ = filepath.Glob(filepath.Join(filepath.Dir(dest), tempPrefix+"*"))
	if len(temps) != 0 {
		t.Errorf("temp files left behind: %v", temps)
	}
}

func TestSingleFlight(t *testing.T) {
	h := newHandler(t)
	slow := newSlowHost(t)
	h.Register(slow)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.File(context.Background(), core); err != nil {
				t.Error(err)
			}
		}()
	}
	<-slow.started
	time.Sleep(20 * time.Millisecond)
	close(slow.release)
	wg.Wait()
	if slow.calls != 1 {
		t.Errorf("Got %d downloads, expected 1", slow.calls)
	}
}

func TestCreate(t *testing.T) {
	h := newHandler(t)
	remote := memHost(t, "remote", 1)
	remote.Put(core, []byte("x"), time.Time{})
	h.Register(remote)
	ctx := context.Background()
	if _, err := h.Create(ctx, core); errors.Cause(err) != ErrAlreadyExists {
		t.Errorf("Got %v, expected ErrAlreadyExists", err)
	}
	local := artifact.MustParse("artifact:jar:acme/widgets/local#1.0")
	w, err := h.Create(ctx, local)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "made here")
	if _, err := os.Stat(h.LocalPath(local)); !os.IsNotExist(err) {
		t.Error("content visible before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Create(ctx, local); errors.Cause(err) != ErrAlreadyExists {
		t.Errorf("Got %v, expected ErrAlreadyExists", err)
	}
}

func TestLinks(t *testing.T) {
	h := newHandler(t)
	ctx := context.Background()
	link := artifact.MustParse("link:jar:acme/widgets/core")
	for _, v := range []string{"1.0", "2.0"} {
		target := artifact.MustParse("artifact:jar:acme/widgets/core#" + v)
		if err := h.SetLinkTarget(ctx, link, target); err != nil {
			t.Fatal(err)
		}
	}
	got, err := h.LinkTarget(ctx, link)
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "artifact:jar:acme/widgets/core#2.0" {
		t.Errorf("Got %s", got)
	}
	if !strings.HasSuffix(h.LocalPath(link), ".link") {
		t.Errorf("Got link path %s", h.LocalPath(link))
	}
	resolved, err := h.Resolve(ctx, link)
	if err != nil || resolved != got {
		t.Errorf("Resolve returned %v, %v", resolved, err)
	}
}

func TestOpenEntry(t *testing.T) {
	h := newHandler(t)
	ctx := context.Background()
	jar := artifact.MustParse("artifact:jar:acme/widgets/res#1.0")
	w, err := h.Create(ctx, jar)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(w)
	f, _ := zw.Create("some/res.txt")
	io.WriteString(f, "entry content")
	zw.Close()
	w.Close()

	for i := 0; i < 2; i++ {
		rc, err := h.OpenEntry(ctx, jar, "!/some/res.txt")
		if err != nil {
			t.Fatal(err)
		}
		content, _ := io.ReadAll(rc)
		rc.Close()
		if string(content) != "entry content" {
			t.Errorf("Got %q", content)
		}
	}
	if h.zips.Len() != 1 {
		t.Errorf("Got %d open archives, expected 1", h.zips.Len())
	}
	if _, err := h.OpenEntry(ctx, jar, "missing"); errors.Cause(err) != ErrEntryNotFound {
		t.Errorf("Got %v, expected ErrEntryNotFound", err)
	}
	rc, err := h.OpenURI(ctx, "artifact:jar:acme/widgets/res!/some/res.txt#1.0")
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()
}

func TestSetCacheDir(t *testing.T) {
	data := t.TempDir()
	t.Setenv("DPML_DATA", data)
	h := newHandler(t)
	if err := h.SetCacheDir("relative"); err != nil {
		t.Fatal(err)
	}
	if h.CacheDir() != filepath.Join(data, "relative") {
		t.Errorf("Got %s", h.CacheDir())
	}
	if !strings.HasPrefix(h.LocalPath(core), h.CacheDir()) {
		t.Errorf("Got %s", h.LocalPath(core))
	}
}

func TestGroups(t *testing.T) {
	h := newHandler(t)
	ctx := context.Background()
	for _, uri := range []string{"artifact:jar:acme/widgets/a#1", "artifact:jar:acme/widgets/b", "artifact:plugin:dpml/transit/x#2"} {
		w, err := h.Create(ctx, artifact.MustParse(uri))
		if err != nil {
			t.Fatal(err)
		}
		w.Close()
	}
	groups, err := h.Groups()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(groups, ",") != "acme/widgets,dpml/transit" {
		t.Errorf("Got %v", groups)
	}
	if g := groupOf(layout.Eclipse{}, "acme/widgets-1.0"); g != "acme/widgets" {
		t.Errorf("Got %q", g)
	}
	if g := h.GroupOf("/" + h.Layout().Path(core)); g != "acme/widgets" {
		t.Errorf("GroupOf returned %q", g)
	}
}

type fakeLoader struct{ loaded []string }

func (f *fakeLoader) LoadHost(ctx context.Context, m host.Model) (host.Host, error) {
	f.loaded = append(f.loaded, m.Codebase)
	if m.ID == "bad" {
		return nil, errors.New("no such plugin")
	}
	return host.NewMemory(host.Model{ID: m.ID, URL: "mem:"}, host.Options{})
}

type disposable struct {
	*host.MemoryHost
	disposed bool
}

func (d *disposable) Dispose() error { d.disposed = true; return nil }

func TestHostLifecycle(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, Config{
		Dir: t.TempDir(),
		Hosts: []host.Model{
			{ID: "boot", URL: "mem:"},
			{ID: "plugin", Codebase: "artifact:plugin:acme/hosts/special"},
			{ID: "bad", Codebase: "artifact:plugin:acme/hosts/missing"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Hosts()) != 1 || len(h.Pending()) != 2 {
		t.Fatalf("Got %d hosts and %d pending", len(h.Hosts()), len(h.Pending()))
	}
	loader := &fakeLoader{}
	if err := h.Initialize(ctx, loader); err != nil {
		t.Fatal(err)
	}
	if len(loader.loaded) != 2 || h.Host("plugin") == nil || h.Host("bad") != nil {
		t.Errorf("Got hosts %v after loading %v", h.Hosts(), loader.loaded)
	}
	if err := h.AddHost(ctx, host.Model{ID: "boot", URL: "mem:"}); errors.Cause(err) != ErrDuplicateHost {
		t.Errorf("Got %v, expected ErrDuplicateHost", err)
	}
	d := &disposable{MemoryHost: memHost(t, "disposable", 5)}
	h.Register(d)
	if err := h.RemoveHost("disposable"); err != nil || !d.disposed {
		t.Errorf("RemoveHost returned %v, disposed %v", err, d.disposed)
	}
	if err := h.RemoveHost("disposable"); errors.Cause(err) != ErrUnknownHost {
		t.Errorf("Got %v, expected ErrUnknownHost", err)
	}
}

func TestCreatePath(t *testing.T) {
	h := newHandler(t)
	rel := h.Layout().Path(core)
	w, err := h.CreatePath(rel)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "pushed")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if p, _ := h.Path(rel); p != h.LocalPath(core) {
		t.Errorf("got %s, expected %s", p, h.LocalPath(core))
	}
	if _, err := h.CreatePath(rel); errors.Cause(err) != ErrAlreadyExists {
		t.Errorf("got %v, expected ErrAlreadyExists", err)
	}
	for _, bad := range []string{"", "/", "../etc/passwd", "a/../../b"} {
		if _, err := h.CreatePath(bad); errors.Cause(err) != ErrBadPath {
			t.Errorf("%q: got %v, expected ErrBadPath", bad, err)
		}
	}

	other := artifact.MustParse("artifact:jar:acme/widgets/other#1.0")
	w, err = h.CreatePath(h.Layout().Path(other))
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "partial")
	w.(interface{ Abort() error }).Abort()
	if fileExists(h.LocalPath(other)) {
		t.Errorf("aborted upload is visible")
	}
}

func TestCallerCancelDoesNotFailOthers(t *testing.T) {
	h := newHandler(t)
	slow := newSlowHost(t)
	h.Register(slow)
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := h.File(ctx, core)
		first <- err
	}()
	<-slow.started
	second := make(chan error, 1)
	go func() {
		_, err := h.File(context.Background(), core)
		second <- err
	}()
	cancel()
	if err := <-first; err != context.Canceled {
		t.Errorf("cancelled caller got %v, expected context.Canceled", err)
	}
	close(slow.release)
	if err := <-second; err != nil {
		t.Fatalf("second caller got %v", err)
	}
	content, _ := os.ReadFile(h.LocalPath(core))
	if string(content) != "first half second half" {
		t.Errorf("Got %q", content)
	}
	if slow.calls != 1 {
		t.Errorf("Got %d downloads, expected 1", slow.calls)
	}
}

func TestCreateSkipsDisabledHosts(t *testing.T) {
	h := newHandler(t)
	off, err := host.NewMemory(host.Model{ID: "off", URL: "mem:", Disabled: true}, host.Options{})
	if err != nil {
		t.Fatal(err)
	}
	off.Put(core, []byte("x"), time.Time{})
	h.Register(off)
	w, err := h.Create(context.Background(), core)
	if err != nil {
		t.Fatalf("Create with the artifact only on a disabled host: %v", err)
	}
	io.WriteString(w, "published")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if off.Checks() != 0 {
		t.Errorf("disabled host was asked %d times", off.Checks())
	}
}

func TestInconsistentHost(t *testing.T) {
	h := newHandler(t)
	remote := memHost(t, "remote", 1)
	remote.Put(core, []byte("x"), time.Time{})
	h.Register(remote)
	// the move reports success but nothing lands
	h.rename = func(oldpath, newpath string) error { return os.Remove(oldpath) }
	_, err := h.File(context.Background(), core)
	if errors.Cause(err) != ErrInconsistent {
		t.Errorf("Got %v, expected ErrInconsistent", err)
	}
}

func TestPathSegments(t *testing.T) {
	h := newHandler(t)
	var table = []struct {
		rel string
		ok  bool
	}{
		{"acme/widgets/jars/core-1.0..jar", true},
		{"acme/..hidden/x.jar", true},
		{"acme/../x.jar", false},
		{"..", false},
		{"acme/widgets/..", false},
	}
	for _, s := range table {
		p, err := h.Path(s.rel)
		if s.ok && err != nil {
			t.Errorf("%q: got %v", s.rel, err)
		}
		if !s.ok && errors.Cause(err) != ErrBadPath {
			t.Errorf("%q: got %s, %v, expected ErrBadPath", s.rel, p, err)
		}
	}
}
