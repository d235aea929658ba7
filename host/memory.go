package host

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dpml/transit/artifact"
)

// MemoryHost keeps artifacts in memory. It is used for tests and for
// embedding a fixed set of artifacts. Its known groups are the groups of
// the artifacts it holds.
type MemoryHost struct {
	info

	// Fail, if set, is returned by every Download.
	Fail error

	downloads int64
	checks    int64

	m     sync.RWMutex // protects items
	items map[string]memItem
}

type memItem struct {
	data     []byte
	modified time.Time
}

var _ Host = &MemoryHost{}

// NewMemory returns an empty in-memory host.
func NewMemory(m Model, opts Options) (*MemoryHost, error) {
	in, err := newInfo(m, opts.Layouts)
	if err != nil {
		return nil, err
	}
	return &MemoryHost{info: in, items: make(map[string]memItem)}, nil
}

// Put stores content for a, replacing anything already there.
func (h *MemoryHost) Put(a artifact.Artifact, data []byte, modified time.Time) {
	h.m.Lock()
	h.items[a.String()] = memItem{data: append([]byte(nil), data...), modified: modified}
	h.m.Unlock()
}

// Downloads returns the number of Download calls made.
func (h *MemoryHost) Downloads() int { return int(atomic.LoadInt64(&h.downloads)) }

// Checks returns the number of Has calls made without knownOnly.
func (h *MemoryHost) Checks() int { return int(atomic.LoadInt64(&h.checks)) }

// Has reports whether a is held.
func (h *MemoryHost) Has(ctx context.Context, a artifact.Artifact, knownOnly bool) (bool, error) {
	h.m.RLock()
	defer h.m.RUnlock()
	if knownOnly {
		for k := range h.items {
			b, _ := artifact.Parse(k)
			if b.Group() == a.Group() {
				return true, nil
			}
		}
		return false, nil
	}
	atomic.AddInt64(&h.checks, 1)
	_, ok := h.items[a.String()]
	return ok, nil
}

// Download copies a to w.
func (h *MemoryHost) Download(ctx context.Context, a artifact.Artifact, w io.Writer) (time.Time, error) {
	atomic.AddInt64(&h.downloads, 1)
	if h.Fail != nil {
		return time.Time{}, h.Fail
	}
	h.m.RLock()
	item, ok := h.items[a.String()]
	h.m.RUnlock()
	if !ok {
		return time.Time{}, errors.Wrapf(ErrNotFound, "%s on %s", a, h.id)
	}
	_, err := io.Copy(w, bytes.NewReader(item.data))
	return item.modified, err
}

// Upload stores the content of r as a. Existing content is not replaced.
func (h *MemoryHost) Upload(ctx context.Context, a artifact.Artifact, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h.m.Lock()
	defer h.m.Unlock()
	if _, ok := h.items[a.String()]; ok {
		return errors.Wrapf(ErrExists, "%s on %s", a, h.id)
	}
	h.items[a.String()] = memItem{data: data, modified: time.Now()}
	return nil
}
