package cache

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/dpml/transit/ttlcache"
)

// ErrEntryNotFound means a zip archive has no entry with the requested name.
var ErrEntryNotFound = errors.New("zip entry not found")

// A ZipCache keeps cached zip archives open and memory mapped for a while,
// so reading several entries from one archive maps it only once.
type ZipCache struct {
	c *ttlcache.Cache
}

// NewZipCache returns an empty cache. A ttl of zero uses ttlcache.DefaultTTL.
func NewZipCache(ttl time.Duration, opts ...ttlcache.Option) *ZipCache {
	return &ZipCache{c: ttlcache.New("zips", ttl, opts...)}
}

// mappedZip is one open archive. The mapping is released once the archive
// has been evicted and every entry reader opened from it is closed.
type mappedZip struct {
	f    *os.File
	data mmap.MMap
	zr   *zip.Reader

	m       sync.Mutex
	refs    int
	evicted bool
}

func openMappedZip(path string) (*mappedZip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, errors.Errorf("%s: %s", path, zip.ErrFormat)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mapping %s", path)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return &mappedZip{f: f, data: data, zr: zr}, nil
}

// Close is called when the cache evicts the archive.
func (z *mappedZip) Close() error {
	z.m.Lock()
	z.evicted = true
	idle := z.refs == 0
	z.m.Unlock()
	if idle {
		return z.release()
	}
	return nil
}

func (z *mappedZip) release() error {
	err := z.data.Unmap()
	if cerr := z.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// acquire fails once the archive has been evicted.
func (z *mappedZip) acquire() bool {
	z.m.Lock()
	defer z.m.Unlock()
	if z.evicted {
		return false
	}
	z.refs++
	return true
}

func (z *mappedZip) done() error {
	z.m.Lock()
	z.refs--
	idle := z.evicted && z.refs == 0
	z.m.Unlock()
	if idle {
		return z.release()
	}
	return nil
}

// entryReader streams one entry and holds its archive open.
type entryReader struct {
	io.ReadCloser
	z    *mappedZip
	once sync.Once
}

func (r *entryReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(func() {
		if derr := r.z.done(); err == nil {
			err = derr
		}
	})
	return err
}

// OpenEntry opens the named entry of the zip archive at path. The caller
// must close the returned reader.
func (zc *ZipCache) OpenEntry(path, name string) (io.ReadCloser, error) {
	var z *mappedZip
	if v, ok := zc.c.Get(path); ok {
		z = v.(*mappedZip)
	}
	if z == nil || !z.acquire() {
		var err error
		z, err = openMappedZip(path)
		if err != nil {
			return nil, err
		}
		z.acquire()
		zc.c.Put(path, z)
	}
	for _, f := range z.zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			z.done()
			return nil, err
		}
		return &entryReader{ReadCloser: rc, z: z}, nil
	}
	z.done()
	return nil, errors.Wrapf(ErrEntryNotFound, "%s!/%s", path, name)
}

// Len returns the number of open archives.
func (zc *ZipCache) Len() int { return zc.c.Len() }

// Close evicts every archive.
func (zc *ZipCache) Close() error { return zc.c.Close() }
