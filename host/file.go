package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
)

// scratchdir is the subdir of a FileHost holding uploads in progress.
const scratchdir = ".scratch"

// FileHost serves artifacts from a local directory. Because a stat is
// cheap, presence checks are always authoritative, even with knownOnly set.
type FileHost struct {
	info
	root string
	log  *zap.Logger
}

var _ Host = &FileHost{}

// NewFile creates a host rooted at the path of the model's file: URL.
func NewFile(m Model, opts Options) (*FileHost, error) {
	in, err := newInfo(m, opts.Layouts)
	if err != nil {
		return nil, err
	}
	u, err := m.BaseURL()
	if err != nil {
		return nil, err
	}
	return &FileHost{
		info: in,
		root: filepath.FromSlash(u.Path),
		log:  opts.logger().With(zap.String("host", m.ID)),
	}, nil
}

// Root returns the directory the host serves.
func (h *FileHost) Root() string { return h.root }

func (h *FileHost) path(a artifact.Artifact) string {
	return filepath.Join(h.root, filepath.FromSlash(h.layout.Path(a)))
}

// Has stats the artifact's file.
func (h *FileHost) Has(ctx context.Context, a artifact.Artifact, knownOnly bool) (bool, error) {
	fi, err := os.Stat(h.path(a))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// Download copies the artifact's file to w.
func (h *FileHost) Download(ctx context.Context, a artifact.Artifact, w io.Writer) (time.Time, error) {
	f, err := os.Open(h.path(a))
	if os.IsNotExist(err) {
		return time.Time{}, errors.Wrapf(ErrNotFound, "%s on %s", a, h.id)
	} else if err != nil {
		return time.Time{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return time.Time{}, err
	}
	if _, err := io.Copy(w, f); err != nil {
		return time.Time{}, errors.Wrapf(err, "reading %s", f.Name())
	}
	return fi.ModTime(), nil
}

// Upload writes r into the scratch directory and then moves it into place.
// An existing artifact is never overwritten.
func (h *FileHost) Upload(ctx context.Context, a artifact.Artifact, r io.Reader) error {
	target := h.path(a)
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		return errors.Wrapf(ErrExists, "%s on %s", a, h.id)
	}
	scratch := filepath.Join(h.root, scratchdir)
	if err := os.MkdirAll(scratch, 0775); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return err
	}
	f, err := os.CreateTemp(scratch, "upload-*")
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), target)
	}
	if err != nil {
		h.log.Error("upload failed", zap.Stringer("artifact", a), zap.Error(err))
		raven.CaptureError(err, map[string]string{"host": h.id, "artifact": a.String()})
		os.Remove(f.Name())
	}
	return err
}
