package cache

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/dpml/transit/artifact"
)

// MaxLinkDepth bounds how many links Resolve will follow.
const MaxLinkDepth = 16

// ErrLinkLoop means a chain of links is longer than MaxLinkDepth.
var ErrLinkLoop = errors.New("too many levels of links")

// LinkTarget reads the artifact URI stored in the link artifact.
func (h *Handler) LinkTarget(ctx context.Context, link artifact.Artifact) (artifact.Artifact, error) {
	if !link.IsLink() {
		return artifact.Artifact{}, errors.Errorf("%s is not a link", link)
	}
	rc, err := h.Open(ctx, link)
	if err != nil {
		return artifact.Artifact{}, err
	}
	defer rc.Close()
	content, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return artifact.Artifact{}, err
	}
	target, err := artifact.Parse(strings.TrimSpace(string(content)))
	if err != nil {
		return artifact.Artifact{}, errors.Wrapf(err, "link %s", link)
	}
	return target, nil
}

// SetLinkTarget points link at target, replacing any previous target.
func (h *Handler) SetLinkTarget(ctx context.Context, link, target artifact.Artifact) error {
	if !link.IsLink() {
		return errors.Errorf("%s is not a link", link)
	}
	w, err := h.Create(ctx, link)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, target.String()+"\n"); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Resolve follows links until it reaches an artifact which is not a link.
func (h *Handler) Resolve(ctx context.Context, a artifact.Artifact) (artifact.Artifact, error) {
	for i := 0; i < MaxLinkDepth; i++ {
		if !a.IsLink() {
			return a, nil
		}
		var err error
		a, err = h.LinkTarget(ctx, a)
		if err != nil {
			return artifact.Artifact{}, err
		}
	}
	return artifact.Artifact{}, errors.Wrapf(ErrLinkLoop, "%s", a)
}
