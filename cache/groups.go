package cache

import (
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dpml/transit/layout"
)

// Groups walks the cache directory and lists the artifact groups found in
// it, in sorted order. Only the classic and eclipse layouts can be walked;
// for others the list is empty.
func (h *Handler) Groups() ([]string, error) {
	root := h.CacheDir()
	seen := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if g := groupOf(h.layout, filepath.ToSlash(rel)); g != "" {
			seen[g] = struct{}{}
		}
		return nil
	})
	var result []string
	for g := range seen {
		result = append(result, g)
	}
	sort.Strings(result)
	return result, err
}

// GroupOf returns the group of the artifact stored at rel, a slash
// separated path relative to the cache root in the cache's layout. It is
// empty if the layout cannot be inverted.
func (h *Handler) GroupOf(rel string) string {
	return groupOf(h.layout, path.Dir(strings.Trim(rel, "/")))
}

// groupOf recovers the group from an artifact's base directory.
func groupOf(l layout.Layout, base string) string {
	switch l.(type) {
	case layout.Classic:
		// group/types
		if i := strings.LastIndex(base, "/"); i > 0 && strings.HasSuffix(base, "s") {
			return base[:i]
		}
	case layout.Eclipse:
		// group-version, or group
		if i := strings.LastIndex(base, "-"); i > strings.LastIndex(base, "/") {
			return base[:i]
		}
		if base != "." {
			return base
		}
	}
	return ""
}
