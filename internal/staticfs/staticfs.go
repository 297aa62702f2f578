// Package staticfs serves a route's static file tree (spec §4.I
// Static action). No example in the corpus wires a third-party static
// file server (the closest collaborators all proxy to another
// service), so this stays on net/http's file-serving primitives;
// see DESIGN.md.
package staticfs

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Handler serves files rooted at Root for requests whose path has
// already had MatchedPrefix stripped by the router.
type Handler struct {
	root string
	fs   http.Dir
}

func New(root string) *Handler {
	return &Handler{root: root, fs: http.Dir(root)}
}

// ServeSuffix serves the file at suffix (the request path with the
// route's prefix already removed). It rejects any suffix that would
// resolve outside Root after cleaning, returning 403 per spec §4.I's
// directory-traversal rule, rather than relying on http.Dir's own
// (looser) traversal handling.
func (h *Handler) ServeSuffix(w http.ResponseWriter, r *http.Request, suffix string) {
	full := filepath.Join(h.root, suffix)

	rel, err := filepath.Rel(h.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	clean := filepath.Clean("/" + suffix)

	f, err := h.fs.Open(clean)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if stat.IsDir() {
		index := filepath.Join(clean, "index.html")
		idx, err := h.fs.Open(index)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer idx.Close()
		idxStat, err := idx.Stat()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, idxStat.Name(), idxStat.ModTime(), idx)
		return
	}

	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}
