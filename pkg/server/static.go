package server

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/movebroker/movebroker/pkg/httputil"
)

// indexFile is served for "/" and for directories.
const indexFile = "index.html"

// mimeTypes is the fixed extension table. Files without an extension are
// text/plain; unknown extensions are application/octet-stream.
var mimeTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".svg":  "image/svg+xml",
	".json": "application/json",
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "text/plain"
	}
	if ct, ok := mimeTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// static serves files below one directory. Lookups go through os.Root,
// so no request path can reach outside it.
type static struct {
	root    *os.Root
	exclude []string
	log     *slog.Logger
}

// newStatic opens dir. An empty or missing dir serves 404 for every path.
func newStatic(dir string, exclude []string, log *slog.Logger) (http.Handler, error) {
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid static exclude pattern %q", p)
		}
	}

	s := &static{exclude: exclude, log: log}
	if dir == "" {
		return s, nil
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("static directory not found, serving no files", "dir", dir)
			return s, nil
		}
		return nil, fmt.Errorf("failed to open static directory: %w", err)
	}
	s.root = root
	return s, nil
}

func (s *static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.WriteMethodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	if s.root == nil {
		http.NotFound(w, r)
		return
	}

	// The query string never takes part in the lookup.
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = indexFile
	}

	f, info, err := s.open(name)
	if err == nil && info.IsDir() {
		_ = f.Close()
		name = path.Join(name, indexFile)
		f, info, err = s.open(name)
	}
	if err != nil || info.IsDir() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("static lookup failed", "path", r.URL.Path, "error", err)
		}
		if f != nil {
			_ = f.Close()
		}
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", contentType(name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *static) open(name string) (*os.File, os.FileInfo, error) {
	if s.excluded(name) {
		return nil, nil, fs.ErrNotExist
	}
	f, err := s.root.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// excluded reports whether name or any directory above it matches an
// exclude pattern.
func (s *static) excluded(name string) bool {
	for dir := name; dir != "." && dir != "/"; dir = path.Dir(dir) {
		for _, p := range s.exclude {
			if ok, _ := doublestar.Match(p, dir); ok {
				return true
			}
		}
	}
	return false
}
