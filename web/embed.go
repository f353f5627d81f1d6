// Package web serves the embedded chat page.
package web

import (
	"bytes"
	"embed"
	"io/fs"
	"net/http"
	"path"
	"time"
)

//go:embed all:dist
var distFS embed.FS

const indexFile = "index.html"

// ChatHandler serves files from dist/ and answers every other GET with the chat page,
// so links like /chat/<session> open the client. The page itself is never cached; it
// carries the WebSocket bootstrap and must follow server upgrades.
func ChatHandler() (http.Handler, error) {
	assets, err := fs.Sub(distFS, "dist")
	if err != nil {
		return nil, err
	}
	index, err := fs.ReadFile(assets, indexFile)
	if err != nil {
		return nil, err
	}
	return &chatHandler{assets: assets, files: http.FileServer(http.FS(assets)), index: index, built: time.Now()}, nil
}

type chatHandler struct {
	assets fs.FS
	files  http.Handler
	index  []byte
	built  time.Time
}

func (h *chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")

	name := path.Clean("/" + r.URL.Path)[1:]
	if name != "" && name != indexFile {
		if st, err := fs.Stat(h.assets, name); err == nil && !st.IsDir() {
			w.Header().Set("Cache-Control", "public, max-age=3600")
			h.files.ServeHTTP(w, r)
			return
		}
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, indexFile, h.built, bytes.NewReader(h.index))
}
