package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#1a1a2e"/><path d="M100 55l12 24 27 4-19 19 4 27-24-13-24 13 4-27-19-19 27-4z" fill="#e0b339"/><text x="100" y="175" text-anchor="middle" font-family="Arial" font-size="14" fill="#888">GIFT</text></svg>`

// StaticFileServer serves gift artwork with a placeholder fallback for gifts
// that have no uploaded asset yet.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean(r.URL.Path))

		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Cache-Control", "public, max-age=2592000")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(placeholderSVG))
	})
}
