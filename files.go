/*
Copyright © 2026 Letian Bai
*/

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// serveGameAssets serves the static game client from cfg.root: the Flash
// player shell, its scripts, and the game resource itself. Installed as the
// router's NotFound handler so asset paths resolve exactly as the client
// references them, with "/" mapping to index.html.
func serveGameAssets(cfg *Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, cfg.prefix), "/")
		if name == "" {
			name = "index.html"
		}

		data, err := os.ReadFile(filepath.Join(cfg.root, filepath.Clean("/"+name)))
		if err != nil {
			securityHeaders(cfg, w)
			if errors.Is(err, fs.ErrNotExist) {
				http.Error(w, "404 Not Found", http.StatusNotFound)
			} else {
				http.Error(w, "Server Error", http.StatusInternalServerError)
			}
			return
		}

		contentType := "text/html; charset=utf-8"
		switch strings.ToLower(filepath.Ext(name)) {
		case ".js":
			contentType = "text/javascript; charset=utf-8"
		case ".css":
			contentType = "text/css; charset=utf-8"
		case ".swf":
			contentType = "application/x-shockwave-flash"
		case ".wasm":
			contentType = "application/wasm"
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		written, err := w.Write(data)
		if err != nil {
			return
		}

		logf(cfg, "SERVE: Asset %s (%s) to %s in %s",
			name,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	})
}

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(bytes)/float64(div),
		"kMGTPE"[exp])
}
