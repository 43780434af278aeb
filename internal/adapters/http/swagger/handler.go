// Package swagger serves the OpenAPI document and a ReDoc page for it.
package swagger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// docsPage renders /openapi.yaml with ReDoc.
const docsPage = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8">
    <title>photdb catalog API</title>
    <style>body{margin:0;padding:0}</style>
  </head>
  <body>
    <redoc id="redoc-container"></redoc>
    <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
    <script>Redoc.init('/openapi.yaml', { suppressWarnings: true, hideDownloadButton: false }, document.getElementById('redoc-container'));</script>
  </body>
</html>`

// Register adds GET /api-docs and GET /openapi.yaml to mux. The document is
// served with a content hash ETag so clients can revalidate cheaply.
func Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("swagger: nil mux")
	}
	sum := sha256.Sum256(OpenAPI)
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`

	mux.HandleFunc("GET /api-docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(docsPage))
	})

	mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		_, _ = w.Write(OpenAPI)
	})
}
