package offlinecache

import (
	"embed"
	"net/http"
	"time"

	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
)

//go:embed static/offline.html
var staticFS embed.FS

// OfflinePage returns the offline fallback document: a self-contained
// HTML page compiled into the binary, never fetched over the network.
// It is served with 503 so intermediaries and scripts do not mistake it
// for the requested resource.
func OfflinePage() serializer.CachedResponse {
	body, err := staticFS.ReadFile("static/offline.html")
	if err != nil {
		// the file is embedded; failing to read it is a build defect
		panic(err)
	}
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return serializer.CachedResponse{
		Status:   http.StatusServiceUnavailable,
		Header:   header,
		Body:     body,
		StoredAt: time.Time{},
	}
}
