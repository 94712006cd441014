package metrics

import (
	"net/http"

	"github.com/felixge/httpsnoop"
)

// PathLabeler maps a request to the path label recorded for it. Returning ""
// falls back to the normalized URL path.
type PathLabeler func(*http.Request) string

// HTTPMiddleware records request metrics around next using recorder (falling
// back to Default when nil).
func HTTPMiddleware(recorder *Recorder, label PathLabeler, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		path := ""
		if label != nil {
			path = label(r)
		}
		if path == "" {
			path = r.URL.Path
		}
		rec.ObserveRequest(r.Method, path, m.Code, m.Duration)
	})
}
