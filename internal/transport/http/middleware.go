package httptransport

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// accessWriter records what the handler wrote so the access log can
// report it after the fact.
type accessWriter struct {
	http.ResponseWriter
	code int
	size int
}

func (w *accessWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *accessWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// RequestLogger emits one key=value access line per request, tagged
// with the chi request id.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		aw := &accessWriter{ResponseWriter: w}

		next.ServeHTTP(aw, r)

		log.Printf("[http] req_id=%s method=%s path=%s status=%d bytes=%d duration_ms=%d",
			middleware.GetReqID(r.Context()), r.Method, r.URL.Path,
			aw.code, aw.size, time.Since(start).Milliseconds())
	})
}
