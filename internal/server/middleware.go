package server

import (
	"net/http"

	"github.com/storygate/storygate/internal/logging"
)

// RequestID tags every request with an id for log correlation. An inbound
// X-Request-ID header is kept (the reverse proxy sets it); otherwise an id is
// generated. It is echoed back so clients can quote it when reporting
// problems.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
