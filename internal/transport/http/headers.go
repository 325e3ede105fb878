package httptransport

import "net/http"

// defaultSecurityHeaders are set on every response unless the handler set
// them first. Strict-Transport-Security is only sent over TLS.
var defaultSecurityHeaders = map[string]string{
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "no-referrer",
	"Content-Security-Policy":   "default-src 'none'",
	"Cache-Control":             "no-store",
}

// SecurityHeaders wraps next so responses carry headers.
func SecurityHeaders(next http.Handler, headers map[string]string) http.Handler {
	if headers == nil {
		headers = defaultSecurityHeaders
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range headers {
			if name == "Strict-Transport-Security" && r.TLS == nil {
				continue
			}
			if h.Get(name) == "" {
				h.Set(name, value)
			}
		}
		next.ServeHTTP(w, r)
	})
}
