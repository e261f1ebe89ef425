package middleware

import (
	"mime"
	"net/http"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
)

// RequireJSON отклоняет запросы с телом, чей Content-Type не application/json.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			next.ServeHTTP(w, r)
			return
		}

		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			apperror.Write(w, apperror.New(http.StatusBadRequest, apperror.CodeInvalidContentType, "Content-Type must be application/json"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders выставляет защитные заголовки ответа.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
