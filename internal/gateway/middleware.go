package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// StatusCode reports the status sent to the client. A handler that never
// wrote anything implicitly answered 200.
func (w *ResponseWriterWrapper) StatusCode() int {
	if w.WrittenResponseCode == 0 {
		return http.StatusOK
	}
	return w.WrittenResponseCode
}

func wrapResponseWriter(w http.ResponseWriter) *ResponseWriterWrapper {
	if ww, ok := w.(*ResponseWriterWrapper); ok {
		return ww
	}
	return &ResponseWriterWrapper{ResponseWriter: w}
}

type LogEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	Route      string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"route", e.Route,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// LogRequest is middleware that logs incoming HTTP requests.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := wrapResponseWriter(w)

		start := time.Now()
		next.ServeHTTP(writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.StatusCode()
		entry.Route = r.Pattern

		switch {
		case entry.StatusCode >= 500:
			slog.Error("Request", entry.User(), entry.Request())
		case entry.StatusCode >= 400:
			slog.Warn("Request", entry.User(), entry.Request())
		default:
			slog.Info("Request", entry.User(), entry.Request())
		}
	})
}

func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

// Recoverer turns a panicking handler into a 500 response with the usual
// error body.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writer := wrapResponseWriter(w)

		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// the response to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr, "url", r.URL.String())

				if writer.WrittenResponseCode == 0 {
					writeError(writer, http.StatusInternalServerError, KindInternalError, "internal server error")
				}
			}
		}()

		next.ServeHTTP(writer, r)
	})
}
