package idempotency

import (
	"bytes"
	"io"
	"net/http"
)

// Middleware replays completion responses for repeated Idempotency-Key
// requests. A replay carries Idempotency-Replay: true and only happens
// when the request body matches the digest stored with the key; a key
// reused with a different body gets 422. Requests without the header
// pass through unchanged, as do responses with a 5xx status (those are
// never stored).
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			digest := Digest(body)

			if rec, ok := cache.Get(key); ok {
				if rec.BodyDigest != digest {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnprocessableEntity)
					_, _ = w.Write([]byte(`{"error":{"kind":"invalid_request","message":"Idempotency-Key reused with a different request body"}}`))
					return
				}
				for k, v := range rec.Header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(rec.StatusCode)
				_, _ = w.Write(rec.Body)
				return
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rec, r)

			if !cacheable(rec.statusCode) {
				return
			}
			hdrs := make(map[string]string)
			for k, v := range rec.Header() {
				if len(v) > 0 {
					hdrs[k] = v[0]
				}
			}
			cache.Put(key, Record{
				BodyDigest: digest,
				StatusCode: rec.statusCode,
				Header:     hdrs,
				Body:       rec.body.Bytes(),
			})
		})
	}
}

// responseRecorder captures status and body while still writing to the
// underlying writer.
type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
