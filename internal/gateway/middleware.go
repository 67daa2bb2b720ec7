package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/solvia-ai/relay/internal/auth"
)

// apiResponse is the uniform JSON envelope for ingress acknowledgments
// and API results.
type apiResponse struct {
	Success    bool   `json:"success"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Processing bool   `json:"processing,omitempty"`
	Error      string `json:"error,omitempty"`

	Data map[string]any `json:"data,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, &apiResponse{Success: false, Error: msg})
}

// statusRecorder captures the written status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency under the mux route,
// not the raw path, to bound label cardinality.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked", "method", r.Method, "path", r.URL.Path, "panic", rec)
				respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsOpen serves the public widget endpoints to any origin.
func (s *Server) corsOpen(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	}
}

// requireAPIKey guards the integrations API. The key travels in
// X-API-Key or as a bearer credential.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.ValidateAPIKey(apiKeyFrom(r)); err != nil {
			if errors.Is(err, auth.ErrAuthDisabled) {
				respondError(w, http.StatusServiceUnavailable, "integrations api not configured")
				return
			}
			respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next(w, r)
	}
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return ""
}

// authorizeSend accepts either an API key or a webchat bearer token for
// the direct send endpoint.
func (s *Server) authorizeSend(r *http.Request) error {
	if err := s.auth.ValidateAPIKey(apiKeyFrom(r)); err == nil {
		return nil
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return auth.ErrInvalidKey
	}
	_, err := s.auth.ValidateWebchatToken(token)
	return err
}

func decodeBody(r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
