package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"docstore/api/internal/metrics"
	"docstore/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        service.log.With().Str("component", "http").Logger(),
	}
}

// WithMetrics records request metrics on m and serves g at /metrics.
func (s *HTTPServer) WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) *HTTPServer {
	s.metrics = m
	s.gatherer = g
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.gatherer != nil {
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	parts, err := splitPath(r.URL.EscapedPath())
	if err != nil || len(parts) < 3 || len(parts) > 4 || parts[0] != "api" || parts[1] != "resources" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	resourceName := parts[2]
	if len(parts) == 4 {
		s.handleRecord(w, r, resourceName, parts[3])
		return
	}
	s.handleCollection(w, r, resourceName)
}

func (s *HTTPServer) handleCollection(w http.ResponseWriter, r *http.Request, resourceName string) {
	ctx := r.Context()
	query := r.URL.Query()

	switch r.Method {
	case http.MethodGet:
		if ids := splitIDs(query.Get("ids")); ids != nil {
			data, err := s.service.GetMany(ctx, resourceName, ids)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": data})
			return
		}

		params, err := listParams(query)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		var result ListResult
		if target := query.Get("target"); target != "" {
			result, err = s.service.GetManyReference(ctx, resourceName, target, query.Get("id"), params)
		} else {
			result, err = s.service.GetList(ctx, resourceName, params)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case http.MethodPost:
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Data == nil {
			body.Data = map[string]any{}
		}
		data, err := s.service.Create(ctx, resourceName, body.Data)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"data": data})

	case http.MethodPut:
		var body struct {
			IDs  []string       `json:"ids"`
			Data map[string]any `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ids, err := s.service.UpdateMany(ctx, resourceName, body.IDs, body.Data)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": ids})

	case http.MethodDelete:
		ids, err := s.service.DeleteMany(ctx, resourceName, splitIDs(query.Get("ids")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": ids})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleRecord(w http.ResponseWriter, r *http.Request, resourceName, id string) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		data, err := s.service.GetOne(ctx, resourceName, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})

	case http.MethodPut:
		var body struct {
			Data         map[string]any `json:"data"`
			PreviousData map[string]any `json:"previousData"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Data == nil {
			body.Data = map[string]any{}
		}
		data, err := s.service.Update(ctx, resourceName, id, body.Data, body.PreviousData)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})

	case http.MethodDelete:
		var body struct {
			PreviousData map[string]any `json:"previousData"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		data, err := s.service.Delete(ctx, resourceName, id, body.PreviousData)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", requestID(r.Context())).
			Str("code", code).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func listParams(q url.Values) (ListParams, error) {
	var params ListParams
	if raw := q.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params.Filter); err != nil {
			return ListParams{}, errors.New("filter must be a JSON object")
		}
	}
	if field := q.Get("sort"); field != "" {
		params.Sort = &Sort{Field: field, Order: strings.ToUpper(q.Get("order"))}
	}
	if q.Has("page") || q.Has("perPage") {
		p := &Pagination{Page: 1, PerPage: 10}
		if raw := q.Get("page"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return ListParams{}, fmt.Errorf("invalid page %q", raw)
			}
			p.Page = n
		}
		if raw := q.Get("perPage"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return ListParams{}, fmt.Errorf("invalid perPage %q", raw)
			}
			p.PerPage = n
		}
		params.Pagination = p
	}
	return params, nil
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), writer.status, elapsed)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// routeLabel collapses resource paths to their route template.
func routeLabel(path string) string {
	if !strings.HasPrefix(path, "/api/resources/") {
		return path
	}
	switch strings.Count(strings.Trim(path, "/"), "/") {
	case 2:
		return "/api/resources/{r}"
	case 3:
		return "/api/resources/{r}/{id}"
	}
	return "/api/resources/*"
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody decodes a JSON body into target. An empty body leaves target
// untouched.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// splitPath splits an escaped URL path and unescapes each segment, so a
// resource name may contain an encoded slash.
func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		unescaped, err := url.PathUnescape(part)
		if err != nil {
			return nil, err
		}
		parts[i] = unescaped
	}
	return parts, nil
}
