package apihttp

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"imagesource/risservice/internal/cache"
	"imagesource/risservice/internal/domain"
	"imagesource/risservice/internal/search"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type SearchService interface {
	Search(ctx context.Context, imageURL, imageID string, settings domain.UserSettings) (<-chan domain.ProviderData, error)
	Engines() []domain.EngineInfo
	EngineNames() []string
	EngineDiagnostics() []domain.EngineDiagnostics
}

type SettingsService interface {
	Load(ctx context.Context, userID int64) (domain.UserSettings, error)
	Save(ctx context.Context, settings domain.UserSettings, fields ...string) error
	IncrementSearchCount(ctx context.Context, userID int64) (int64, error)
}

// ResultAdmin exposes the maintenance surface of the result store.
type ResultAdmin interface {
	ResetNotFound(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

type Server struct {
	search   SearchService
	settings SettingsService
	results  ResultAdmin
	logger   *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithSettings(settings SettingsService) ServerOption {
	return func(s *Server) {
		s.settings = settings
	}
}

func WithResultAdmin(results ResultAdmin) ServerOption {
	return func(s *Server) {
		s.results = results
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search: searchService,
		logger: slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/engines", s.handleEngines)
	mux.HandleFunc("/engines/health", s.handleEnginesHealth)
	mux.HandleFunc("/settings/", s.handleSettings)
	mux.HandleFunc("/cache/no-found/reset", s.handleNoFoundReset)
	mux.HandleFunc("/image", s.handleImageProxy)
	mux.HandleFunc("/search", s.handleSearch)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "reverse-image-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(50, 100, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}
	if s.results != nil {
		if err := s.results.Ping(r.Context()); err != nil {
			payload["redis"] = "down"
		} else {
			payload["redis"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	imageURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if imageURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	if parsed, err := url.Parse(imageURL); err != nil || parsed.Host == "" ||
		(parsed.Scheme != "http" && parsed.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "invalid_request", "url must be an absolute http(s) url")
		return
	}

	imageID := strings.TrimSpace(r.URL.Query().Get("id"))
	if imageID == "" {
		// Stable fallback id so repeated searches of the same url share
		// cache rows.
		digest := sha1.Sum([]byte(imageURL))
		imageID = hex.EncodeToString(digest[:])
	}

	userID, err := parseOptionalUserID(r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user id")
		return
	}

	settings := domain.DefaultUserSettings(userID, s.search.EngineNames())
	if s.settings != nil {
		loaded, err := s.settings.Load(r.Context(), userID)
		if err != nil {
			s.logger.Warn("settings load failed, using defaults",
				slog.Int64("userId", userID),
				slog.String("error", err.Error()),
			)
		} else {
			settings = loaded
		}
		if _, err := s.settings.IncrementSearchCount(r.Context(), userID); err != nil {
			s.logger.Warn("search counter update failed",
				slog.Int64("userId", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	if parseOptionalBool(r.URL.Query().Get("nocache")) {
		settings.CacheEnabled = false
	}

	startedAt := time.Now()
	ch, err := s.search.Search(r.Context(), imageURL, imageID, settings)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrInvalidImage):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEEvent(w, flusher, "bootstrap", map[string]any{
		"imageId": imageID,
		"status":  "started",
	}); err != nil {
		return // Client disconnected
	}

	count := 0
	for item := range ch {
		select {
		case <-r.Context().Done():
			return // Client disconnected
		default:
		}
		if err := writeSSEEvent(w, flusher, "result", item); err != nil {
			return // Client disconnected
		}
		count++
	}

	s.logger.Info("search completed",
		slog.String("imageId", imageID),
		slog.Int64("userId", userID),
		slog.Int("results", count),
		slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
	)
	_ = writeSSEEvent(w, flusher, "done", map[string]any{
		"final":   true,
		"results": count,
	})
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/engines" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.search.Engines(),
	})
}

func (s *Server) handleEnginesHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/engines/health" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     s.search.EngineDiagnostics(),
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "settings service is not configured")
		return
	}

	rawID := strings.TrimPrefix(r.URL.Path, "/settings/")
	if rawID == "" || strings.Contains(rawID, "/") {
		http.NotFound(w, r)
		return
	}
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || userID < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.Load(r.Context(), userID)
		if err != nil {
			s.logger.Warn("settings load failed",
				slog.Int64("userId", userID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", "settings are unavailable")
			return
		}
		writeJSON(w, http.StatusOK, settingsPayload(settings))
	case http.MethodPatch:
		var payload struct {
			EnabledEngines  *[]string `json:"enabledEngines"`
			CacheEnabled    *bool     `json:"cacheEnabled"`
			BestResultsOnly *bool     `json:"bestResultsOnly"`
		}
		if err := decodeJSONBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		settings, err := s.settings.Load(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", "settings are unavailable")
			return
		}

		known := make(map[string]struct{})
		if s.search != nil {
			for _, name := range s.search.EngineNames() {
				known[name] = struct{}{}
			}
		}

		fields := make([]string, 0, 3)
		if payload.EnabledEngines != nil {
			enabled := make(map[string]struct{}, len(*payload.EnabledEngines))
			for _, name := range *payload.EnabledEngines {
				name = strings.ToLower(strings.TrimSpace(name))
				if name == "" {
					continue
				}
				if _, ok := known[name]; !ok {
					writeError(w, http.StatusBadRequest, "invalid_request", "unknown engine: "+name)
					return
				}
				enabled[name] = struct{}{}
			}
			settings.EnabledEngines = enabled
			fields = append(fields, cache.SettingEnabledEngines)
		}
		if payload.CacheEnabled != nil {
			settings.CacheEnabled = *payload.CacheEnabled
			fields = append(fields, cache.SettingCacheEnabled)
		}
		if payload.BestResultsOnly != nil {
			settings.BestResultsOnly = *payload.BestResultsOnly
			fields = append(fields, cache.SettingBestResultsOnly)
		}
		if len(fields) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "no settings to update")
			return
		}

		if err := s.settings.Save(r.Context(), settings, fields...); err != nil {
			s.logger.Warn("settings save failed",
				slog.Int64("userId", userID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", "settings are unavailable")
			return
		}
		writeJSON(w, http.StatusOK, settingsPayload(settings))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNoFoundReset(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/cache/no-found/reset" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.results == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "result store is not configured")
		return
	}

	removed, err := s.results.ResetNotFound(r.Context())
	if err != nil {
		s.logger.Warn("no-found reset failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "result store is unavailable")
		return
	}
	s.logger.Info("no-found markers cleared", slog.Int64("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func settingsPayload(settings domain.UserSettings) map[string]any {
	return map[string]any{
		"userId":          settings.UserID,
		"enabledEngines":  settings.EnabledEngineNames(),
		"cacheEnabled":    settings.CacheEnabled,
		"bestResultsOnly": settings.BestResultsOnly,
		"searchCount":     settings.SearchCount,
	}
}

func parseOptionalUserID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
