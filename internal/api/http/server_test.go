package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"imagesource/risservice/internal/cache"
	"imagesource/risservice/internal/domain"
)

type fakeSearchService struct {
	lastImageURL string
	lastImageID  string
	lastSettings domain.UserSettings
	callCount    int
	results      []domain.ProviderData
}

func (f *fakeSearchService) Search(ctx context.Context, imageURL, imageID string, settings domain.UserSettings) (<-chan domain.ProviderData, error) {
	_ = ctx
	f.callCount++
	f.lastImageURL = imageURL
	f.lastImageID = imageID
	f.lastSettings = settings
	ch := make(chan domain.ProviderData, len(f.results))
	for _, item := range f.results {
		ch <- item
	}
	close(ch)
	return ch, nil
}

func (f *fakeSearchService) Engines() []domain.EngineInfo {
	return []domain.EngineInfo{
		{Name: "iqdb", Label: "IQDB", Enabled: true},
		{Name: "saucenao", Label: "SauceNAO", Enabled: true},
	}
}

func (f *fakeSearchService) EngineNames() []string {
	return []string{"iqdb", "saucenao"}
}

func (f *fakeSearchService) EngineDiagnostics() []domain.EngineDiagnostics {
	return []domain.EngineDiagnostics{
		{Name: "iqdb", Label: "IQDB", Enabled: true, LastLatencyMS: 120},
		{Name: "saucenao", Label: "SauceNAO", Enabled: true, LastLatencyMS: 80},
	}
}

type fakeSettingsService struct {
	stored     map[int64]domain.UserSettings
	lastFields []string
	loadErr    error
	increments int
}

func newFakeSettingsService() *fakeSettingsService {
	return &fakeSettingsService{stored: make(map[int64]domain.UserSettings)}
}

func (f *fakeSettingsService) Load(ctx context.Context, userID int64) (domain.UserSettings, error) {
	_ = ctx
	if f.loadErr != nil {
		return domain.UserSettings{}, f.loadErr
	}
	if settings, ok := f.stored[userID]; ok {
		return settings, nil
	}
	return domain.DefaultUserSettings(userID, []string{"iqdb", "saucenao"}), nil
}

func (f *fakeSettingsService) Save(ctx context.Context, settings domain.UserSettings, fields ...string) error {
	_ = ctx
	f.stored[settings.UserID] = settings
	f.lastFields = append([]string(nil), fields...)
	return nil
}

func (f *fakeSettingsService) IncrementSearchCount(ctx context.Context, userID int64) (int64, error) {
	_ = ctx
	f.increments++
	settings := f.stored[userID]
	settings.SearchCount++
	f.stored[userID] = settings
	return settings.SearchCount, nil
}

type fakeResultAdmin struct {
	removed  int64
	resetErr error
	pingErr  error
}

func (f *fakeResultAdmin) ResetNotFound(ctx context.Context) (int64, error) {
	_ = ctx
	return f.removed, f.resetErr
}

func (f *fakeResultAdmin) Ping(ctx context.Context) error {
	_ = ctx
	return f.pingErr
}

func newTestServer(t *testing.T, options ...ServerOption) (*httptest.Server, *fakeSearchService) {
	t.Helper()
	searchService := &fakeSearchService{
		results: []domain.ProviderData{
			{
				PriorityKey:  "danbooru",
				ProviderID:   "danbooru:555",
				ProviderLink: "https://danbooru.donmai.us/posts/555",
				MainFiles:    []string{"https://danbooru.donmai.us/555.jpg"},
			},
		},
	}
	server := httptest.NewServer(NewServer(searchService, options...).Handler())
	t.Cleanup(server.Close)
	return server, searchService
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, WithResultAdmin(&fakeResultAdmin{}))

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["status"] != "ok" || payload["redis"] != "ok" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestHealthReportsRedisDown(t *testing.T) {
	server, _ := newTestServer(t, WithResultAdmin(&fakeResultAdmin{pingErr: errors.New("redis down")}))

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["redis"] != "down" {
		t.Fatalf("expected redis down, got %v", payload)
	}
}

func TestEnginesEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/engines")
	if err != nil {
		t.Fatalf("engines request: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Items []domain.EngineInfo `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].Name != "iqdb" {
		t.Fatalf("unexpected engines payload: %v", payload.Items)
	}
}

func TestEnginesHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/engines/health")
	if err != nil {
		t.Fatalf("engines health request: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Items []domain.EngineDiagnostics `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Items) != 2 {
		t.Fatalf("expected 2 diagnostics entries, got %d", len(payload.Items))
	}
}

func TestSearchRequiresValidURL(t *testing.T) {
	server, searchService := newTestServer(t)

	for _, target := range []string{
		"/search",
		"/search?url=not-a-url",
		"/search?url=ftp://example.com/a.jpg",
	} {
		resp, err := http.Get(server.URL + target)
		if err != nil {
			t.Fatalf("request %s: %v", target, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, resp.StatusCode)
		}
	}
	if searchService.callCount != 0 {
		t.Fatal("invalid requests must not reach the search service")
	}
}

func TestSearchStreamsResults(t *testing.T) {
	settings := newFakeSettingsService()
	server, searchService := newTestServer(t, WithSettings(settings))

	resp, err := http.Get(server.URL + "/search?url=https://img.example/a.jpg&id=img-1&user=42")
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if contentType := resp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	raw := string(body)
	for _, want := range []string{"event: bootstrap", "event: result", "danbooru:555", "event: done"} {
		if !strings.Contains(raw, want) {
			t.Fatalf("stream missing %q:\n%s", want, raw)
		}
	}

	if searchService.lastImageID != "img-1" {
		t.Fatalf("expected image id to pass through, got %q", searchService.lastImageID)
	}
	if searchService.lastSettings.UserID != 42 {
		t.Fatalf("expected user 42 settings, got %d", searchService.lastSettings.UserID)
	}
	if settings.increments != 1 {
		t.Fatalf("expected one search count increment, got %d", settings.increments)
	}
}

func TestSearchDerivesImageIDFromURL(t *testing.T) {
	server, searchService := newTestServer(t)

	resp, err := http.Get(server.URL + "/search?url=https://img.example/a.jpg")
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	resp.Body.Close()

	if len(searchService.lastImageID) != 40 {
		t.Fatalf("expected derived sha1 image id, got %q", searchService.lastImageID)
	}
}

func TestSearchNoCacheParamDisablesCache(t *testing.T) {
	server, searchService := newTestServer(t, WithSettings(newFakeSettingsService()))

	resp, err := http.Get(server.URL + "/search?url=https://img.example/a.jpg&id=img-1&nocache=1")
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	resp.Body.Close()

	if searchService.lastSettings.CacheEnabled {
		t.Fatal("nocache param should disable caching for the call")
	}
}

func TestSettingsGet(t *testing.T) {
	server, _ := newTestServer(t, WithSettings(newFakeSettingsService()))

	resp, err := http.Get(server.URL + "/settings/42")
	if err != nil {
		t.Fatalf("settings request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		UserID         int64    `json:"userId"`
		EnabledEngines []string `json:"enabledEngines"`
		CacheEnabled   bool     `json:"cacheEnabled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.UserID != 42 || !payload.CacheEnabled || len(payload.EnabledEngines) != 2 {
		t.Fatalf("unexpected settings payload: %+v", payload)
	}
}

func TestSettingsPatchPartialUpdate(t *testing.T) {
	settings := newFakeSettingsService()
	server, _ := newTestServer(t, WithSettings(settings))

	request, err := http.NewRequest(http.MethodPatch, server.URL+"/settings/42",
		strings.NewReader(`{"cacheEnabled": false}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("patch request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(settings.lastFields) != 1 || settings.lastFields[0] != cache.SettingCacheEnabled {
		t.Fatalf("expected only cache_enabled to be saved, got %v", settings.lastFields)
	}
	if saved := settings.stored[42]; saved.CacheEnabled {
		t.Fatal("cacheEnabled should be persisted as false")
	}
}

func TestSettingsPatchRejectsUnknownEngine(t *testing.T) {
	server, _ := newTestServer(t, WithSettings(newFakeSettingsService()))

	request, err := http.NewRequest(http.MethodPatch, server.URL+"/settings/42",
		strings.NewReader(`{"enabledEngines": ["tineye"]}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("patch request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown engine, got %d", resp.StatusCode)
	}
}

func TestSettingsPatchRequiresFields(t *testing.T) {
	server, _ := newTestServer(t, WithSettings(newFakeSettingsService()))

	request, err := http.NewRequest(http.MethodPatch, server.URL+"/settings/42", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("patch request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty patch, got %d", resp.StatusCode)
	}
}

func TestSettingsRejectsBadUserID(t *testing.T) {
	server, _ := newTestServer(t, WithSettings(newFakeSettingsService()))

	resp, err := http.Get(server.URL + "/settings/abc")
	if err != nil {
		t.Fatalf("settings request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestNoFoundReset(t *testing.T) {
	server, _ := newTestServer(t, WithResultAdmin(&fakeResultAdmin{removed: 7}))

	resp, err := http.Post(server.URL+"/cache/no-found/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("reset request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Removed int64 `json:"removed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Removed != 7 {
		t.Fatalf("expected 7 removed markers, got %d", payload.Removed)
	}

	getResp, err := http.Get(server.URL + "/cache/no-found/reset")
	if err != nil {
		t.Fatalf("reset get request: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", getResp.StatusCode)
	}
}
