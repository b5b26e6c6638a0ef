package saucenao

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"imagesource/risservice/internal/domain"
	"imagesource/risservice/internal/engines"
)

func runSearch(t *testing.T, engine *Engine, imageURL string) ([]domain.SearchHit, error) {
	t.Helper()
	hits := make(chan domain.SearchHit, 64)
	err := engine.Search(context.Background(), imageURL, "img-1", hits)
	close(hits)
	var collected []domain.SearchHit
	for hit := range hits {
		collected = append(collected, hit)
	}
	return collected, err
}

func TestSearchClassifiesKnownPlatforms(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"header": {"status": 0},
			"results": [
				{
					"header": {"similarity": "92.5", "index_id": 9, "index_name": "Index #9: Danbooru", "thumbnail": "https://img.example/t1.jpg"},
					"data": {"danbooru_id": 555, "ext_urls": ["https://danbooru.donmai.us/post/show/555"]}
				},
				{
					"header": {"similarity": "88.0", "index_id": 5, "index_name": "Index #5: Pixiv", "thumbnail": "https://img.example/t2.jpg"},
					"data": {"pixiv_id": 101, "member_name": "artist"}
				}
			]
		}`))
	}))
	defer ts.Close()

	engine := NewEngine(Config{Endpoint: ts.URL, MinSimilarity: 65})
	hits, err := runSearch(t, engine, "https://files.example/img-1.jpg")
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Platform != domain.PlatformDanbooru || hits[0].PlatformID != "555" {
		t.Fatalf("unexpected first hit: %#v", hits[0])
	}
	if hits[0].ProviderID() != "danbooru:555" {
		t.Fatalf("unexpected provider id: %s", hits[0].ProviderID())
	}
	if hits[0].Similarity != 92.5 {
		t.Fatalf("unexpected similarity: %f", hits[0].Similarity)
	}
	if hits[1].Platform != domain.PlatformPixiv || hits[1].PlatformID != "101" {
		t.Fatalf("unexpected second hit: %#v", hits[1])
	}
}

func TestSearchEmitsOneHitPerIDField(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"header": {"status": 0},
			"results": [
				{
					"header": {"similarity": "90", "index_id": 9, "index_name": "Index #9: Danbooru"},
					"data": {"danbooru_id": 555, "gelbooru_id": 777}
				}
			]
		}`))
	}))
	defer ts.Close()

	engine := NewEngine(Config{Endpoint: ts.URL})
	hits, err := runSearch(t, engine, "https://files.example/img-1.jpg")
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits for a double-classified result, got %d", len(hits))
	}
	ids := []string{hits[0].ProviderID(), hits[1].ProviderID()}
	if ids[0] != "danbooru:555" || ids[1] != "gelbooru:777" {
		t.Fatalf("unexpected provider ids: %v", ids)
	}
}

func TestSearchFiltersBelowMinSimilarity(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"header": {"status": 0},
			"results": [
				{"header": {"similarity": "42.1", "index_id": 9, "index_name": "Danbooru"}, "data": {"danbooru_id": 1}},
				{"header": {"similarity": "80.0", "index_id": 9, "index_name": "Danbooru"}, "data": {"danbooru_id": 2}}
			]
		}`))
	}))
	defer ts.Close()

	engine := NewEngine(Config{Endpoint: ts.URL, MinSimilarity: 65})
	hits, err := runSearch(t, engine, "https://files.example/img-1.jpg")
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit above threshold, got %d", len(hits))
	}
	if hits[0].PlatformID != "2" {
		t.Fatalf("unexpected surviving hit: %#v", hits[0])
	}
}

func TestSearchClassifiesByExtURLWhenIDKeysAbsent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"header": {"status": 0},
			"results": [
				{
					"header": {"similarity": "84", "index_id": 11, "index_name": "Index #11: Zerochan"},
					"data": {"ext_urls": ["https://www.zerochan.net/4242"]}
				},
				{
					"header": {"similarity": "79", "index_id": 41, "index_name": "Index #41: Twitter"},
					"data": {"ext_urls": ["https://twitter.com/someone/status/1234567890"]}
				}
			]
		}`))
	}))
	defer ts.Close()

	engine := NewEngine(Config{Endpoint: ts.URL, MinSimilarity: 65})
	hits, err := runSearch(t, engine, "https://files.example/img-1.jpg")
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Platform != domain.PlatformZerochan || hits[0].PlatformID != "4242" {
		t.Fatalf("unexpected first hit: %#v", hits[0])
	}
	// The same item seen through iqdb must collapse to one cache row.
	if hits[0].ProviderID() != "zerochan:4242" {
		t.Fatalf("unexpected provider id: %s", hits[0].ProviderID())
	}
	if hits[1].Platform != domain.PlatformTwitter || hits[1].PlatformID != "1234567890" {
		t.Fatalf("unexpected second hit: %#v", hits[1])
	}
}

func TestClassifyExtURL(t *testing.T) {
	cases := []struct {
		link     string
		platform domain.Platform
		id       string
		ok       bool
	}{
		{"https://danbooru.donmai.us/post/show/555", domain.PlatformDanbooru, "555", true},
		{"https://danbooru.donmai.us/posts/555", domain.PlatformDanbooru, "555", true},
		{"https://gelbooru.com/index.php?page=post&s=view&id=777", domain.PlatformGelbooru, "777", true},
		{"https://yande.re/post/show/9000", domain.PlatformYandere, "9000", true},
		{"https://konachan.com/post/show/31", domain.PlatformKonachan, "31", true},
		{"http://behoimi.org/post/show/8", domain.Platform3DBooru, "8", true},
		{"https://www.zerochan.net/4242", domain.PlatformZerochan, "4242", true},
		{"https://chan.sankakucomplex.com/post/show/abc12", domain.PlatformSankaku, "abc12", true},
		{"https://e-shuushuu.net/image/314/", domain.PlatformEshuushuu, "314", true},
		{"https://e621.net/posts/2718", domain.PlatformE621, "2718", true},
		{"https://www.pixiv.net/en/artworks/123456", domain.PlatformPixiv, "123456", true},
		{"https://i.pximg.net/img-original/img/2020/01/01/00/00/00/123456_p0.png", domain.PlatformPixiv, "123456", true},
		{"https://twitter.com/name/status/42", domain.PlatformTwitter, "42", true},
		{"https://x.com/name/status/42", domain.PlatformTwitter, "42", true},
		{"https://mangadex.org/title/abc-123", domain.PlatformMangadex, "abc-123", true},
		{"https://www.mangaupdates.com/series.html?id=55", domain.PlatformMangaupdates, "55", true},
		{"https://myanimelist.net/anime/120", domain.PlatformMyAnimeList, "120", true},
		{"https://anidb.net/anime/69", domain.PlatformAniDB, "69", true},
		{"https://anilist.co/anime/21", domain.PlatformAniList, "21", true},
		// Unplaceable links must not be guessed at.
		{"https://example.com/whatever/1", domain.PlatformUnknown, "", false},
		{"https://www.zerochan.net/", domain.PlatformUnknown, "", false},
		{"not a url", domain.PlatformUnknown, "", false},
	}
	for _, tc := range cases {
		platform, id, ok := classifyExtURL(tc.link)
		if ok != tc.ok || platform != tc.platform || id != tc.id {
			t.Fatalf("%s: got (%s, %q, %v), want (%s, %q, %v)",
				tc.link, platform, id, ok, tc.platform, tc.id, tc.ok)
		}
	}
}

func TestSearchUnclassifiedHitGetsStableDigest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"header": {"status": 0},
			"results": [
				{"header": {"similarity": "77", "index_id": 18, "index_name": "Index #18: H-Misc"}, "data": {"source": "somewhere"}}
			]
		}`))
	}))
	defer ts.Close()

	engine := NewEngine(Config{Endpoint: ts.URL})
	hits, err := runSearch(t, engine, "https://files.example/img-1.jpg")
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Platform != domain.PlatformUnknown {
		t.Fatalf("expected unknown platform, got %s", hits[0].Platform)
	}
	if len(hits[0].PlatformID) != 40 {
		t.Fatalf("expected sha1 hex id, got %q", hits[0].PlatformID)
	}
	if hits[0].PlatformID != indexDigest("Index #18: H-Misc") {
		t.Fatal("expected digest derived from the index name")
	}
	if !strings.HasPrefix(hits[0].ProviderID(), "saucenao:") {
		t.Fatalf("unexpected provider id: %s", hits[0].ProviderID())
	}
}

func TestSearchGenericIDRequiresPatreonIndex(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"header": {"status": 0},
			"results": [
				{"header": {"similarity": "90", "index_id": 43, "index_name": "Index #43: Patreon"}, "data": {"id": 9001}},
				{"header": {"similarity": "90", "index_id": 12, "index_name": "Index #12: Other"}, "data": {"id": 9002}}
			]
		}`))
	}))
	defer ts.Close()

	engine := NewEngine(Config{Endpoint: ts.URL})
	hits, err := runSearch(t, engine, "https://files.example/img-1.jpg")
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Platform != domain.PlatformPatreon || hits[0].PlatformID != "9001" {
		t.Fatalf("unexpected patreon hit: %#v", hits[0])
	}
	// Outside index 43 the bare "id" key is not trusted.
	if hits[1].Platform != domain.PlatformUnknown {
		t.Fatalf("expected unknown for generic id outside patreon index, got %s", hits[1].Platform)
	}
}

func TestSearchSendsAPIKeyButHidesItFromSearchLink(t *testing.T) {
	var capturedQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = r.URL.RawQuery
		w.Write([]byte(`{"header": {"status": 0}, "results": [
			{"header": {"similarity": "90", "index_id": 9, "index_name": "Danbooru"}, "data": {"danbooru_id": 1}}
		]}`))
	}))
	defer ts.Close()

	engine := NewEngine(Config{Endpoint: ts.URL, APIKey: "secret-key"})
	hits, err := runSearch(t, engine, "https://files.example/img-1.jpg")
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if !strings.Contains(capturedQuery, "api_key=secret-key") {
		t.Fatalf("expected api key in request query: %s", capturedQuery)
	}
	if !strings.Contains(capturedQuery, "output_type=2") || !strings.Contains(capturedQuery, "db=999") {
		t.Fatalf("expected api parameters in request query: %s", capturedQuery)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if strings.Contains(hits[0].SearchLink, "secret-key") {
		t.Fatalf("api key leaked into search link: %s", hits[0].SearchLink)
	}
}

func TestSearchHTTPErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, engines.ErrRateLimited},
		{http.StatusInternalServerError, engines.ErrUnavailable},
		{http.StatusForbidden, engines.ErrBadResponse},
	}
	for _, tc := range cases {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		engine := NewEngine(Config{Endpoint: ts.URL})
		_, err := runSearch(t, engine, "https://files.example/img-1.jpg")
		ts.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestSearchBadJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer ts.Close()

	engine := NewEngine(Config{Endpoint: ts.URL})
	_, err := runSearch(t, engine, "https://files.example/img-1.jpg")
	if !errors.Is(err, engines.ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}

func TestNewEngineDefaults(t *testing.T) {
	engine := NewEngine(Config{})
	if engine.endpoint != defaultEndpoint {
		t.Fatalf("unexpected endpoint: %s", engine.endpoint)
	}
	if engine.minSimilarity != defaultMinSimilarity {
		t.Fatalf("unexpected min similarity: %f", engine.minSimilarity)
	}
	if engine.client == nil {
		t.Fatal("expected non-nil client")
	}
}

func TestEngineImplementsInterface(t *testing.T) {
	var _ engines.Engine = (*Engine)(nil)
}
