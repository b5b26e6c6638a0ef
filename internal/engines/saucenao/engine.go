package saucenao

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"imagesource/risservice/internal/domain"
	"imagesource/risservice/internal/engines"
)

const (
	defaultEndpoint      = "https://saucenao.com/search.php"
	defaultMinSimilarity = 65.0
	defaultUserAgent     = "reverse-image-search/1.0"

	// db=999 queries every index saucenao has.
	allIndexes = "999"
)

// idFields lists the payload keys that classify a hit to a platform,
// checked in order. A hit can carry several keys and produces one hit
// per key. IndexID restricts a key to one saucenao index; the "id" key
// is too generic to trust outside the patreon index (43).
var idFields = []struct {
	Field    string
	Platform domain.Platform
	IndexID  int
}{
	{"danbooru_id", domain.PlatformDanbooru, 0},
	{"yandere_id", domain.PlatformYandere, 0},
	{"gelbooru_id", domain.PlatformGelbooru, 0},
	{"konachan_id", domain.PlatformKonachan, 0},
	{"sankaku_id", domain.PlatformSankaku, 0},
	{"pixiv_id", domain.PlatformPixiv, 0},
	{"md_id", domain.PlatformMangadex, 0},
	{"mu_id", domain.PlatformMangaupdates, 0},
	{"mal_id", domain.PlatformMyAnimeList, 0},
	{"da_id", domain.PlatformDeviantArt, 0},
	{"as_project", domain.PlatformArtStation, 0},
	{"id", domain.PlatformPatreon, 43},
	{"anidb_aid", domain.PlatformAniDB, 0},
	{"anilist_id", domain.PlatformAniList, 0},
	{"tweet_id", domain.PlatformTwitter, 0},
	{"imdb_id", domain.PlatformIMDB, 0},
	{"e621_id", domain.PlatformE621, 0},
}

type Config struct {
	APIKey        string
	Endpoint      string
	MinSimilarity float64
	UserAgent     string
	Client        *http.Client
}

type Engine struct {
	client        *http.Client
	endpoint      string
	apiKey        string
	minSimilarity float64
	userAgent     string
}

type response struct {
	Header struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"header"`
	Results []result `json:"results"`
}

type result struct {
	Header struct {
		Similarity similarity `json:"similarity"`
		IndexID    int        `json:"index_id"`
		IndexName  string     `json:"index_name"`
		Thumbnail  string     `json:"thumbnail"`
	} `json:"header"`
	Data map[string]any `json:"data"`
}

// similarity is reported as a quoted decimal ("92.51") by the live API
// but shows up as a bare number in older payloads.
type similarity float64

func (s *similarity) UnmarshalJSON(data []byte) error {
	text := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if text == "" || text == "null" {
		*s = -1
		return nil
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("similarity %q: %w", text, err)
	}
	*s = similarity(parsed)
	return nil
}

func NewEngine(cfg Config) *Engine {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	minSimilarity := cfg.MinSimilarity
	if minSimilarity <= 0 {
		minSimilarity = defaultMinSimilarity
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Engine{
		client:        client,
		endpoint:      endpoint,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		minSimilarity: minSimilarity,
		userAgent:     userAgent,
	}
}

func (e *Engine) Name() string {
	return "saucenao"
}

func (e *Engine) Info() domain.EngineInfo {
	return domain.EngineInfo{
		Name:    e.Name(),
		Label:   "SauceNAO",
		Enabled: true,
	}
}

func (e *Engine) Search(ctx context.Context, imageURL, imageID string, hits chan<- domain.SearchHit) error {
	searchURL, err := url.Parse(e.endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	query := searchURL.Query()
	query.Set("output_type", "2")
	query.Set("db", allIndexes)
	query.Set("testmode", "1")
	query.Set("url", imageURL)
	if e.apiKey != "" {
		query.Set("api_key", e.apiKey)
	}
	searchURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return engines.ClassifyTransportError(e.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engines.ClassifyHTTPError(e.Name(), resp)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return engines.ClassifyTransportError(e.Name(), err)
	}
	var decoded response
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", engines.ErrBadResponse, e.Name(), err)
	}

	if decoded.Header.Status != 0 {
		return fmt.Errorf("%w: %s status %d: %s", engines.ErrBadResponse, e.Name(), decoded.Header.Status, decoded.Header.Message)
	}

	searchLink := publicSearchLink(searchURL, imageURL)
	for _, item := range decoded.Results {
		score := float64(item.Header.Similarity)
		if score < e.minSimilarity {
			continue
		}

		raw := rawPayload(item, searchLink)
		classified := false
		for _, field := range idFields {
			value, present := item.Data[field.Field]
			if !present {
				continue
			}
			if field.IndexID != 0 && field.IndexID != item.Header.IndexID {
				continue
			}
			classified = true
			if err := engines.SendHit(ctx, hits, domain.SearchHit{
				SearchEngine: e.Name(),
				Platform:     field.Platform,
				PlatformID:   idString(value),
				Similarity:   score,
				RawPayload:   raw,
				SearchLink:   searchLink,
			}); err != nil {
				return err
			}
		}
		if !classified {
			// Some indexes carry no id key at all; the ext_urls links are
			// then the only discriminator, and classifying them keeps the
			// provider id identical to what iqdb derives for the same item.
			for _, link := range extURLStrings(item.Data["ext_urls"]) {
				platform, id, ok := classifyExtURL(link)
				if !ok {
					continue
				}
				classified = true
				if err := engines.SendHit(ctx, hits, domain.SearchHit{
					SearchEngine: e.Name(),
					Platform:     platform,
					PlatformID:   id,
					Similarity:   score,
					RawPayload:   raw,
					SearchLink:   searchLink,
				}); err != nil {
					return err
				}
			}
		}
		if classified {
			continue
		}
		// Unclassified hits get a stable id from the index name so dedup
		// still collapses repeats of the same index.
		if err := engines.SendHit(ctx, hits, domain.SearchHit{
			SearchEngine: e.Name(),
			Platform:     domain.PlatformUnknown,
			PlatformID:   indexDigest(item.Header.IndexName),
			Similarity:   score,
			RawPayload:   raw,
			SearchLink:   searchLink,
		}); err != nil {
			return err
		}
	}
	return nil
}

// publicSearchLink is the browser-facing query URL, without the api key.
func publicSearchLink(endpoint *url.URL, imageURL string) string {
	public := *endpoint
	query := url.Values{}
	query.Set("url", imageURL)
	public.RawQuery = query.Encode()
	return public.String()
}

// rawPayload flattens one result into the payload forwarded to the
// resolver, mirroring the wire layout of the saucenao response.
func rawPayload(item result, searchLink string) map[string]any {
	return map[string]any{
		"header": map[string]any{
			"similarity": float64(item.Header.Similarity),
			"index_id":   item.Header.IndexID,
			"index_name": item.Header.IndexName,
			"thumbnail":  item.Header.Thumbnail,
		},
		"data":        item.Data,
		"search_link": searchLink,
	}
}

func idString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		// JSON numbers decode as float64; ids are integral.
		return fmt.Sprintf("%.0f", typed)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func indexDigest(indexName string) string {
	digest := sha1.Sum([]byte(indexName))
	return hex.EncodeToString(digest[:])
}
