package iqdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"imagesource/risservice/internal/domain"
	"imagesource/risservice/internal/engines"
)

const (
	defaultEndpoint  = "https://iqdb.org/"
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// Only e-shuushuu (6), 3dbooru (7) and zerochan (11) are queried; the
// remaining iqdb services are covered by saucenao with better results.
var serviceIDs = []string{"6", "11", "7"}

var matchPattern = regexp.MustCompile(`(?s)<div><table><tr><th>(?:Best match|Additional match)</th></tr><tr><td class='image'><a href="([^"]+)"><img src='([^"]+)' alt="[^"]*" (?:title="[^"]*" )?width='\d+' height='\d+'></a></td>.*?(?:<td><img alt="icon" src="/icon/[^.]+\.ico" class="service-icon">([^<]+)</td>)?.*?<td>(\d+×\d+) \[([^\]]+)\]</td>.*?<td>(\d+)% similarity</td>`)

var hostPlatforms = map[string]domain.Platform{
	"www.zerochan.net": domain.PlatformZerochan,
	"behoimi.org":      domain.Platform3DBooru,
	"e-shuushuu.net":   domain.PlatformEshuushuu,
}

type Config struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

type Engine struct {
	client    *http.Client
	endpoint  string
	userAgent string
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
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Engine{client: client, endpoint: endpoint, userAgent: userAgent}
}

func (e *Engine) Name() string {
	return "iqdb"
}

func (e *Engine) Info() domain.EngineInfo {
	return domain.EngineInfo{
		Name:    e.Name(),
		Label:   "IQDB",
		Enabled: true,
	}
}

func (e *Engine) Search(ctx context.Context, imageURL, imageID string, hits chan<- domain.SearchHit) error {
	searchURL, err := url.Parse(e.endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	query := searchURL.Query()
	query.Set("url", imageURL)
	for _, id := range serviceIDs {
		query.Add("service[]", id)
	}
	searchURL.RawQuery = query.Encode()
	searchLink := searchURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchLink, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

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
	page := decodeHTML(payload)

	matches := matchPattern.FindAllStringSubmatch(page, -1)
	if len(matches) == 0 {
		if strings.Contains(page, "Best match") {
			return fmt.Errorf("%w: %s match markup changed", engines.ErrBadResponse, e.Name())
		}
		return nil
	}

	for _, match := range matches {
		postLink := strings.TrimSpace(match[1])
		postID := lastPathSegment(postLink)
		if postID == "" {
			continue
		}
		similarity, err := strconv.ParseFloat(strings.TrimSpace(match[6]), 64)
		if err != nil {
			continue
		}

		serviceName := strings.TrimSpace(match[3])
		rating := strings.TrimSpace(match[5])
		raw := map[string]any{
			"provider":      serviceName,
			"post_link":     postLink,
			"post_id":       postID,
			"thumbnail_src": strings.TrimSpace(match[2]),
			"size":          strings.TrimSpace(match[4]),
			"nsfw":          !strings.EqualFold(rating, "safe"),
			"search_link":   searchLink,
		}

		if err := engines.SendHit(ctx, hits, domain.SearchHit{
			SearchEngine: e.Name(),
			Platform:     classifyHost(postLink),
			PlatformID:   postID,
			Similarity:   similarity,
			RawPayload:   raw,
			SearchLink:   searchLink,
		}); err != nil {
			return err
		}
	}
	return nil
}

func classifyHost(postLink string) domain.Platform {
	parsed, err := url.Parse(postLink)
	if err != nil {
		return domain.PlatformUnknown
	}
	if platform, ok := hostPlatforms[parsed.Host]; ok {
		return platform
	}
	return domain.PlatformUnknown
}

// lastPathSegment extracts the numeric post id terminating a booru post
// URL.
func lastPathSegment(postLink string) string {
	trimmed := strings.Trim(postLink, "/")
	if trimmed == "" {
		return ""
	}
	segments := strings.Split(trimmed, "/")
	last := segments[len(segments)-1]
	if _, err := strconv.ParseInt(last, 10, 64); err != nil {
		return ""
	}
	return last
}

func decodeHTML(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(payload)
	if err != nil {
		return string(payload)
	}
	return string(decoded)
}
